// Package dbxhash implements the remote service's content-hash scheme: a
// streaming hash producing a 64-character hex digest, computed as SHA-256
// over the concatenation of SHA-256 digests of fixed 4 MiB blocks. The same
// algorithm is used both to compute content_hash for local files and to
// verify download integrity, so uploads and downloads can be compared for
// equality without a byte-for-byte transfer.
//
// The algorithm is specific to this remote service and has no third-party
// implementation in the ecosystem, so it is built directly on
// crypto/sha256.
package dbxhash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// BlockSize is the fixed block size the remote service hashes independently
// before combining block digests into the outer hash.
const BlockSize = 4 * 1024 * 1024

// Size is the length in bytes of the finalized digest (SHA-256 output).
const Size = sha256.Size

// Hasher is a streaming implementation of the block-hash algorithm. The
// zero value is not usable; construct with New.
type Hasher struct {
	outer    hash.Hash // accumulates one SHA-256 digest per completed block
	block    hash.Hash // hashes the current in-progress block
	blockLen int       // bytes written to block since the last reset
}

// New returns a ready-to-use Hasher.
func New() *Hasher {
	return &Hasher{
		outer: sha256.New(),
		block: sha256.New(),
	}
}

// Write implements io.Writer, feeding bytes into the current block,
// flushing completed blocks into the outer hash as needed. Never returns
// an error.
func (h *Hasher) Write(p []byte) (int, error) {
	total := len(p)

	for len(p) > 0 {
		room := BlockSize - h.blockLen
		n := len(p)

		if n > room {
			n = room
		}

		h.block.Write(p[:n])
		h.blockLen += n
		p = p[n:]

		if h.blockLen == BlockSize {
			h.flushBlock()
		}
	}

	return total, nil
}

// flushBlock feeds the current block's digest into the outer hash and
// resets the block for the next BlockSize bytes.
func (h *Hasher) flushBlock() {
	h.outer.Write(h.block.Sum(nil))
	h.block = sha256.New()
	h.blockLen = 0
}

// Sum finalizes the hash, including any partial final block, and returns
// the raw 32-byte digest. Safe to call multiple times; does not mutate
// hasher state for block accounting beyond what has already been written
// (matches the stdlib hash.Hash.Sum convention of being non-destructive for
// repeated calls only when no further Write calls intervene).
func (h *Hasher) Sum() []byte {
	outer := cloneHash(h.outer)

	if h.blockLen > 0 {
		outer.Write(h.block.Sum(nil))
	}

	return outer.Sum(nil)
}

// SumHex returns the 64-character lowercase hex digest, the canonical
// content_hash representation used by IndexEntry and HashCacheEntry.
func (h *Hasher) SumHex() string {
	return hex.EncodeToString(h.Sum())
}

// Reset returns the Hasher to its initial state for reuse.
func (h *Hasher) Reset() {
	h.outer = sha256.New()
	h.block = sha256.New()
	h.blockLen = 0
}

// cloneHash copies a sha256 hash.Hash by round-tripping through its binary
// marshal representation, so Sum() can be called without mutating h.outer
// for subsequent Write calls.
func cloneHash(src hash.Hash) hash.Hash {
	type marshaler interface {
		MarshalBinary() ([]byte, error)
	}

	type unmarshaler interface {
		UnmarshalBinary([]byte) error
	}

	dst := sha256.New()

	state, err := src.(marshaler).MarshalBinary()
	if err != nil {
		// crypto/sha256's hash.Hash always supports binary marshaling;
		// this path is unreachable in practice.
		return dst
	}

	_ = dst.(unmarshaler).UnmarshalBinary(state)

	return dst
}

// SumBytes is a convenience wrapper computing the content hash of an
// in-memory byte slice in one call.
func SumBytes(data []byte) string {
	h := New()
	_, _ = h.Write(data)

	return h.SumHex()
}
