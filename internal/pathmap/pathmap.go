// Package pathmap implements the pure path-translation functions shared by
// every component of the sync engine: mapping between Dropbox paths (always
// "/"-separated, case-insensitively identified) and local filesystem paths
// (native separator, possibly case-sensitive), normalisation, ancestry
// checks, and conflict-copy name generation.
package pathmap

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNotInRoot is returned by ToDbx when the given local path does not fall
// under the configured sync root.
var ErrNotInRoot = errors.New("pathmap: local path is not under the sync root")

// maxConflictSuffix bounds the numeric suffix tried during conflict-name
// collision avoidance. Exceeding this many collisions on one path in one
// reconciliation pass is implausible; the last candidate is returned as a
// best-effort fallback rather than looping forever.
const maxConflictSuffix = 1000

// Reason strings interpolated into conflict-copy names by CCName.
const (
	ReasonConflictingCopy = "conflicting copy"
	ReasonSelectiveSync   = "selective sync conflict"
	ReasonCaseConflict    = "case conflict"
)

// Mapper translates between Dropbox paths and local filesystem paths rooted
// at a single sync directory. It holds no mutable state; all methods are
// pure given the configured root.
type Mapper struct {
	root string // absolute local filesystem path, no trailing separator
}

// New creates a Mapper rooted at syncRoot. syncRoot must be an absolute,
// cleaned local filesystem path.
func New(syncRoot string) *Mapper {
	return &Mapper{root: filepath.Clean(syncRoot)}
}

// Root returns the configured local sync root.
func (m *Mapper) Root() string {
	return m.root
}

// ToDbx maps a local filesystem path to its Dropbox path. local must be
// under the sync root (absolute or relative is accepted; relative paths are
// resolved against the root). Returns ErrNotInRoot if local escapes the
// root.
func (m *Mapper) ToDbx(local string) (string, error) {
	abs := local
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.root, local)
	}

	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotInRoot, local)
	}

	if rel == "." {
		return "/", nil
	}

	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrNotInRoot, local)
	}

	dbx := "/" + filepath.ToSlash(rel)

	return dbx, nil
}

// ToLocal maps a Dropbox path (display-cased, "/"-separated) to a local
// filesystem path under the sync root, using the native separator.
func (m *Mapper) ToLocal(dbxPath string) string {
	clean := path.Clean(dbxPath)
	if clean == "/" || clean == "." {
		return m.root
	}

	clean = strings.TrimPrefix(clean, "/")

	return filepath.Join(m.root, filepath.FromSlash(clean))
}

// Normalise returns the canonical identifier for a Dropbox path: Unicode NFC
// normalisation followed by case-folding, used as the primary key
// (dbx_path_lower) for index lookups. The leading "/" and internal
// separators are preserved; each path survives round-tripping through
// Normalise unchanged in structure.
func Normalise(dbxPath string) string {
	nfc := norm.NFC.String(dbxPath)

	return strings.ToLower(nfc)
}

// IsChild reports whether a is strictly nested inside directory b.
// Comparisons are performed on normalised forms; trailing separators are
// not significant.
func IsChild(a, b string) bool {
	na := trimSlash(Normalise(a))
	nb := trimSlash(Normalise(b))

	if nb == "" {
		// b is root: every non-root path is its child.
		return na != ""
	}

	return strings.HasPrefix(na, nb+"/")
}

// IsEqualOrChild reports whether a equals b or is a child of b, per
// IsChild's normalisation rules.
func IsEqualOrChild(a, b string) bool {
	if trimSlash(Normalise(a)) == trimSlash(Normalise(b)) {
		return true
	}

	return IsChild(a, b)
}

func trimSlash(p string) string {
	return strings.Trim(p, "/")
}

// Exister abstracts the two places a candidate conflict name must be
// checked against: the local filesystem and the index. CCName calls both
// until it finds a name collision-free in each.
type Exister interface {
	// Exists reports whether dbxPathLower already names an entry.
	Exists(dbxPathLower string) bool
}

// LocalExister checks local filesystem existence under a Mapper's root.
type LocalExister struct {
	Mapper *Mapper
}

// Exists implements Exister by stat-ing the local path for dbxPathLower.
func (l LocalExister) Exists(dbxPathLower string) bool {
	_, err := os.Lstat(l.Mapper.ToLocal(dbxPathLower))
	return err == nil
}

// CCName produces a conflict-copy name for p with the given reason, of the
// form "<stem> (<reason>).<ext>", collision-avoided by appending " 1",
// " 2", … until the candidate is absent from every given Exister. p is a
// Dropbox path (e.g. "/docs/report.docx"); the returned value is a full
// Dropbox path in the same directory.
func CCName(p, reason string, existers ...Exister) string {
	dir := path.Dir(p)
	if dir == "." {
		dir = "/"
	}

	stem, ext := stemExt(path.Base(p))

	candidate := path.Join(dir, fmt.Sprintf("%s (%s)%s", stem, reason, ext))
	if !anyExists(candidate, existers) {
		return candidate
	}

	for i := 1; i <= maxConflictSuffix; i++ {
		c := path.Join(dir, fmt.Sprintf("%s (%s) %d%s", stem, reason, i, ext))
		if !anyExists(c, existers) {
			return c
		}
	}

	// Fallback: exhausted the suffix space; return the base candidate and
	// let the caller's write operation fail loudly if it truly collides.
	return candidate
}

func anyExists(candidate string, existers []Exister) bool {
	lower := Normalise(candidate)

	for _, e := range existers {
		if e.Exists(lower) {
			return true
		}
	}

	return false
}

// stemExt splits a file base name into (stem, ext), treating dotfiles whose
// only dot is the leading one (e.g. ".bashrc") as having no extension, so
// the conflict suffix is appended to the whole name rather than spliced
// before the leading dot.
func stemExt(base string) (stem, ext string) {
	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return base, ""
	}

	ext = path.Ext(base)
	stem = strings.TrimSuffix(base, ext)

	return stem, ext
}
