package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/dropbox-go/internal/dbxhash"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// partialSuffix is appended to a download's temporary path until the content
// hash has been verified and the file is atomically renamed into place.
const partialSuffix = ".dropbox-go-partial"

// executeDownload pulls a remote file to disk: write to a temporary sibling,
// verify the content hash, then atomically rename over the final path. The
// remote client used here performs single-shot transfers only (no resumable
// download sessions), so a failed attempt simply discards the partial file;
// the action is retried from scratch on the next pass rather than resumed
// from a byte offset.
func (e *Executor) executeDownload(ctx context.Context, action Action) Outcome {
	if err := os.MkdirAll(filepath.Dir(action.LocalPath), 0o755); err != nil { //nolint:mnd
		return e.failed(action, ErrKindInsufficientPermissions, fmt.Errorf("creating parent dir for %s: %w", action.LocalPath, err))
	}

	partialPath := action.LocalPath + partialSuffix

	md, localHash, err := e.downloadOnce(ctx, action, partialPath)
	if err != nil {
		_ = os.Remove(partialPath)
		return e.failed(action, classifyTransferError(err), fmt.Errorf("downloading %s: %w", action.DbxPath, err))
	}

	if !e.safety.DisableDownloadValidation && md.ContentHash != "" && localHash != md.ContentHash {
		_ = os.Remove(partialPath)
		return e.failed(action, ErrKindDataCorruption, fmt.Errorf("downloaded content hash mismatch for %s", action.DbxPath))
	}

	if chErr := os.Chtimes(partialPath, time.Now(), md.ClientModified); chErr != nil {
		e.logger.Debug("failed to set mtime on downloaded file", "path", action.LocalPath, "error", chErr)
	}

	e.ignoreLocal(action.DbxPathLower)

	if renErr := os.Rename(partialPath, action.LocalPath); renErr != nil {
		_ = os.Remove(partialPath)
		return e.failed(action, ErrKindPath, fmt.Errorf("finalizing download of %s: %w", action.DbxPath, renErr))
	}

	return Outcome{
		Action:  action,
		Success: true,
		Entry: &IndexEntry{
			DbxPathLower:  pathmap.Normalise(md.PathLower),
			DbxPathCased:  md.PathDisplay,
			DbxID:         md.ID,
			ItemType:      ItemTypeFile,
			Rev:           md.Rev,
			ContentHash:   md.ContentHash,
			SymlinkTarget: md.SymlinkTarget,
			LastSync:      ToUnixNano(md.ClientModified),
			UpdatedAt:     NowNano(),
		},
	}
}

func (e *Executor) downloadOnce(ctx context.Context, action Action, partialPath string) (*dropbox.FileMetadata, string, error) {
	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:mnd
	if err != nil {
		return nil, "", fmt.Errorf("creating partial file %s: %w", partialPath, err)
	}
	defer f.Close()

	hasher := dbxhash.New()
	tee := &hashingWriter{w: f, h: hasher}

	md, err := e.client.Download(ctx, action.DbxPath, tee)
	if err != nil {
		return nil, "", err
	}

	return md, hasher.SumHex(), nil
}

// hashingWriter tees every Write through to a content hasher while also
// writing to the underlying destination, so download verification requires
// no second pass over the file.
type hashingWriter struct {
	w *os.File
	h *dbxhash.Hasher
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
	}

	return n, err
}

// executeUpload pushes a local file to the remote service. Files larger
// than the client's configured chunk size are split into an upload session
// by the client itself; this call site doesn't need to know which
// path was taken.
//
// Collisions with concurrent remote writes surface here in one of two
// ways, both resolved as conflict copies rather than persisted errors:
// an update-mode call whose rev has advanced is rejected with a conflict
// tag, and an add-mode call whose path sprang into existence is
// autorenamed by the server.
func (e *Executor) executeUpload(ctx context.Context, action Action) Outcome {
	f, err := os.Open(action.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Outcome{Action: action, Success: true, Deleted: true}
		}

		return e.failed(action, ErrKindPath, fmt.Errorf("opening %s for upload: %w", action.LocalPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return e.failed(action, ErrKindPath, fmt.Errorf("stat %s: %w", action.LocalPath, err))
	}

	mode := dropbox.WriteAdd

	switch action.WriteMode {
	case WriteUpdate:
		mode = dropbox.WriteUpdate
	case WriteOverwrite:
		mode = dropbox.WriteOverwrite
	case WriteAdd:
	}

	md, err := e.client.Upload(ctx, f, info.Size(), action.DbxPath, mode, action.ExpectRev, info.ModTime())
	if err != nil {
		if action.WriteMode == WriteUpdate && errors.Is(err, dropbox.ErrConflict) {
			// The rev advanced under us: someone else wrote the remote copy
			// since the last sync. Preserve the local edit under a
			// conflict-copy name; the winning remote version lands back at
			// the original path on the next down pass.
			return e.executeConflictCopy(ctx, Action{
				Type:           ActionConflictCopy,
				Direction:      DirectionUp,
				DbxPath:        action.DbxPath,
				DbxPathLower:   action.DbxPathLower,
				LocalPath:      action.LocalPath,
				ItemType:       ItemTypeFile,
				ConflictReason: ConflictReasonContent,
			})
		}

		return e.failed(action, classifyTransferError(err), fmt.Errorf("uploading %s: %w", action.DbxPath, err))
	}

	if pathmap.Normalise(md.PathLower) != action.DbxPathLower {
		return e.uploadAutorenamed(action, md, info.ModTime())
	}

	return Outcome{Action: action, Success: true, Entry: uploadedEntry(md, info.ModTime())}
}

// uploadAutorenamed handles an add-mode upload the server renamed because
// the requested path already existed remotely. The local file follows the
// server's chosen name so both sides agree on where the preserved data
// lives, and the rename is recorded as a conflict copy; the item that won
// the original path arrives via the down pipeline.
func (e *Executor) uploadAutorenamed(action Action, md *dropbox.FileMetadata, modTime time.Time) Outcome {
	renamedLower := pathmap.Normalise(md.PathLower)

	e.ignoreLocal(action.DbxPathLower)
	e.ignoreLocal(renamedLower)

	renamedLocal := e.mapper.ToLocal(md.PathDisplay)
	if err := os.Rename(action.LocalPath, renamedLocal); err != nil && !errors.Is(err, os.ErrNotExist) {
		return e.failed(action, ErrKindPath,
			fmt.Errorf("moving %s to server-renamed %s: %w", action.LocalPath, md.PathDisplay, err))
	}

	e.logger.Info("upload collided, server renamed",
		"path", action.DbxPathLower, "conflict_copy", md.PathDisplay)

	return Outcome{
		Action:  action,
		Success: true,
		Entry:   uploadedEntry(md, modTime),
		ConflictRecord: &ConflictRecord{
			DbxPathLower: action.DbxPathLower,
			DbxPath:      action.DbxPath,
			ConflictPath: md.PathDisplay,
			Reason:       ConflictReasonContent,
			DetectedAt:   NowNano(),
			Resolution:   ConflictUnresolved,
		},
	}
}

// uploadedEntry builds the IndexEntry an upload's returned metadata
// commits.
func uploadedEntry(md *dropbox.FileMetadata, modTime time.Time) *IndexEntry {
	return &IndexEntry{
		DbxPathLower:  pathmap.Normalise(md.PathLower),
		DbxPathCased:  md.PathDisplay,
		DbxID:         md.ID,
		ItemType:      ItemTypeFile,
		Rev:           md.Rev,
		ContentHash:   md.ContentHash,
		SymlinkTarget: md.SymlinkTarget,
		LastSync:      ToUnixNano(modTime),
		UpdatedAt:     NowNano(),
	}
}

// classifyTransferError maps a transport-layer error to a SyncErrorKind for
// persistence. Unrecognised errors fall back to ErrKindPath.
func classifyTransferError(err error) SyncErrorKind {
	switch {
	case errors.Is(err, dropbox.ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, dropbox.ErrForbidden):
		return ErrKindInsufficientPermissions
	case errors.Is(err, dropbox.ErrConflict):
		return ErrKindConflict
	case errors.Is(err, dropbox.ErrTooManyFiles):
		return ErrKindUnsupportedFile
	default:
		return ErrKindPath
	}
}
