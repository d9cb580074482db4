package sync

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// executeConflictCopy renames the local item at action.DbxPath to a
// conflict-copy name using the reason recorded by whichever
// detection path produced the action — concurrent edits on both sides,
// a selective-sync exclusion, or a case-only collision. The action that
// should run against the now-vacated original path (a download, typically)
// is carried in action.ConflictOf and is the caller's responsibility to
// enqueue once this rename succeeds.
//
// A content or case conflict copy is itself uploaded as a new file once
// renamed, since the data it preserves has no other home on the remote. A
// selective-sync conflict copy stays local only: it lives under an excluded
// subtree by definition, so nothing should push it up.
func (e *Executor) executeConflictCopy(ctx context.Context, action Action) Outcome {
	reason := action.ConflictReason
	if reason == "" {
		reason = ConflictReasonContent
	}

	existers := []pathmap.Exister{pathmap.LocalExister{Mapper: e.mapper}, storeExister{store: e.store}}
	conflictPath := pathmap.CCName(action.DbxPath, string(reason), existers...)
	conflictLocal := e.mapper.ToLocal(conflictPath)

	e.ignoreLocal(action.DbxPathLower)
	e.ignoreLocal(pathmap.Normalise(conflictPath))

	if err := os.Rename(action.LocalPath, conflictLocal); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The local item is already gone — nothing to preserve, treat as
			// a no-op success so the caller can still proceed to its follow-up
			// action.
			return Outcome{Action: action, Success: true}
		}

		return e.failed(action, ErrKindPath, fmt.Errorf("renaming %s to conflict copy %s: %w", action.LocalPath, conflictPath, err))
	}

	e.logger.Info("saved conflict copy", "path", action.DbxPathLower, "conflict_copy", conflictPath, "reason", reason)

	var entry *IndexEntry

	if reason != ConflictReasonSelectiveSync && action.ItemType == ItemTypeFile {
		var err error

		entry, err = e.uploadConflictCopy(ctx, conflictPath, conflictLocal)
		if err != nil {
			e.logger.Warn("failed to upload conflict copy", "path", conflictPath, "error", err)
		}
	}

	return Outcome{
		Action:  action,
		Success: true,
		Entry:   entry,
		ConflictRecord: &ConflictRecord{
			DbxPathLower: action.DbxPathLower,
			DbxPath:      action.DbxPath,
			ConflictPath: conflictPath,
			Reason:       reason,
			DetectedAt:   NowNano(),
			Resolution:   ConflictUnresolved,
		},
	}
}

// uploadConflictCopy pushes the renamed conflict-copy file to the remote as
// a brand new item, so the data it preserves survives there too. A missing
// file (removed again between rename and upload) is not an error.
func (e *Executor) uploadConflictCopy(ctx context.Context, dbxPath, localPath string) (*IndexEntry, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening conflict copy %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat conflict copy %s: %w", localPath, err)
	}

	md, err := e.client.Upload(ctx, f, info.Size(), dbxPath, dropbox.WriteAdd, "", info.ModTime())
	if err != nil {
		return nil, fmt.Errorf("uploading conflict copy %s: %w", dbxPath, err)
	}

	return &IndexEntry{
		DbxPathLower:  pathmap.Normalise(md.PathLower),
		DbxPathCased:  md.PathDisplay,
		DbxID:         md.ID,
		ItemType:      ItemTypeFile,
		Rev:           md.Rev,
		ContentHash:   md.ContentHash,
		SymlinkTarget: md.SymlinkTarget,
		LastSync:      ToUnixNano(info.ModTime()),
		UpdatedAt:     NowNano(),
	}, nil
}

// storeExister checks index existence, used alongside LocalExister so a
// conflict-copy name can't collide with a path the index already tracks
// even if it doesn't (yet) exist on disk — e.g. a pending download target.
type storeExister struct {
	store Store
}

func (s storeExister) Exists(dbxPathLower string) bool {
	entry, err := s.store.Get(context.Background(), dbxPathLower)
	return err == nil && entry != nil
}
