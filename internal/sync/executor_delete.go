package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tonimelisma/dropbox-go/internal/dbxhash"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// executeDelete dispatches to a local or remote delete depending on the
// action's direction: an up-direction delete means the local item is already
// gone and the remote copy must follow; a down-direction delete means the
// remote item is gone and the local copy must follow.
func (e *Executor) executeDelete(ctx context.Context, action Action) Outcome {
	if action.Direction == DirectionUp {
		return e.executeRemoteDelete(ctx, action)
	}

	return e.executeLocalDelete(ctx, action)
}

// executeLocalDelete removes a local file or folder. Folders must be empty;
// a non-empty folder means something landed inside it after the delete was
// planned, and is reported rather than silently recursed away. A file's
// content hash is checked against the index entry first: a mismatch means
// the file changed locally since the last sync, so it is preserved as a
// conflict copy instead of being discarded.
func (e *Executor) executeLocalDelete(ctx context.Context, action Action) Outcome {
	info, err := os.Lstat(action.LocalPath)
	if errors.Is(err, os.ErrNotExist) {
		return Outcome{Action: action, Success: true, Deleted: true}
	}

	if err != nil {
		return e.failed(action, ErrKindPath, fmt.Errorf("stat %s: %w", action.LocalPath, err))
	}

	if info.IsDir() {
		return e.deleteLocalFolder(action)
	}

	return e.deleteLocalFile(ctx, action)
}

func (e *Executor) deleteLocalFolder(action Action) Outcome {
	entries, err := os.ReadDir(action.LocalPath)
	if err != nil {
		return e.failed(action, ErrKindPath, fmt.Errorf("reading dir %s: %w", action.LocalPath, err))
	}

	if len(entries) > 0 {
		return e.failed(action, ErrKindFolderConflict, fmt.Errorf("directory %s is not empty (%d entries)", action.LocalPath, len(entries)))
	}

	e.ignoreLocal(action.DbxPathLower)

	if err := os.Remove(action.LocalPath); err != nil {
		return e.failed(action, ErrKindPath, fmt.Errorf("removing dir %s: %w", action.LocalPath, err))
	}

	return Outcome{Action: action, Success: true, Deleted: true}
}

func (e *Executor) deleteLocalFile(ctx context.Context, action Action) Outcome {
	entry, err := e.store.Get(ctx, action.DbxPathLower)
	if err == nil && entry != nil && entry.ContentHash != "" {
		currentHash, hashErr := e.hashLocalFile(action.LocalPath)
		if hashErr != nil {
			return e.failed(action, ErrKindPath, fmt.Errorf("hashing %s before delete: %w", action.LocalPath, hashErr))
		}

		if currentHash != entry.ContentHash {
			mapper := pathmap.LocalExister{Mapper: e.mapper}
			conflictPath := pathmap.CCName(action.DbxPath, pathmap.ReasonConflictingCopy, mapper)

			e.ignoreLocal(action.DbxPathLower)
			e.ignoreLocal(pathmap.Normalise(conflictPath))

			if renErr := os.Rename(action.LocalPath, e.mapper.ToLocal(conflictPath)); renErr != nil {
				return e.failed(action, ErrKindPath, fmt.Errorf("saving modified file as conflict copy %s: %w", conflictPath, renErr))
			}

			e.logger.Warn("local delete skipped: content changed since last sync, kept as conflict copy",
				"path", action.DbxPathLower, "conflict_copy", conflictPath)

			return Outcome{
				Action:  action,
				Success: true,
				Deleted: true,
				ConflictRecord: &ConflictRecord{
					DbxPathLower: action.DbxPathLower,
					DbxPath:      action.DbxPath,
					ConflictPath: conflictPath,
					Reason:       ConflictReasonContent,
					DetectedAt:   NowNano(),
					Resolution:   ConflictUnresolved,
				},
			}
		}
	}

	e.ignoreLocal(action.DbxPathLower)

	if err := os.Remove(action.LocalPath); err != nil {
		return e.failed(action, ErrKindPath, fmt.Errorf("removing %s: %w", action.LocalPath, err))
	}

	return Outcome{Action: action, Success: true, Deleted: true}
}

func (e *Executor) hashLocalFile(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := dbxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return h.SumHex(), nil
}

// executeRemoteDelete removes an item from the remote service. A not-found
// response is treated as success: the item is already gone, which is the
// desired end state.
func (e *Executor) executeRemoteDelete(ctx context.Context, action Action) Outcome {
	_, err := e.client.Delete(ctx, action.DbxPath)
	if err != nil {
		if errors.Is(err, dropbox.ErrNotFound) {
			return Outcome{Action: action, Success: true, Deleted: true}
		}

		return e.failed(action, classifyTransferError(err), fmt.Errorf("deleting remote %s: %w", action.DbxPath, err))
	}

	return Outcome{Action: action, Success: true, Deleted: true}
}
