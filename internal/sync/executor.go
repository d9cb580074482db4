// Executor applies a single planned Action against the local filesystem or
// the remote client, returning an Outcome the engine commits to the index.
// Executors are stateless beyond their dependencies and safe to run
// concurrently across distinct paths (the worker pool serialises by
// dbx_path_lower prefix so no two in-flight actions touch the same
// subtree).
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// Executor turns one Action into an Outcome.
type Executor struct {
	client   RemoteClient
	store    Store
	mapper   *pathmap.Mapper
	observer *LocalObserver // may be nil in tests; used to suppress watcher echo
	safety   config.SafetyConfig
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(client RemoteClient, store Store, mapper *pathmap.Mapper, observer *LocalObserver, safety config.SafetyConfig, logger *slog.Logger) *Executor {
	return &Executor{
		client:   client,
		store:    store,
		mapper:   mapper,
		observer: observer,
		safety:   safety,
		logger:   logger,
	}
}

// Execute dispatches action to the handler matching its type and direction.
func (e *Executor) Execute(ctx context.Context, action Action) Outcome {
	switch action.Type {
	case ActionUpload:
		return e.executeUpload(ctx, action)
	case ActionDownload:
		return e.executeDownload(ctx, action)
	case ActionCreateFolder:
		return e.executeCreateFolder(ctx, action)
	case ActionMove:
		return e.executeMove(ctx, action)
	case ActionDelete:
		return e.executeDelete(ctx, action)
	case ActionConflictCopy:
		return e.executeConflictCopy(ctx, action)
	case ActionIndexOnly:
		return e.executeIndexOnly(ctx, action)
	case ActionCleanup:
		return e.executeCleanup(action)
	default:
		return e.failed(action, ErrKindPath, fmt.Errorf("sync: unknown action type %d", action.Type))
	}
}

// failed builds a recoverable-failure Outcome: the action did not succeed,
// but the error is classified and persisted as a SyncErrorEntry rather than
// aborting the whole pipeline pass.
func (e *Executor) failed(action Action, kind SyncErrorKind, err error) Outcome {
	e.logger.Warn("action failed", "path", action.DbxPathLower, "type", action.Type, "error", err)

	return Outcome{
		Action:  action,
		Success: false,
		SyncError: &SyncErrorEntry{
			DbxPathLower: action.DbxPathLower,
			DbxPath:      action.DbxPath,
			Direction:    action.Direction,
			Kind:         kind,
			Title:        err.Error(),
			Message:      err.Error(),
			DetectedAt:   NowNano(),
		},
	}
}

// ignoreLocal suppresses the watcher for a path this executor is about to
// write locally, so the write doesn't loop back as a spurious up-direction
// event.
func (e *Executor) ignoreLocal(dbxPathLower string) {
	if e.observer != nil {
		e.observer.IgnorePath(dbxPathLower)
	}
}

// executeIndexOnly applies no transfer; it refreshes the existing
// IndexEntry's rev, cased path and hash in place, preserving fields the
// action does not carry (remote ID, symlink target).
func (e *Executor) executeIndexOnly(ctx context.Context, action Action) Outcome {
	entry, err := e.store.Get(ctx, action.DbxPathLower)
	if err != nil || entry == nil {
		entry = &IndexEntry{
			DbxPathLower: action.DbxPathLower,
			ItemType:     action.ItemType,
			CreatedAt:    NowNano(),
		}
	}

	entry.DbxPathCased = action.DbxPath

	if action.ExpectRev != "" {
		entry.Rev = action.ExpectRev
	}

	if action.ContentHash != "" {
		entry.ContentHash = action.ContentHash
	}

	entry.LastSync = NowNano()
	entry.UpdatedAt = NowNano()

	return Outcome{Action: action, Success: true, Entry: entry}
}

// executeCleanup removes a stale index row with no corresponding local or
// remote write.
func (e *Executor) executeCleanup(action Action) Outcome {
	return Outcome{Action: action, Success: true, Deleted: true}
}

// executeCreateFolder creates a folder either locally or remotely depending
// on action.Direction.
func (e *Executor) executeCreateFolder(ctx context.Context, action Action) Outcome {
	if action.Direction == DirectionUp {
		folder, err := e.client.CreateFolder(ctx, action.DbxPath)
		if err != nil {
			return e.failed(action, ErrKindPath, fmt.Errorf("creating remote folder %s: %w", action.DbxPath, err))
		}

		return Outcome{
			Action:  action,
			Success: true,
			Entry: &IndexEntry{
				DbxPathLower: pathmap.Normalise(folder.PathLower),
				DbxPathCased: folder.PathDisplay,
				DbxID:        folder.ID,
				ItemType:     ItemTypeFolder,
				Rev:          "folder",
				ContentHash:  "folder",
				LastSync:     NowNano(),
				UpdatedAt:    NowNano(),
			},
		}
	}

	e.ignoreLocal(action.DbxPathLower)

	if err := os.MkdirAll(action.LocalPath, 0o755); err != nil { //nolint:mnd
		return e.failed(action, ErrKindInsufficientPermissions, fmt.Errorf("creating local folder %s: %w", action.LocalPath, err))
	}

	return Outcome{
		Action:  action,
		Success: true,
		Entry: &IndexEntry{
			DbxPathLower: action.DbxPathLower,
			DbxPathCased: action.DbxPath,
			ItemType:     ItemTypeFolder,
			Rev:          "folder",
			ContentHash:  "folder",
			LastSync:     NowNano(),
			UpdatedAt:    NowNano(),
		},
	}
}

// executeMove renames an item, locally or remotely.
func (e *Executor) executeMove(ctx context.Context, action Action) Outcome {
	if action.Direction == DirectionUp {
		md, err := e.client.Move(ctx, action.DbxPath, action.DbxPathTo, true)
		if err != nil {
			return e.failed(action, ErrKindPath, fmt.Errorf("moving %s to %s: %w", action.DbxPath, action.DbxPathTo, err))
		}

		lower, display, id := describeMetadata(md)

		return Outcome{
			Action:  action,
			Success: true,
			Entry: &IndexEntry{
				DbxPathLower: lower,
				DbxPathCased: display,
				DbxID:        id,
				ItemType:     action.ItemType,
				LastSync:     NowNano(),
				UpdatedAt:    NowNano(),
			},
		}
	}

	e.ignoreLocal(action.DbxPathLower)
	e.ignoreLocal(action.DbxPathToLower)

	if err := os.MkdirAll(filepath.Dir(action.LocalPathTo), 0o755); err != nil { //nolint:mnd
		return e.failed(action, ErrKindInsufficientPermissions, fmt.Errorf("creating parent dir for %s: %w", action.LocalPathTo, err))
	}

	if err := os.Rename(action.LocalPath, action.LocalPathTo); err != nil {
		return e.failed(action, ErrKindPath, fmt.Errorf("moving %s to %s: %w", action.LocalPath, action.LocalPathTo, err))
	}

	return Outcome{
		Action:  action,
		Success: true,
		Entry: &IndexEntry{
			DbxPathLower: action.DbxPathToLower,
			DbxPathCased: action.DbxPathTo,
			ItemType:     action.ItemType,
			LastSync:     NowNano(),
			UpdatedAt:    NowNano(),
		},
	}
}

// describeMetadata extracts (pathLower, pathDisplay, id) from whichever
// concrete Metadata type a move/delete call returned. Metadata's own methods
// are unexported (package-private to dropbox), so callers outside that
// package must type-switch on the concrete types instead.
func describeMetadata(md dropbox.Metadata) (lower, display, id string) {
	switch m := md.(type) {
	case *dropbox.FileMetadata:
		return m.PathLower, m.PathDisplay, m.ID
	case *dropbox.FolderMetadata:
		return m.PathLower, m.PathDisplay, m.ID
	case *dropbox.DeletedMetadata:
		return m.PathLower, m.PathDisplay, ""
	default:
		return "", "", ""
	}
}
