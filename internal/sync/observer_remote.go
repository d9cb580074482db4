// RemoteChangeStream turns the remote client's list_folder/continue and
// long-poll primitives into complete pages of Metadata for the planner.
// The remote service returns full display/lower paths on every entry, so
// no parent-chain materialization is required here — only pagination and
// cursor-reset handling.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// maxObserverPages bounds a single listing/continue loop, guarding against
// a server bug that never sets has_more=false.
const maxObserverPages = 100000

// RemoteChangeStream accumulates list_folder/continue pages into a single
// batch and exposes the long-poll primitive used to wait for new changes.
type RemoteChangeStream struct {
	client RemoteClient
	logger *slog.Logger
}

// NewRemoteChangeStream creates a RemoteChangeStream over client.
func NewRemoteChangeStream(client RemoteClient, logger *slog.Logger) *RemoteChangeStream {
	return &RemoteChangeStream{client: client, logger: logger}
}

// FullListing performs an initial recursive list_folder call for remotePath
// (typically "" for the account root) and drains every continuation page.
// Returns the accumulated entries and the cursor to use for the next
// WaitForChanges/Continue cycle.
func (o *RemoteChangeStream) FullListing(ctx context.Context, remotePath string) ([]dropbox.Metadata, string, error) {
	o.logger.Info("remote observer starting full listing", "path", remotePath)

	result, err := o.client.ListFolder(ctx, remotePath, true)
	if err != nil {
		return nil, "", fmt.Errorf("sync: list_folder %s: %w", remotePath, err)
	}

	entries := append([]dropbox.Metadata(nil), result.Entries...)
	cursor := result.Cursor

	for page := 1; result.HasMore; page++ {
		if page >= maxObserverPages {
			return nil, "", fmt.Errorf("sync: exceeded maximum page count (%d) listing %s", maxObserverPages, remotePath)
		}

		result, err = o.client.ListFolderContinue(ctx, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("sync: list_folder/continue page %d: %w", page, err)
		}

		entries = append(entries, result.Entries...)
		cursor = result.Cursor
	}

	o.logger.Info("remote observer completed full listing", "entries", len(entries))

	return entries, cursor, nil
}

// Continue drains every page reachable from a saved cursor, returning the
// accumulated entries and the new cursor. Returns dropbox.ErrCursorReset
// unwrapped so the caller can trigger a fresh FullListing plus reindex
//.
func (o *RemoteChangeStream) Continue(ctx context.Context, cursor string) ([]dropbox.Metadata, string, error) {
	var entries []dropbox.Metadata

	for page := 0; ; page++ {
		if page >= maxObserverPages {
			return nil, "", fmt.Errorf("sync: exceeded maximum page count (%d) continuing cursor", maxObserverPages)
		}

		result, err := o.client.ListFolderContinue(ctx, cursor)
		if err != nil {
			if errors.Is(err, dropbox.ErrCursorReset) {
				return nil, "", dropbox.ErrCursorReset
			}

			return nil, "", fmt.Errorf("sync: list_folder/continue page %d: %w", page, err)
		}

		entries = append(entries, result.Entries...)
		cursor = result.Cursor

		if !result.HasMore {
			break
		}
	}

	return entries, cursor, nil
}

// WaitForChanges blocks until the remote cursor reports a change, the
// configured long-poll timeout elapses, or ctx is canceled. changed
// reports whether Continue should be called; backoff is a server-requested
// delay before the next poll (used when the server signals it is
// overloaded).
func (o *RemoteChangeStream) WaitForChanges(ctx context.Context, cursor string, timeout time.Duration) (bool, time.Duration, error) {
	return o.client.WaitForRemoteChanges(ctx, cursor, timeout)
}
