package sync

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// watchLoop is the main select loop for Watch: it drains fsnotify events,
// watcher errors, safety-scan ticks, and expired pending-rename entries
// until ctx is canceled.
func (o *LocalObserver) watchLoop(ctx context.Context, watcher FsWatcher, index map[string]*IndexEntry, buf *Buffer) error {
	interval := o.safetyScanInterval
	if interval == 0 {
		interval = safetyScanInterval
	}

	tickCh, tickStop := o.safetyTickFunc(interval)
	defer tickStop()

	renameTick := time.NewTicker(renameWindow)
	defer renameTick.Stop()

	errBackoff := watchErrInitBackoff
	root := o.mapper.Root()

	for {
		select {
		case <-ctx.Done():
			return nil

		case fsEvent, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			o.handleFsEvent(ctx, fsEvent, watcher, index, buf)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			o.logger.Warn("filesystem watcher error", "error", watchErr, "backoff", errBackoff)

			if sleepErr := o.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			if !syncRootExists(root) {
				o.logger.Error("sync root deleted, stopping watch", "sync_root", root)
				return ErrSyncRootDeleted
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-renameTick.C:
			o.flushExpiredRenames(buf)

		case <-tickCh:
			if !syncRootExists(root) {
				o.logger.Error("sync root deleted, stopping watch", "sync_root", root)
				return ErrSyncRootDeleted
			}

			o.runSafetyScan(ctx, index, buf)
			errBackoff = watchErrInitBackoff
		}
	}
}

// handleFsEvent normalises one fsnotify event into a SyncEvent pushed to
// buf, applying the rename-pairing and ignore-path suppression rules.
func (o *LocalObserver) handleFsEvent(ctx context.Context, fsEvent fsnotify.Event, watcher FsWatcher, index map[string]*IndexEntry, buf *Buffer) {
	if fsEvent.Has(fsnotify.Chmod) && !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
		return
	}

	root := o.mapper.Root()

	rel, err := filepath.Rel(root, fsEvent.Name)
	if err != nil {
		o.logger.Warn("failed to compute relative path", "path", fsEvent.Name, "error", err)
		return
	}

	dbxPath := "/" + filepath.ToSlash(rel)
	lower := pathmap.Normalise(dbxPath)

	if o.isIgnored(lower) {
		o.logger.Debug("watch: ignoring self-caused event", "path", lower)
		return
	}

	switch {
	case fsEvent.Has(fsnotify.Create):
		o.handleCreate(ctx, fsEvent.Name, dbxPath, lower, watcher, index, buf)

	case fsEvent.Has(fsnotify.Write):
		o.handleWrite(ctx, fsEvent.Name, dbxPath, lower, index, buf)

	case fsEvent.Has(fsnotify.Remove) || fsEvent.Has(fsnotify.Rename):
		o.handleRemove(watcher, root, dbxPath, lower, index)
	}
}

func (o *LocalObserver) handleCreate(ctx context.Context, fsPath, dbxPath, lower string, watcher FsWatcher, index map[string]*IndexEntry, buf *Buffer) {
	info, err := os.Stat(fsPath)
	if err != nil {
		o.logger.Debug("stat failed for created path", "path", lower, "error", err)
		return
	}

	result := o.filter.ShouldSync(lower, info.IsDir(), info.Size())
	if !result.Included {
		return
	}

	if info.IsDir() {
		if addErr := watcher.Add(fsPath); addErr != nil {
			o.logger.Warn("failed to add watch on new directory", "path", lower, "error", addErr)
		}

		if o.pairRename(ItemTypeFolder, dbxPath, lower, fsPath, 0, buf) {
			o.scanNewDirectory(ctx, fsPath, index, buf)
			return
		}

		buf.Add(SyncEvent{
			Direction: DirectionUp, ItemType: ItemTypeFolder, ChangeType: ChangeAdded,
			DbxPath: dbxPath, DbxPathLower: lower, LocalPath: fsPath, ChangeTime: NowNano(),
		})

		o.scanNewDirectory(ctx, fsPath, index, buf)

		return
	}

	hash, hashErr := o.hashFile(fsPath, info)
	if hashErr != nil {
		o.logger.Warn("hash failed for new file, emitting event with empty hash", "path", lower, "error", hashErr)
	}

	if o.pairRename(ItemTypeFile, dbxPath, lower, fsPath, info.Size(), buf) {
		return
	}

	buf.Add(SyncEvent{
		Direction: DirectionUp, ItemType: ItemTypeFile, ChangeType: ChangeAdded,
		DbxPath: dbxPath, DbxPathLower: lower, LocalPath: fsPath,
		ContentHash: hash, Size: info.Size(), ChangeTime: ToUnixNano(info.ModTime()),
	})
}

// scanNewDirectory walks a newly created directory for files that landed
// before the watch was registered; fsnotify duplicates are harmless since
// the buffer deduplicates per path.
func (o *LocalObserver) scanNewDirectory(ctx context.Context, dirPath string, index map[string]*IndexEntry, buf *Buffer) {
	root := o.mapper.Root()

	_ = filepath.WalkDir(dirPath, func(fsPath string, d os.DirEntry, err error) error {
		if err != nil || fsPath == dirPath {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(root, fsPath)
		if relErr != nil {
			return nil
		}

		dbxPath := "/" + filepath.ToSlash(rel)
		lower := pathmap.Normalise(dbxPath)

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		result := o.filter.ShouldSync(lower, d.IsDir(), info.Size())
		if !result.Included {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if _, hasEntry := index[lower]; hasEntry {
			return nil
		}

		itemType := ItemTypeFile

		var hash string

		if d.IsDir() {
			itemType = ItemTypeFolder
		} else {
			hash, _ = o.hashFile(fsPath, info)
		}

		buf.Add(SyncEvent{
			Direction: DirectionUp, ItemType: itemType, ChangeType: ChangeAdded,
			DbxPath: dbxPath, DbxPathLower: lower, LocalPath: fsPath,
			ContentHash: hash, Size: info.Size(), ChangeTime: ToUnixNano(info.ModTime()),
		})

		return nil
	})
}

func (o *LocalObserver) handleWrite(ctx context.Context, fsPath, dbxPath, lower string, index map[string]*IndexEntry, buf *Buffer) {
	info, err := os.Stat(fsPath)
	if err != nil {
		o.logger.Debug("stat failed for modified path", "path", lower, "error", err)
		return
	}

	if info.IsDir() {
		return
	}

	result := o.filter.ShouldSync(lower, false, info.Size())
	if !result.Included {
		return
	}

	hash, err := o.hashFile(fsPath, info)
	if err != nil {
		o.logger.Warn("hash failed for modified file, emitting event with empty hash", "path", lower, "error", err)
	} else if entry, ok := index[lower]; ok && entry.ContentHash == hash {
		return
	}

	buf.Add(SyncEvent{
		Direction: DirectionUp, ItemType: ItemTypeFile, ChangeType: ChangeModified,
		DbxPath: dbxPath, DbxPathLower: lower, LocalPath: fsPath,
		ContentHash: hash, Size: info.Size(), ChangeTime: ToUnixNano(info.ModTime()),
	})
}

// handleRemove processes a Remove/Rename fsnotify event. The delete is held
// briefly as a pending-rename candidate (keyed by pendingDeleteKey, a hash
// of the path) so that a Create of the same item type at another path
// collapses into a Moved event instead of Deleted+Created. No inode is
// compared.
func (o *LocalObserver) handleRemove(watcher FsWatcher, root, dbxPath, lower string, index map[string]*IndexEntry) {
	itemType := ItemTypeFile
	if entry, ok := index[lower]; ok {
		itemType = entry.ItemType
	}

	if itemType == ItemTypeFolder {
		absPath := filepath.Join(root, filepath.FromSlash(lower))
		if rmErr := watcher.Remove(absPath); rmErr != nil {
			o.logger.Debug("watch removal for deleted directory", "path", lower, "error", rmErr)
		}
	}

	o.renameMu.Lock()
	o.pendingDeletes[pendingDeleteKey(lower)] = pendingDelete{
		dbxPath: dbxPath, dbxPathLower: lower, localPath: filepath.Join(root, filepath.FromSlash(lower)),
		itemType: itemType, at: time.Now(),
	}
	o.renameMu.Unlock()
}

// pendingDeleteKey hashes a path to a pseudo-inode key for the pending
// rename map. A real inode is unavailable once the path has been removed,
// so correlation degrades to "wait out renameWindow, then emit the delete"
// when no matching create arrives for this path's slot.
func pendingDeleteKey(lower string) uint64 {
	var h uint64 = 14695981039346656037

	for i := 0; i < len(lower); i++ {
		h ^= uint64(lower[i])
		h *= 1099511628211
	}

	return h
}

// pairRename checks whether a just-created path matches an outstanding
// pending delete of the same item type within renameWindow, and if so
// emits a single Moved event instead. Returns true if a pairing occurred.
func (o *LocalObserver) pairRename(itemType ItemType, toPath, toLower, toLocal string, size int64, buf *Buffer) bool {
	o.renameMu.Lock()
	defer o.renameMu.Unlock()

	now := time.Now()

	for key, pd := range o.pendingDeletes {
		if pd.itemType != itemType {
			continue
		}

		if now.Sub(pd.at) > renameWindow {
			delete(o.pendingDeletes, key)
			continue
		}

		if pd.dbxPathLower == toLower {
			continue
		}

		delete(o.pendingDeletes, key)

		buf.Add(SyncEvent{
			Direction: DirectionUp, ItemType: itemType, ChangeType: ChangeMoved,
			DbxPath: toPath, DbxPathLower: toLower, LocalPath: toLocal,
			DbxPathFrom: pd.dbxPath, DbxPathFromLower: pd.dbxPathLower, LocalPathFrom: pd.localPath,
			Size: size, ChangeTime: NowNano(),
		})

		return true
	}

	return false
}

// flushExpiredRenames emits a Deleted event for any pending delete that
// timed out without a matching create.
func (o *LocalObserver) flushExpiredRenames(buf *Buffer) {
	o.renameMu.Lock()
	defer o.renameMu.Unlock()

	now := time.Now()

	for key, pd := range o.pendingDeletes {
		if now.Sub(pd.at) <= renameWindow {
			continue
		}

		delete(o.pendingDeletes, key)

		buf.Add(SyncEvent{
			Direction: DirectionUp, ItemType: pd.itemType, ChangeType: ChangeRemoved,
			DbxPath: pd.dbxPath, DbxPathLower: pd.dbxPathLower, LocalPath: pd.localPath,
			ChangeTime: NowNano(),
		})
	}
}

// runSafetyScan performs a full filesystem scan as a safety net, catching
// events fsnotify may have missed (watch gaps, platform edge cases).
func (o *LocalObserver) runSafetyScan(ctx context.Context, index map[string]*IndexEntry, buf *Buffer) {
	o.logger.Debug("running safety scan")

	if err := o.FullScan(ctx, index, buf); err != nil {
		o.logger.Warn("safety scan failed", "error", err)
	}
}
