package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/dropbox-go/internal/dbxhash"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// ErrSyncRootDeleted is returned when the sync root directory has been
// deleted or become inaccessible while a watch was running (treated the
// same as a missing dropbox_path at startup: surface and stop).
var ErrSyncRootDeleted = errors.New("sync: sync root directory deleted or inaccessible")

const (
	safetyScanInterval  = 5 * time.Minute
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2

	// ignoreExpiry is how long a path stays suppressed after IgnorePath —
	// long enough to absorb the fsnotify events our own writer (downloader,
	// conflict-copy rename) produces for its own change.
	ignoreExpiry = 2 * time.Second

	// renameWindow bounds how long a Remove is held as a pending-delete
	// candidate waiting for a matching Create to pair into a Moved event.
	renameWindow = 2 * time.Second
)

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a fake implementation.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher to FsWatcher, since fsnotify
// exposes Events/Errors as fields rather than methods.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// pendingDelete is a Remove/Rename event held briefly to see whether a
// Create of the same item type arrives at another path, in which case the
// pair collapses into a single Moved event instead of Deleted+Created.
// Inodes are not compared.
type pendingDelete struct {
	dbxPath      string
	dbxPathLower string
	localPath    string
	itemType     ItemType
	size         int64
	at           time.Time
}

// LocalObserver implements the filesystem half of the up pipeline:
// an initial full scan compares the local tree against the index, and
// Watch streams live fsnotify events, normalised into SyncEvents and
// pushed to a Buffer for debounced consolidation.
type LocalObserver struct {
	mapper *pathmap.Mapper
	store  Store
	filter Filter
	logger *slog.Logger

	watcherFactory func() (FsWatcher, error)

	droppedEvents atomic.Int64

	ignoreMu gosync.Mutex
	ignored  map[string]time.Time

	renameMu       gosync.Mutex
	pendingDeletes map[uint64]pendingDelete

	// safetyScanInterval overrides the default for tests.
	safetyScanInterval time.Duration
	sleepFunc          func(ctx context.Context, d time.Duration) error
	safetyTickFunc     func(d time.Duration) (<-chan time.Time, func())
}

// NewLocalObserver creates a LocalObserver rooted at mapper's sync directory.
func NewLocalObserver(mapper *pathmap.Mapper, store Store, filter Filter, logger *slog.Logger) *LocalObserver {
	return &LocalObserver{
		mapper: mapper,
		store:  store,
		filter: filter,
		logger: logger,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
		ignored:        make(map[string]time.Time),
		pendingDeletes: make(map[uint64]pendingDelete),
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		safetyTickFunc: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// IgnorePath suppresses watch events for dbxPathLower for a short window,
// so a write the engine itself performed (a download, a conflict-copy
// rename) doesn't loop back as a spurious local change.
func (o *LocalObserver) IgnorePath(dbxPathLower string) {
	o.ignoreMu.Lock()
	defer o.ignoreMu.Unlock()

	o.ignored[dbxPathLower] = time.Now().Add(ignoreExpiry)
}

func (o *LocalObserver) isIgnored(dbxPathLower string) bool {
	o.ignoreMu.Lock()
	defer o.ignoreMu.Unlock()

	expiry, ok := o.ignored[dbxPathLower]
	if !ok {
		return false
	}

	if time.Now().After(expiry) {
		delete(o.ignored, dbxPathLower)
		return false
	}

	return true
}

// DroppedEvents returns the observer's dropped-event counter. Nothing
// increments it and Buffer.Add never drops an event (the buffer is
// unbounded), so it always returns 0; no rescan is triggered by queue
// pressure.
func (o *LocalObserver) DroppedEvents() int64 {
	return o.droppedEvents.Load()
}

// FullScan walks the sync root and diffs it against the given index
// snapshot, feeding the resulting SyncEvents into buf. Used both for
// initial indexing (empty index) and the periodic safety scan.
func (o *LocalObserver) FullScan(ctx context.Context, index map[string]*IndexEntry, buf *Buffer) error {
	root := o.mapper.Root()

	o.logger.Info("local observer starting full scan", "sync_root", root, "index_entries", len(index))

	observed := make(map[string]bool, len(index))
	scanStart := time.Now().UnixNano()

	var events []SyncEvent

	walkErr := filepath.WalkDir(root, func(fsPath string, d fs.DirEntry, err error) error {
		if err != nil {
			o.logger.Warn("walk error", "path", fsPath, "error", err)
			return skipEntry(d)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if fsPath == root {
			return nil
		}

		return o.scanEntry(fsPath, root, d, index, observed, &events, scanStart)
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("sync: local scan canceled: %w", ctx.Err())
		}

		return fmt.Errorf("sync: walking %s: %w", root, walkErr)
	}

	for lower, entry := range index {
		if observed[lower] {
			continue
		}

		events = append(events, SyncEvent{
			Direction:    DirectionUp,
			ItemType:     entry.ItemType,
			ChangeType:   ChangeRemoved,
			DbxPath:      entry.DbxPathCased,
			DbxPathLower: lower,
			LocalPath:    o.mapper.ToLocal(entry.DbxPathCased),
			ChangeTime:   NowNano(),
		})
	}

	buf.AddAll(events)

	o.logger.Info("local observer completed full scan", "events", len(events), "observed", len(observed))

	return nil
}

func (o *LocalObserver) scanEntry(
	fsPath, root string, d fs.DirEntry, index map[string]*IndexEntry, observed map[string]bool,
	events *[]SyncEvent, scanStart int64,
) error {
	if d.Type()&fs.ModeSymlink != 0 {
		o.logger.Debug("skipping symlink", "path", fsPath)
		return skipEntry(d)
	}

	rel, err := filepath.Rel(root, fsPath)
	if err != nil {
		return fmt.Errorf("sync: computing relative path for %s: %w", fsPath, err)
	}

	dbxPath := "/" + filepath.ToSlash(rel)
	lower := pathmap.Normalise(dbxPath)

	info, err := d.Info()
	if err != nil {
		o.logger.Warn("stat failed during scan, skipping", "path", dbxPath, "error", err)
		return nil
	}

	result := o.filter.ShouldSync(lower, d.IsDir(), info.Size())
	if !result.Included {
		if d.IsDir() {
			return filepath.SkipDir
		}

		return nil
	}

	observed[lower] = true

	ev := o.classifyScanned(dbxPath, lower, fsPath, d, info, index, scanStart)
	if ev != nil {
		*events = append(*events, *ev)
	}

	return nil
}

func (o *LocalObserver) classifyScanned(
	dbxPath, lower, fsPath string, d fs.DirEntry, info fs.FileInfo, index map[string]*IndexEntry, scanStart int64,
) *SyncEvent {
	entry, hasEntry := index[lower]

	if d.IsDir() {
		if hasEntry && entry.IsFolder() {
			return nil
		}

		return &SyncEvent{
			Direction: DirectionUp, ItemType: ItemTypeFolder, ChangeType: ChangeAdded,
			DbxPath: dbxPath, DbxPathLower: lower, LocalPath: fsPath, ChangeTime: NowNano(),
		}
	}

	if !hasEntry {
		hash, _ := o.hashFile(fsPath, info)

		return &SyncEvent{
			Direction: DirectionUp, ItemType: ItemTypeFile, ChangeType: ChangeAdded,
			DbxPath: dbxPath, DbxPathLower: lower, LocalPath: fsPath,
			ContentHash: hash, Size: info.Size(), ChangeTime: ToUnixNano(info.ModTime()),
		}
	}

	// Racily-clean guard (Git's problem of the same name): a file whose
	// mtime lands within one second of scan start must be rehashed even if
	// mtime looks unchanged, since it may have been written in the same
	// clock tick as the last recorded sync.
	mtime := ToUnixNano(info.ModTime())
	if mtime == entry.LastSync && scanStart-mtime >= int64(time.Second) {
		return nil
	}

	hash, err := o.hashFile(fsPath, info)
	if err != nil || hash == entry.ContentHash {
		return nil
	}

	return &SyncEvent{
		Direction: DirectionUp, ItemType: ItemTypeFile, ChangeType: ChangeModified,
		DbxPath: dbxPath, DbxPathLower: lower, LocalPath: fsPath,
		ContentHash: hash, Size: info.Size(), ChangeTime: mtime,
	}
}

// hashFile computes the content hash of a local file via the hash cache
// (keyed by inode, valid only while mtime still matches), falling back to
// a full read when the cache misses.
func (o *LocalObserver) hashFile(fsPath string, info fs.FileInfo) (string, error) {
	ino, ok := inodeOf(info)
	mtime := info.ModTime().UnixNano()

	if ok {
		if cached, err := o.store.GetHashCache(context.Background(), ino); err == nil && cached != nil {
			if cached.Mtime == mtime && cached.LocalPath == fsPath {
				return cached.HashStr, nil
			}
		}
	}

	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := dbxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sync: hashing %s: %w", fsPath, err)
	}

	hash := h.SumHex()

	if ok {
		_ = o.store.PutHashCache(context.Background(), &HashCacheEntry{
			Inode: ino, LocalPath: fsPath, Mtime: mtime, HashStr: hash,
		})
	}

	return hash, nil
}

// Watch monitors the local filesystem for changes and pushes normalised
// SyncEvents to buf until ctx is canceled. A periodic safety scan covers
// any events fsnotify misses.
func (o *LocalObserver) Watch(ctx context.Context, index map[string]*IndexEntry, buf *Buffer) error {
	root := o.mapper.Root()

	o.logger.Info("local observer starting watch", "sync_root", root)

	watcher, err := o.watcherFactory()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := o.addWatchesRecursive(watcher, root); err != nil {
		return fmt.Errorf("sync: adding initial watches: %w", err)
	}

	return o.watchLoop(ctx, watcher, index, buf)
}

func (o *LocalObserver) addWatchesRecursive(watcher FsWatcher, root string) error {
	return filepath.WalkDir(root, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			o.logger.Warn("walk error during watch setup", "path", fsPath, "error", walkErr)
			return skipEntry(d)
		}

		if !d.IsDir() {
			return nil
		}

		if addErr := watcher.Add(fsPath); addErr != nil {
			o.logger.Warn("failed to add watch", "path", fsPath, "error", addErr)
		}

		return nil
	})
}

// skipEntry returns filepath.SkipDir for directories (skip the subtree) or
// nil for files (continue the walk).
func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return filepath.SkipDir
	}

	return nil
}

// syncRootExists reports whether the sync root directory is still present.
func syncRootExists(root string) bool {
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}

// inodeOf extracts the inode number from a FileInfo's platform-specific
// Sys() value, for hash-cache keying. Returns ok=false on platforms whose
// Sys() does not expose *syscall.Stat_t.
func inodeOf(info fs.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}

	return uint64(st.Ino), true
}
