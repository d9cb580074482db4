package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// fakeFsWatcher is a hand-written FsWatcher stand-in recording every
// Add/Remove call, since the real fsnotify.Watcher requires a live kernel
// inotify instance.
type fakeFsWatcher struct {
	added   []string
	removed []string
	events  chan fsnotify.Event
	errs    chan error
	closed  bool
}

func newFakeFsWatcher() *fakeFsWatcher {
	return &fakeFsWatcher{
		events: make(chan fsnotify.Event, 16),
		errs:   make(chan error, 16),
	}
}

func (f *fakeFsWatcher) Add(name string) error {
	f.added = append(f.added, name)
	return nil
}

func (f *fakeFsWatcher) Remove(name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeFsWatcher) Close() error {
	f.closed = true
	return nil
}

func (f *fakeFsWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeFsWatcher) Errors() <-chan error           { return f.errs }

var _ FsWatcher = (*fakeFsWatcher)(nil)

func newHandlersTestObserver(t *testing.T, dir string) (*LocalObserver, Store) {
	t.Helper()

	store := newTestStore(t)

	filter, err := NewFilterEngine(&config.FilterConfig{}, dir, store, testLogger(t))
	if err != nil {
		t.Fatalf("NewFilterEngine: %v", err)
	}

	return NewLocalObserver(pathmap.New(dir), store, filter, testLogger(t)), store
}

func TestHandleFsEvent_CreateFileEmitsAdded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	path := writeTestFile(t, dir, "new.txt", "content")
	watcher := newFakeFsWatcher()
	buf := NewBuffer(testLogger(t))

	o.handleFsEvent(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Create}, watcher, map[string]*IndexEntry{}, buf)

	flushed := buf.FlushImmediate()
	if len(flushed) != 1 || flushed[0].ChangeType != ChangeAdded {
		t.Fatalf("expected 1 Added event, got %+v", flushed)
	}
}

func TestHandleFsEvent_CreateDirectoryAddsWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	subdir := filepath.Join(dir, "newdir")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	watcher := newFakeFsWatcher()
	buf := NewBuffer(testLogger(t))

	o.handleFsEvent(context.Background(), fsnotify.Event{Name: subdir, Op: fsnotify.Create}, watcher, map[string]*IndexEntry{}, buf)

	if len(watcher.added) != 1 || watcher.added[0] != subdir {
		t.Errorf("expected watch added for new directory, got %+v", watcher.added)
	}

	flushed := buf.FlushImmediate()
	if len(flushed) != 1 || flushed[0].ItemType != ItemTypeFolder {
		t.Fatalf("expected 1 folder Added event, got %+v", flushed)
	}
}

func TestHandleFsEvent_WriteEmitsModifiedWhenHashChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	path := writeTestFile(t, dir, "f.txt", "version1")

	index := map[string]*IndexEntry{
		"/f.txt": {DbxPathLower: "/f.txt", ItemType: ItemTypeFile, ContentHash: "not-matching"},
	}

	watcher := newFakeFsWatcher()
	buf := NewBuffer(testLogger(t))

	o.handleFsEvent(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Write}, watcher, index, buf)

	flushed := buf.FlushImmediate()
	if len(flushed) != 1 || flushed[0].ChangeType != ChangeModified {
		t.Fatalf("expected 1 Modified event, got %+v", flushed)
	}
}

func TestHandleFsEvent_WriteSkippedWhenHashUnchanged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	content := "stable"
	path := writeTestFile(t, dir, "f.txt", content)
	hash := hashString(content)

	index := map[string]*IndexEntry{
		"/f.txt": {DbxPathLower: "/f.txt", ItemType: ItemTypeFile, ContentHash: hash},
	}

	watcher := newFakeFsWatcher()
	buf := NewBuffer(testLogger(t))

	o.handleFsEvent(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Write}, watcher, index, buf)

	if flushed := buf.FlushImmediate(); len(flushed) != 0 {
		t.Errorf("expected no event for unchanged hash, got %+v", flushed)
	}
}

func TestHandleFsEvent_ChmodOnlyIsIgnored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	path := writeTestFile(t, dir, "f.txt", "x")

	watcher := newFakeFsWatcher()
	buf := NewBuffer(testLogger(t))

	o.handleFsEvent(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Chmod}, watcher, map[string]*IndexEntry{}, buf)

	if flushed := buf.FlushImmediate(); len(flushed) != 0 {
		t.Errorf("expected chmod-only event to be ignored, got %+v", flushed)
	}
}

func TestHandleFsEvent_IgnoredPathSuppressed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	path := writeTestFile(t, dir, "self.txt", "x")
	o.IgnorePath("/self.txt")

	watcher := newFakeFsWatcher()
	buf := NewBuffer(testLogger(t))

	o.handleFsEvent(context.Background(), fsnotify.Event{Name: path, Op: fsnotify.Create}, watcher, map[string]*IndexEntry{}, buf)

	if flushed := buf.FlushImmediate(); len(flushed) != 0 {
		t.Errorf("expected ignored path to suppress event, got %+v", flushed)
	}
}

func TestHandleRemove_RecordsPendingDelete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	watcher := newFakeFsWatcher()
	o.handleRemove(watcher, dir, "/gone.txt", "/gone.txt", map[string]*IndexEntry{})

	o.renameMu.Lock()
	_, ok := o.pendingDeletes[pendingDeleteKey("/gone.txt")]
	o.renameMu.Unlock()

	if !ok {
		t.Error("expected pending delete to be recorded")
	}
}

func TestHandleRemove_FolderRemovesWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	index := map[string]*IndexEntry{
		"/dir": {DbxPathLower: "/dir", ItemType: ItemTypeFolder},
	}

	watcher := newFakeFsWatcher()
	o.handleRemove(watcher, dir, "/dir", "/dir", index)

	if len(watcher.removed) != 1 {
		t.Errorf("expected watch removal for deleted folder, got %+v", watcher.removed)
	}
}

func TestPairRename_MatchingCreateCollapsesToMove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	watcher := newFakeFsWatcher()
	o.handleRemove(watcher, dir, "/old.txt", "/old.txt", map[string]*IndexEntry{})

	buf := NewBuffer(testLogger(t))
	paired := o.pairRename(ItemTypeFile, "/new.txt", "/new.txt", filepath.Join(dir, "new.txt"), 10, buf)

	if !paired {
		t.Fatal("expected pairRename to match the pending delete")
	}

	flushed := buf.FlushImmediate()
	if len(flushed) != 1 || flushed[0].ChangeType != ChangeMoved {
		t.Fatalf("expected 1 Moved event, got %+v", flushed)
	}

	if flushed[0].DbxPathFromLower != "/old.txt" {
		t.Errorf("DbxPathFromLower = %q, want /old.txt", flushed[0].DbxPathFromLower)
	}
}

func TestPairRename_SamePathNeverPairs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	watcher := newFakeFsWatcher()
	o.handleRemove(watcher, dir, "/same.txt", "/same.txt", map[string]*IndexEntry{})

	buf := NewBuffer(testLogger(t))
	paired := o.pairRename(ItemTypeFile, "/same.txt", "/same.txt", filepath.Join(dir, "same.txt"), 10, buf)

	if paired {
		t.Error("expected no pairing for identical source/destination path")
	}
}

func TestPairRename_NoMatchWhenTypeDiffers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	watcher := newFakeFsWatcher()
	o.handleRemove(watcher, dir, "/old", "/old", map[string]*IndexEntry{
		"/old": {DbxPathLower: "/old", ItemType: ItemTypeFolder},
	})

	buf := NewBuffer(testLogger(t))
	paired := o.pairRename(ItemTypeFile, "/new.txt", "/new.txt", filepath.Join(dir, "new.txt"), 10, buf)

	if paired {
		t.Error("expected no pairing across differing item types")
	}
}

func TestFlushExpiredRenames_EmitsDeleteAfterWindow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	o.renameMu.Lock()
	o.pendingDeletes[pendingDeleteKey("/timed-out.txt")] = pendingDelete{
		dbxPath: "/timed-out.txt", dbxPathLower: "/timed-out.txt",
		localPath: filepath.Join(dir, "timed-out.txt"), itemType: ItemTypeFile,
		at: time.Now().Add(-renameWindow - time.Second),
	}
	o.renameMu.Unlock()

	buf := NewBuffer(testLogger(t))
	o.flushExpiredRenames(buf)

	flushed := buf.FlushImmediate()
	if len(flushed) != 1 || flushed[0].ChangeType != ChangeRemoved {
		t.Fatalf("expected 1 Removed event, got %+v", flushed)
	}
}

func TestFlushExpiredRenames_LeavesFreshPendingDeleteAlone(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	o.renameMu.Lock()
	o.pendingDeletes[pendingDeleteKey("/fresh.txt")] = pendingDelete{
		dbxPath: "/fresh.txt", dbxPathLower: "/fresh.txt",
		localPath: filepath.Join(dir, "fresh.txt"), itemType: ItemTypeFile,
		at: time.Now(),
	}
	o.renameMu.Unlock()

	buf := NewBuffer(testLogger(t))
	o.flushExpiredRenames(buf)

	if flushed := buf.FlushImmediate(); len(flushed) != 0 {
		t.Errorf("expected fresh pending delete to survive, got %+v", flushed)
	}
}

func TestScanNewDirectory_PicksUpFilesWrittenBeforeWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	subdir := filepath.Join(dir, "burst")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	writeTestFile(t, dir, "burst/a.txt", "a")
	writeTestFile(t, dir, "burst/b.txt", "b")

	buf := NewBuffer(testLogger(t))
	o.scanNewDirectory(context.Background(), subdir, map[string]*IndexEntry{}, buf)

	flushed := buf.FlushImmediate()
	if len(flushed) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(flushed), flushed)
	}
}

func TestScanNewDirectory_SkipsAlreadyIndexedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o, _ := newHandlersTestObserver(t, dir)

	subdir := filepath.Join(dir, "burst")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	writeTestFile(t, dir, "burst/known.txt", "known")

	index := map[string]*IndexEntry{
		"/burst/known.txt": {DbxPathLower: "/burst/known.txt", ItemType: ItemTypeFile},
	}

	buf := NewBuffer(testLogger(t))
	o.scanNewDirectory(context.Background(), subdir, index, buf)

	if flushed := buf.FlushImmediate(); len(flushed) != 0 {
		t.Errorf("expected already-indexed file to be skipped, got %+v", flushed)
	}
}
