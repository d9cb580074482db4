package sync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dbxhash"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// --- engineFakeClient: configurable RemoteClient for engine-level tests ---

type uploadRecord struct {
	DbxPath string
	Mode    dropbox.WriteMode
	Rev     string
	Content []byte
}

type engineFakeClient struct {
	mu gosync.Mutex

	listFolderResults []*dropbox.ListFolderResult
	listFolderErrs    []error
	listFolderCalls   int

	continueResults []*dropbox.ListFolderResult
	continueErrs    []error
	continueCalls   int

	// downloadContent maps a dbx path to the bytes Download writes out.
	downloadContent map[string][]byte
	downloads       []string

	uploads   []uploadRecord
	uploadErr error

	// updateConflict rejects update-mode uploads with ErrConflict, as the
	// server does when the pinned rev is no longer current.
	updateConflict bool

	// renameUploads maps a requested upload path to the path the server
	// "autorenamed" it to, simulating an add-mode collision.
	renameUploads map[string]string

	deletes       []string
	deleteErr     error
	folderCreates []string
	moves         [][2]string
}

func (c *engineFakeClient) AccountInfo(context.Context) (*dropbox.Account, error) {
	return &dropbox.Account{AccountID: "dbid:test", Email: "test@example.com"}, nil
}

func (c *engineFakeClient) ListFolder(context.Context, string, bool) (*dropbox.ListFolderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.listFolderCalls
	c.listFolderCalls++

	if i < len(c.listFolderErrs) && c.listFolderErrs[i] != nil {
		return nil, c.listFolderErrs[i]
	}

	if i < len(c.listFolderResults) {
		return c.listFolderResults[i], nil
	}

	return &dropbox.ListFolderResult{Cursor: "cursor-empty"}, nil
}

func (c *engineFakeClient) ListFolderContinue(context.Context, string) (*dropbox.ListFolderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.continueCalls
	c.continueCalls++

	if i < len(c.continueErrs) && c.continueErrs[i] != nil {
		return nil, c.continueErrs[i]
	}

	if i < len(c.continueResults) {
		return c.continueResults[i], nil
	}

	return &dropbox.ListFolderResult{Cursor: "cursor-continue"}, nil
}

func (c *engineFakeClient) GetLatestCursor(context.Context, string, bool) (string, error) {
	return "cursor-latest", nil
}

// WaitForRemoteChanges blocks until the context is canceled, matching a
// long-poll with no remote activity.
func (c *engineFakeClient) WaitForRemoteChanges(ctx context.Context, _ string, _ time.Duration) (bool, time.Duration, error) {
	<-ctx.Done()
	return false, 0, ctx.Err()
}

func (c *engineFakeClient) Download(_ context.Context, dbxPath string, w io.Writer) (*dropbox.FileMetadata, error) {
	c.mu.Lock()
	content, ok := c.downloadContent[pathmap.Normalise(dbxPath)]
	c.downloads = append(c.downloads, dbxPath)
	c.mu.Unlock()

	if !ok {
		return nil, dropbox.ErrNotFound
	}

	if _, err := w.Write(content); err != nil {
		return nil, err
	}

	return &dropbox.FileMetadata{
		ID:             "id:" + dbxPath,
		PathDisplay:    dbxPath,
		PathLower:      pathmap.Normalise(dbxPath),
		Rev:            "rev-dl",
		Size:           int64(len(content)),
		ContentHash:    dbxhash.SumBytes(content),
		ClientModified: time.Unix(1700000000, 0),
	}, nil
}

func (c *engineFakeClient) Upload(_ context.Context, r io.Reader, size int64, dbxPath string, mode dropbox.WriteMode, rev string, _ time.Time) (*dropbox.FileMetadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uploadErr != nil {
		return nil, c.uploadErr
	}

	if c.updateConflict && mode == dropbox.WriteUpdate {
		return nil, dropbox.ErrConflict
	}

	finalPath := dbxPath
	if renamed, ok := c.renameUploads[dbxPath]; ok {
		finalPath = renamed
	}

	c.uploads = append(c.uploads, uploadRecord{DbxPath: finalPath, Mode: mode, Rev: rev, Content: data})

	return &dropbox.FileMetadata{
		ID:          "id:" + finalPath,
		PathDisplay: finalPath,
		PathLower:   pathmap.Normalise(finalPath),
		Rev:         "rev-up",
		Size:        size,
		ContentHash: dbxhash.SumBytes(data),
	}, nil
}

func (c *engineFakeClient) CreateFolder(_ context.Context, dbxPath string) (*dropbox.FolderMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.folderCreates = append(c.folderCreates, dbxPath)

	return &dropbox.FolderMetadata{
		ID:          "id:" + dbxPath,
		PathDisplay: dbxPath,
		PathLower:   pathmap.Normalise(dbxPath),
	}, nil
}

func (c *engineFakeClient) Move(_ context.Context, src, dst string, _ bool) (dropbox.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.moves = append(c.moves, [2]string{src, dst})

	return &dropbox.FileMetadata{
		ID:          "id:" + dst,
		PathDisplay: dst,
		PathLower:   pathmap.Normalise(dst),
		Rev:         "rev-mv",
	}, nil
}

func (c *engineFakeClient) Delete(_ context.Context, dbxPath string) (dropbox.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleteErr != nil {
		return nil, c.deleteErr
	}

	c.deletes = append(c.deletes, dbxPath)

	return &dropbox.DeletedMetadata{
		PathDisplay: dbxPath,
		PathLower:   pathmap.Normalise(dbxPath),
	}, nil
}

var _ RemoteClient = (*engineFakeClient)(nil)

// --- construction helpers ---

func engineResolved() *config.ResolvedProfile {
	rp := &config.ResolvedProfile{Name: "test", RemotePath: "/"}
	rp.Filter = config.FilterConfig{IgnoreMarker: ".mignore", MaxFileSize: "50GB"}
	rp.Transfers = config.TransfersConfig{TransferWorkers: 2}
	rp.Safety = config.SafetyConfig{
		BigDeleteThreshold:  100,
		BigDeletePercentage: 90,
		BigDeleteMinItems:   10,
	}
	rp.Sync = config.SyncConfig{
		DebounceInterval: "50ms",
		LongPollTimeout:  "30s",
		ShutdownTimeout:  "1s",
	}

	return rp
}

func newTestEngine(t *testing.T) (*Engine, *engineFakeClient) {
	t.Helper()

	client := &engineFakeClient{downloadContent: map[string][]byte{}}

	eng, err := NewEngine(EngineConfig{
		DBPath:   filepath.Join(t.TempDir(), "index.db"),
		SyncRoot: t.TempDir(),
		Client:   client,
		Resolved: engineResolved(),
		Logger:   testLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	return eng, client
}

func remoteFile(dbxPath, content string) *dropbox.FileMetadata {
	return &dropbox.FileMetadata{
		ID:             "id:" + dbxPath,
		PathDisplay:    dbxPath,
		PathLower:      pathmap.Normalise(dbxPath),
		Rev:            "rev1",
		Size:           int64(len(content)),
		ContentHash:    dbxhash.SumBytes([]byte(content)),
		ClientModified: time.Unix(1700000000, 0),
	}
}

func remoteFolder(dbxPath string) *dropbox.FolderMetadata {
	return &dropbox.FolderMetadata{
		ID:          "id:" + dbxPath,
		PathDisplay: dbxPath,
		PathLower:   pathmap.Normalise(dbxPath),
	}
}

// --- tests ---

func TestNewEngine_InitialState(t *testing.T) {
	eng, _ := newTestEngine(t)

	assert.Equal(t, StateStopped, eng.Status())
	assert.False(t, eng.Syncing())
	assert.False(t, eng.Connected())
	assert.Empty(t, eng.FatalErrors())
}

func TestEngine_StartFailsWhenSyncRootMissing(t *testing.T) {
	client := &engineFakeClient{}

	eng, err := NewEngine(EngineConfig{
		DBPath:   filepath.Join(t.TempDir(), "index.db"),
		SyncRoot: filepath.Join(t.TempDir(), "does-not-exist"),
		Client:   client,
		Resolved: engineResolved(),
		Logger:   testLogger(t),
	})
	require.NoError(t, err)
	defer eng.Close()

	err = eng.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDropboxDir)
}

func TestEngine_InitialIndex_MaterializesRemoteTree(t *testing.T) {
	eng, client := newTestEngine(t)

	content := "hello\nfoo"
	client.listFolderResults = []*dropbox.ListFolderResult{{
		Entries: []dropbox.Metadata{
			remoteFolder("/Docs"),
			remoteFile("/Docs/a.txt", content),
		},
		Cursor: "cursor-1",
	}}
	client.downloadContent["/docs/a.txt"] = []byte(content)

	require.NoError(t, eng.initialIndex(context.Background()))

	// Local tree materialized.
	data, err := os.ReadFile(filepath.Join(eng.syncRoot, "Docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	// Index rows created for folder and file.
	folderEntry, err := eng.store.Get(context.Background(), "/docs")
	require.NoError(t, err)
	require.NotNil(t, folderEntry)
	assert.Equal(t, ItemTypeFolder, folderEntry.ItemType)
	assert.Equal(t, "folder", folderEntry.Rev)
	assert.Equal(t, "folder", folderEntry.ContentHash)

	fileEntry, err := eng.store.Get(context.Background(), "/docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, fileEntry)
	assert.Equal(t, ItemTypeFile, fileEntry.ItemType)
	assert.Equal(t, dbxhash.SumBytes([]byte(content)), fileEntry.ContentHash)

	// The final listing cursor is persisted.
	cursor, err := eng.store.GetSetting(context.Background(), settingRemoteCursor)
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", cursor)
}

func TestEngine_StartAndStop(t *testing.T) {
	eng, client := newTestEngine(t)
	client.listFolderResults = []*dropbox.ListFolderResult{{Cursor: "cursor-1"}}

	require.NoError(t, eng.Start(context.Background()))
	assert.Equal(t, StateRunning, eng.Status())

	eng.Stop()
	assert.Equal(t, StateStopped, eng.Status())

	// Stop is idempotent.
	eng.Stop()
	assert.Equal(t, StateStopped, eng.Status())
}

func TestEngine_PauseQueuesUpEventsUntilResume(t *testing.T) {
	eng, client := newTestEngine(t)

	local := writeTestFile(t, eng.syncRoot, "new.txt", "fresh content")

	eng.Pause()
	assert.Equal(t, StatePaused, eng.Status())

	ev := SyncEvent{
		Direction:    DirectionUp,
		ItemType:     ItemTypeFile,
		ChangeType:   ChangeAdded,
		DbxPath:      "/new.txt",
		DbxPathLower: "/new.txt",
		LocalPath:    local,
		Size:         int64(len("fresh content")),
	}

	eng.processUp(context.Background(), []SyncEvent{ev})

	client.mu.Lock()
	uploadsWhilePaused := len(client.uploads)
	client.mu.Unlock()
	assert.Zero(t, uploadsWhilePaused, "paused engine must not execute uploads")

	eng.Resume()
	assert.Equal(t, StateRunning, eng.Status())

	client.mu.Lock()
	require.Len(t, client.uploads, 1)
	assert.Equal(t, "/new.txt", client.uploads[0].DbxPath)
	assert.Equal(t, dropbox.WriteAdd, client.uploads[0].Mode)
	assert.Equal(t, "fresh content", string(client.uploads[0].Content))
	client.mu.Unlock()

	entry, err := eng.store.Get(context.Background(), "/new.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "rev-up", entry.Rev)
}

func TestEngine_ExcludeItem_RemovesSubtreeAndIndexRows(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	writeTestFile(t, eng.syncRoot, "Foo/a.txt", "x")

	require.NoError(t, eng.store.Put(ctx, &IndexEntry{
		DbxPathLower: "/foo", DbxPathCased: "/Foo", ItemType: ItemTypeFolder,
		Rev: "folder", ContentHash: "folder",
	}))
	require.NoError(t, eng.store.Put(ctx, &IndexEntry{
		DbxPathLower: "/foo/a.txt", DbxPathCased: "/Foo/a.txt", ItemType: ItemTypeFile,
		Rev: "rev1",
	}))

	require.NoError(t, eng.ExcludeItem(ctx, "/Foo"))

	excluded, err := eng.store.IsExcluded(ctx, "/foo")
	require.NoError(t, err)
	assert.True(t, excluded)

	_, statErr := os.Stat(filepath.Join(eng.syncRoot, "Foo"))
	assert.True(t, os.IsNotExist(statErr), "local subtree must be removed")

	for _, lower := range []string{"/foo", "/foo/a.txt"} {
		entry, getErr := eng.store.Get(ctx, lower)
		require.NoError(t, getErr)
		assert.Nil(t, entry, "index row %s must be gone", lower)
	}
}

func TestEngine_IncludeItem_DownSyncsSubtree(t *testing.T) {
	eng, client := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.store.ExcludeItem(ctx, "/docs"))

	content := "restored"
	client.listFolderResults = []*dropbox.ListFolderResult{{
		Entries: []dropbox.Metadata{
			remoteFolder("/Docs"),
			remoteFile("/Docs/b.txt", content),
		},
		Cursor: "cursor-2",
	}}
	client.downloadContent["/docs/b.txt"] = []byte(content)

	require.NoError(t, eng.IncludeItem(ctx, "/Docs"))

	excluded, err := eng.store.IsExcluded(ctx, "/docs")
	require.NoError(t, err)
	assert.False(t, excluded)

	data, err := os.ReadFile(filepath.Join(eng.syncRoot, "Docs", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	entry, err := eng.store.Get(ctx, "/docs/b.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestEngine_RebuildIndex_ReplacesStaleRows(t *testing.T) {
	eng, client := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.store.Put(ctx, &IndexEntry{
		DbxPathLower: "/stale.txt", DbxPathCased: "/stale.txt", ItemType: ItemTypeFile, Rev: "old",
	}))

	content := "rebuilt"
	client.listFolderResults = []*dropbox.ListFolderResult{{
		Entries: []dropbox.Metadata{remoteFile("/fresh.txt", content)},
		Cursor:  "cursor-rebuild",
	}}
	client.downloadContent["/fresh.txt"] = []byte(content)

	require.NoError(t, eng.RebuildIndex(ctx))

	stale, err := eng.store.Get(ctx, "/stale.txt")
	require.NoError(t, err)
	assert.Nil(t, stale)

	fresh, err := eng.store.Get(ctx, "/fresh.txt")
	require.NoError(t, err)
	require.NotNil(t, fresh)

	cursor, err := eng.store.GetSetting(ctx, settingRemoteCursor)
	require.NoError(t, err)
	assert.Equal(t, "cursor-rebuild", cursor)

	assert.Equal(t, StateRunning, eng.Status())
}

func TestEngine_ListFolder_Passthrough(t *testing.T) {
	eng, client := newTestEngine(t)

	client.listFolderResults = []*dropbox.ListFolderResult{{
		Entries: []dropbox.Metadata{remoteFile("/x.txt", "x")},
		Cursor:  "c",
	}}

	entries, err := eng.ListFolder(context.Background(), "/", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestEngine_ResolveConflict_KeepBoth(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	record := &ConflictRecord{
		DbxPathLower: "/f.txt",
		DbxPath:      "/f.txt",
		ConflictPath: "/f (conflicting copy).txt",
		Reason:       ConflictReasonContent,
		DetectedAt:   NowNano(),
		Resolution:   ConflictUnresolved,
	}
	require.NoError(t, eng.store.RecordConflict(ctx, record))

	require.NoError(t, eng.ResolveConflict(ctx, record.ID, "/f.txt", "/f (conflicting copy).txt", ConflictKeepBoth))

	conflicts, err := eng.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictKeepBoth, conflicts[0].Resolution)
}

func TestEngine_ResolveConflict_UnknownResolution(t *testing.T) {
	eng, _ := newTestEngine(t)

	err := eng.ResolveConflict(context.Background(), "id", "/f.txt", "/f (conflicting copy).txt", ConflictResolution("coin_flip"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown conflict resolution")
}

func TestEngine_ResolveConflict_KeepLocal_Reuploads(t *testing.T) {
	eng, client := newTestEngine(t)
	ctx := context.Background()

	writeTestFile(t, eng.syncRoot, "f (conflicting copy).txt", "local wins")

	record := &ConflictRecord{
		DbxPathLower: "/f.txt",
		DbxPath:      "/f.txt",
		ConflictPath: "/f (conflicting copy).txt",
		Reason:       ConflictReasonContent,
		DetectedAt:   NowNano(),
		Resolution:   ConflictUnresolved,
	}
	require.NoError(t, eng.store.RecordConflict(ctx, record))

	require.NoError(t, eng.ResolveConflict(ctx, record.ID, "/f.txt", "/f (conflicting copy).txt", ConflictKeepLocal))

	client.mu.Lock()
	require.Len(t, client.uploads, 1)
	assert.Equal(t, "/f.txt", client.uploads[0].DbxPath)
	assert.Equal(t, dropbox.WriteOverwrite, client.uploads[0].Mode)
	assert.Equal(t, "local wins", string(client.uploads[0].Content))
	client.mu.Unlock()
}

func TestEngine_SyncErrorsSurface(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.store.PutSyncError(ctx, &SyncErrorEntry{
		DbxPathLower: "/bad.txt",
		DbxPath:      "/bad.txt",
		Direction:    DirectionUp,
		Kind:         ErrKindInsufficientSpace,
		Title:        "no space",
		Message:      "no space left on device",
		DetectedAt:   NowNano(),
	}))

	errs, err := eng.SyncErrors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrKindInsufficientSpace, errs[0].Kind)
}

func TestEngine_RecordFatal_StopsEngine(t *testing.T) {
	eng, _ := newTestEngine(t)

	eng.setState(StateRunning)
	eng.recordFatal(errors.New("database exploded"))

	assert.Equal(t, StateStopped, eng.Status())

	fatal := eng.FatalErrors()
	require.Len(t, fatal, 1)
	assert.Contains(t, fatal[0].Error(), "database exploded")
}

func TestCheckSyncRootWritable(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, checkSyncRootWritable(dir))

	assert.Error(t, checkSyncRootWritable(filepath.Join(dir, "missing")))

	file := writeTestFile(t, dir, "plainfile", "x")
	assert.Error(t, checkSyncRootWritable(file))
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseDurationOr("2s", time.Minute))
	assert.Equal(t, time.Minute, parseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, parseDurationOr("not-a-duration", time.Minute))
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(canceled, time.Hour))
}
