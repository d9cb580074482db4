package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	gosync "sync"
	"time"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// Settings keys stored in the store's settings table. local_cursor is
// reserved for a future fine-grained watcher
// checkpoint; only remote_cursor is consulted today.
const (
	settingRemoteCursor = "remote_cursor"
	settingLocalCursor  = "local_cursor"
)

// defaultStalePartialThreshold is how long a leftover partial-download
// file must sit untouched before Start reports it as stale.
const defaultStalePartialThreshold = 24 * time.Hour

// State is the engine's control-plane state.
type State string

// Engine states.
const (
	StateStopped    State = "stopped"
	StateIndexing   State = "indexing"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateRebuilding State = "rebuilding"
)

// ErrNoDropboxDir is returned by Start when the configured sync root does
// not exist or is not writable.
var ErrNoDropboxDir = errors.New("sync: dropbox_path missing or not writable")

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	DBPath   string // path to the SQLite index database
	SyncRoot string // absolute local sync directory (dropbox_path)

	Client   RemoteClient
	Resolved *config.ResolvedProfile
	Logger   *slog.Logger
}

// Engine orchestrates a complete bidirectional sync: a local watcher feeding
// the up pipeline, a remote long-poll loop feeding the down pipeline, and
// the shared index, filter, planner, executor and worker pool both
// pipelines run actions through.
type Engine struct {
	client     RemoteClient
	store      Store
	filter     *FilterEngine
	mapper     *pathmap.Mapper
	planner    *Planner
	observer   *LocalObserver
	remote     *RemoteChangeStream
	executor   *Executor
	pool       *WorkerPool
	resolved   *config.ResolvedProfile
	syncRoot   string
	remotePath string
	logger     *slog.Logger

	debounce        time.Duration
	longPollTimeout time.Duration
	shutdownTimeout time.Duration

	mu       gosync.Mutex
	state    State
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	pendUpMu gosync.Mutex
	pendUp   []SyncEvent

	pendDownMu gosync.Mutex
	pendDown   []dropbox.Metadata

	connMu gosync.Mutex
	isConn bool

	syncingMu gosync.Mutex
	isSyncing bool

	fatalMu gosync.Mutex
	fatal   []error
}

// NewEngine wires the SyncEngine's components: the index store (opens the
// database and runs migrations), the filter cascade, the path mapper, the
// planner, local observer, remote change stream, executor and worker pool.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	filter, err := NewFilterEngine(&cfg.Resolved.Filter, cfg.SyncRoot, store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("sync: creating engine: %w", err)
	}

	mapper := pathmap.New(cfg.SyncRoot)
	planner := NewPlanner(filter, mapper, cfg.Resolved.Safety, store, logger)
	observer := NewLocalObserver(mapper, store, filter, logger)
	remote := NewRemoteChangeStream(cfg.Client, logger)
	executor := NewExecutor(cfg.Client, store, mapper, observer, cfg.Resolved.Safety, logger)
	pool := NewWorkerPool(executor, store, cfg.Resolved.Transfers.TransferWorkers, logger)

	debounce := parseDurationOr(cfg.Resolved.Sync.DebounceInterval, 500*time.Millisecond)
	longPoll := parseDurationOr(cfg.Resolved.Sync.LongPollTimeout, 480*time.Second)
	shutdown := parseDurationOr(cfg.Resolved.Sync.ShutdownTimeout, 5*time.Second)

	return &Engine{
		client:          cfg.Client,
		store:           store,
		filter:          filter,
		mapper:          mapper,
		planner:         planner,
		observer:        observer,
		remote:          remote,
		executor:        executor,
		pool:            pool,
		resolved:        cfg.Resolved,
		syncRoot:        cfg.SyncRoot,
		remotePath:      cfg.Resolved.RemotePath,
		logger:          logger,
		debounce:        debounce,
		longPollTimeout: longPoll,
		shutdownTimeout: shutdown,
		state:           StateStopped,
	}, nil
}

// parseDurationOr parses s as a duration, falling back to def if s is empty
// or malformed. Profile durations are already validated by config.Validate
// before reaching the engine; this is a last-resort guard, not the primary
// check.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}

// Close releases resources held by the engine (the database connection).
// Call after Stop.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Status returns the current control-plane state.
func (e *Engine) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Syncing reports whether a plan is currently being executed.
func (e *Engine) Syncing() bool {
	e.syncingMu.Lock()
	defer e.syncingMu.Unlock()

	return e.isSyncing
}

func (e *Engine) setSyncing(v bool) {
	e.syncingMu.Lock()
	e.isSyncing = v
	e.syncingMu.Unlock()
}

// Connected reports whether the most recent remote call succeeded.
func (e *Engine) Connected() bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	return e.isConn
}

func (e *Engine) setConnected(v bool) {
	e.connMu.Lock()
	e.isConn = v
	e.connMu.Unlock()
}

// FatalErrors returns the errors that forced the engine to Stopped.
func (e *Engine) FatalErrors() []error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()

	out := make([]error, len(e.fatal))
	copy(out, e.fatal)

	return out
}

func (e *Engine) recordFatal(err error) {
	e.fatalMu.Lock()
	e.fatal = append(e.fatal, err)
	e.fatalMu.Unlock()

	e.logger.Error("fatal error, stopping engine", slog.String("error", err.Error()))
	e.signalStop()
}

// SyncErrors returns all persisted recoverable per-item errors.
func (e *Engine) SyncErrors(ctx context.Context) ([]*SyncErrorEntry, error) {
	return e.store.ListSyncErrors(ctx)
}

// ListConflicts returns all unresolved conflict records.
func (e *Engine) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	return e.store.ListConflicts(ctx)
}

// ResolveConflict applies a manual resolution to a previously recorded
// conflict: keep_both leaves both copies as-is (the conflict copy was
// already uploaded as a new file by the planner/executor in a later cycle),
// keep_local re-uploads the original path from the local conflict copy, and
// keep_remote re-downloads the original path, overwriting the local copy.
func (e *Engine) ResolveConflict(ctx context.Context, id, dbxPath, conflictPath string, resolution ConflictResolution) error {
	switch resolution {
	case ConflictKeepBoth:
		return e.store.ResolveConflict(ctx, id, resolution)
	case ConflictKeepLocal:
		if err := e.reuploadFrom(ctx, conflictPath, dbxPath); err != nil {
			return fmt.Errorf("sync: resolving conflict %s (keep_local): %w", id, err)
		}
	case ConflictKeepRemote:
		if err := e.redownloadTo(ctx, dbxPath); err != nil {
			return fmt.Errorf("sync: resolving conflict %s (keep_remote): %w", id, err)
		}
	default:
		return fmt.Errorf("sync: unknown conflict resolution %q", resolution)
	}

	return e.store.ResolveConflict(ctx, id, resolution)
}

func (e *Engine) reuploadFrom(ctx context.Context, conflictPath, dbxPath string) error {
	lower := pathmap.Normalise(dbxPath)
	action := Action{
		Type:         ActionUpload,
		Direction:    DirectionUp,
		DbxPath:      dbxPath,
		DbxPathLower: lower,
		LocalPath:    e.mapper.ToLocal(conflictPath),
		WriteMode:    WriteOverwrite,
		ItemType:     ItemTypeFile,
	}

	return e.commitOne(ctx, e.executor.Execute(ctx, action))
}

func (e *Engine) redownloadTo(ctx context.Context, dbxPath string) error {
	lower := pathmap.Normalise(dbxPath)
	action := Action{
		Type:         ActionDownload,
		Direction:    DirectionDown,
		DbxPath:      dbxPath,
		DbxPathLower: lower,
		LocalPath:    e.mapper.ToLocal(dbxPath),
		ItemType:     ItemTypeFile,
	}

	return e.commitOne(ctx, e.executor.Execute(ctx, action))
}

// commitOne persists the result of a single, engine-driven action outside
// the normal worker pool (used for manual conflict resolution).
func (e *Engine) commitOne(ctx context.Context, outcome Outcome) error {
	if !outcome.Success {
		if outcome.SyncError != nil {
			return fmt.Errorf("%s: %s", outcome.SyncError.Kind, outcome.SyncError.Message)
		}

		return fmt.Errorf("action failed")
	}

	if outcome.Entry != nil {
		if err := e.store.Put(ctx, outcome.Entry); err != nil {
			return err
		}
	}

	if outcome.Deleted {
		return e.store.Delete(ctx, outcome.Action.DbxPathLower)
	}

	return nil
}

// ExcludeItem adds path to the selective-sync deny-list, removes the local
// subtree (ignoring the resulting watcher events) and drops matching index
// rows.
func (e *Engine) ExcludeItem(ctx context.Context, dbxPath string) error {
	lower := pathmap.Normalise(dbxPath)

	if err := e.store.ExcludeItem(ctx, lower); err != nil {
		return fmt.Errorf("sync: excluding %s: %w", dbxPath, err)
	}

	entries, err := e.store.IterSubtree(ctx, lower)
	if err != nil {
		return fmt.Errorf("sync: listing subtree for exclude %s: %w", dbxPath, err)
	}

	e.observer.IgnorePath(lower)

	local := e.mapper.ToLocal(dbxPath)
	if err := os.RemoveAll(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sync: removing local subtree %s: %w", local, err)
	}

	for _, entry := range entries {
		if err := e.store.Delete(ctx, entry.DbxPathLower); err != nil {
			return fmt.Errorf("sync: clearing index row %s: %w", entry.DbxPathLower, err)
		}
	}

	e.logger.Info("excluded item", "path", lower, "cleared_rows", len(entries))

	return nil
}

// IncludeItem removes path from the selective-sync deny-list and triggers a
// down-sync of the subtree.
func (e *Engine) IncludeItem(ctx context.Context, dbxPath string) error {
	lower := pathmap.Normalise(dbxPath)

	if err := e.store.IncludeItem(ctx, lower); err != nil {
		return fmt.Errorf("sync: including %s: %w", dbxPath, err)
	}

	entries, _, err := e.remote.FullListing(ctx, dbxPath)
	if err != nil {
		return fmt.Errorf("sync: listing included subtree %s: %w", dbxPath, err)
	}

	index, err := e.loadIndex(ctx)
	if err != nil {
		return err
	}

	plan, err := e.planner.PlanDown(ctx, entries, index)
	if err != nil {
		return fmt.Errorf("sync: planning included subtree %s: %w", dbxPath, err)
	}

	e.runPlan(ctx, plan)

	return nil
}

// ListFolder lists a single remote folder for the 'list_folder' control
// command; it is a thin, single-page passthrough and does not
// consult or mutate the index.
func (e *Engine) ListFolder(ctx context.Context, path string, recursive bool) ([]dropbox.Metadata, error) {
	result, err := e.client.ListFolder(ctx, path, recursive)
	if err != nil {
		return nil, fmt.Errorf("sync: listing %s: %w", path, err)
	}

	return result.Entries, nil
}

// loadIndex materializes the current index as a map keyed by
// dbx_path_lower, the shape every planner/observer call expects.
func (e *Engine) loadIndex(ctx context.Context) (map[string]*IndexEntry, error) {
	entries, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: loading index: %w", err)
	}

	index := make(map[string]*IndexEntry, len(entries))
	for _, entry := range entries {
		index[entry.DbxPathLower] = entry
	}

	return index, nil
}

// Start acquires no locks of its own (the CLI layer's pidfile already
// guarantees single-instance), verifies the sync root, performs initial
// indexing or inactive-period reconciliation, then starts the
// watcher and the remote long-poll loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := checkSyncRootWritable(e.syncRoot); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoDropboxDir, e.syncRoot, err)
	}

	reportStalePartials(e.syncRoot, defaultStalePartialThreshold, e.logger)

	cursor, err := e.store.GetSetting(ctx, settingRemoteCursor)
	if err != nil {
		return fmt.Errorf("sync: reading saved cursor: %w", err)
	}

	if cursor == "" {
		if err := e.initialIndex(ctx); err != nil {
			return err
		}
	} else if err := e.reconcileAfterRestart(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go e.runUpPipeline(runCtx)
	go e.runDownPipeline(runCtx)

	e.setState(StateRunning)
	e.logger.Info("sync engine started", "sync_root", e.syncRoot, "remote_path", e.remotePath)

	return nil
}

// initialIndex performs a full recursive listing of the
// remote namespace, materialized locally by running it as a down plan
// against an empty index, then persists the resulting cursor.
func (e *Engine) initialIndex(ctx context.Context) error {
	e.setState(StateIndexing)

	entries, cursor, err := e.remote.FullListing(ctx, e.remotePath)
	if err != nil {
		return fmt.Errorf("sync: initial indexing: %w", err)
	}

	plan, err := e.planner.PlanDown(ctx, entries, map[string]*IndexEntry{})
	if err != nil {
		return fmt.Errorf("sync: planning initial index: %w", err)
	}

	e.runPlan(ctx, plan)

	if err := e.store.SetSetting(ctx, settingRemoteCursor, cursor); err != nil {
		return fmt.Errorf("sync: persisting initial cursor: %w", err)
	}

	e.logger.Info("initial indexing complete", "entries", len(entries))

	return nil
}

// reconcileAfterRestart performs a local directory snapshot
// diffed against the index, synthesizing events for whatever changed while
// the engine was not running.
func (e *Engine) reconcileAfterRestart(ctx context.Context) error {
	e.setState(StateIndexing)

	index, err := e.loadIndex(ctx)
	if err != nil {
		return err
	}

	buf := NewBuffer(e.logger)
	if err := e.observer.FullScan(ctx, index, buf); err != nil {
		return fmt.Errorf("sync: reconciliation scan: %w", err)
	}

	events := buf.FlushImmediate()
	if len(events) == 0 {
		return nil
	}

	plan, err := e.planner.PlanUp(ctx, events, index)
	if err != nil {
		if errors.Is(err, ErrBigDeleteTriggered) {
			return fmt.Errorf("sync: reconciliation aborted: %w", err)
		}

		return fmt.Errorf("sync: planning reconciliation: %w", err)
	}

	e.runPlan(ctx, plan)

	return nil
}

// Stop cancels both pipelines and waits up to the configured shutdown
// timeout for in-flight work to drain before returning.
func (e *Engine) Stop() {
	if !e.signalStop() {
		return
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.shutdownTimeout):
		e.logger.Warn("sync engine stop timed out waiting for pipelines")
	}

	e.logger.Info("sync engine stopped")
}

// signalStop transitions the engine to Stopped and cancels the running
// pipelines' context, without waiting for them to drain. Split out of Stop
// so recordFatal — called from inside a pipeline goroutine — can request
// shutdown without joining its own goroutine's WaitGroup entry.
func (e *Engine) signalStop() bool {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return false
	}

	e.state = StateStopped
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return true
}

// Pause suspends both pipelines: the watcher and long-poll loop keep
// draining events into internal queues, but planned actions stop executing
// until Resume.
func (e *Engine) Pause() {
	e.setState(StatePaused)
	e.logger.Info("sync engine paused")
}

// Resume reverts a paused engine to Running and replays whatever both
// pipelines queued while paused: remote entries first, so a concurrent
// divergence resolves against the remote winner before local edits are
// pushed.
func (e *Engine) Resume() {
	e.setState(StateRunning)
	e.logger.Info("sync engine resumed")

	e.pendDownMu.Lock()
	down := e.pendDown
	e.pendDown = nil
	e.pendDownMu.Unlock()

	if len(down) > 0 {
		e.replayDown(context.Background(), down)
	}

	e.pendUpMu.Lock()
	pending := e.pendUp
	e.pendUp = nil
	e.pendUpMu.Unlock()

	if len(pending) > 0 {
		e.processUp(context.Background(), pending)
	}
}

// replayDown plans and executes remote entries that were buffered while
// the engine was paused.
func (e *Engine) replayDown(ctx context.Context, entries []dropbox.Metadata) {
	index, err := e.loadIndex(ctx)
	if err != nil {
		e.logger.Error("resume: loading index failed", "error", err.Error())
		return
	}

	plan, err := e.planner.PlanDown(ctx, entries, index)
	if err != nil {
		if errors.Is(err, ErrBigDeleteTriggered) {
			e.recordFatal(fmt.Errorf("sync: resume replay: %w", err))
			return
		}

		e.logger.Error("resume: planning buffered remote entries failed", "error", err.Error())

		return
	}

	e.runPlan(ctx, plan)
}

func (e *Engine) isPaused() bool {
	return e.Status() == StatePaused
}

// RebuildIndex clears the index and state.ini-equivalent settings, then
// performs a fresh initial index.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	prior := e.Status()
	e.setState(StateRebuilding)

	if err := e.store.Clear(ctx); err != nil {
		e.setState(prior)
		return fmt.Errorf("sync: clearing index: %w", err)
	}

	if err := e.initialIndex(ctx); err != nil {
		e.setState(prior)
		return err
	}

	if prior == StateStopped {
		prior = StateRunning
	}

	e.setState(prior)

	return nil
}

// runUpPipeline watches the local filesystem and feeds normalised,
// debounced events through PlanUp and the worker pool.
func (e *Engine) runUpPipeline(ctx context.Context) {
	defer e.wg.Done()

	buf := NewBuffer(e.logger)

	index, err := e.loadIndex(ctx)
	if err != nil {
		e.recordFatal(fmt.Errorf("sync: up pipeline: %w", err))
		return
	}

	watchDone := make(chan error, 1)
	go func() { watchDone <- e.observer.Watch(ctx, index, buf) }()

	flushed := buf.FlushDebounced(ctx, e.debounce)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watchDone:
			if err != nil && ctx.Err() == nil {
				e.recordFatal(fmt.Errorf("sync: local watcher: %w", err))
			}

			return
		case events, ok := <-flushed:
			if !ok {
				return
			}

			e.processUp(ctx, events)
		}
	}
}

// processUp plans and executes one batch of up-direction events, or queues
// them for replay if the engine is paused.
func (e *Engine) processUp(ctx context.Context, events []SyncEvent) {
	if len(events) == 0 {
		return
	}

	if e.isPaused() {
		e.pendUpMu.Lock()
		e.pendUp = append(e.pendUp, events...)
		e.pendUpMu.Unlock()

		return
	}

	index, err := e.loadIndex(ctx)
	if err != nil {
		e.logger.Error("up pipeline: loading index failed", "error", err.Error())
		return
	}

	plan, err := e.planner.PlanUp(ctx, events, index)
	if err != nil {
		if errors.Is(err, ErrBigDeleteTriggered) {
			e.recordFatal(fmt.Errorf("sync: up pipeline: %w", err))
			return
		}

		e.logger.Error("up pipeline: planning failed", "error", err.Error())

		return
	}

	e.runPlan(ctx, plan)
}

// runDownPipeline long-polls the remote service and feeds resulting changes
// through PlanDown and the worker pool.
func (e *Engine) runDownPipeline(ctx context.Context) {
	defer e.wg.Done()

	cursor, err := e.store.GetSetting(ctx, settingRemoteCursor)
	if err != nil {
		e.recordFatal(fmt.Errorf("sync: down pipeline: reading cursor: %w", err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		changed, backoff, err := e.remote.WaitForChanges(ctx, cursor, e.longPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			e.setConnected(false)
			e.logger.Warn("down pipeline: long-poll failed, backing off", "error", err.Error())

			if !sleepCtx(ctx, 5*time.Second) {
				return
			}

			continue
		}

		e.setConnected(true)

		if backoff > 0 && !sleepCtx(ctx, backoff) {
			return
		}

		if !changed {
			continue
		}

		cursor = e.processDown(ctx, cursor)
	}
}

// processDown drains every page reachable from cursor, plans and executes
// the resulting actions, and returns the new cursor to poll from next. On
// a cursor reset it performs a full reindex of the remote root instead.
func (e *Engine) processDown(ctx context.Context, cursor string) string {
	entries, newCursor, err := e.remote.Continue(ctx, cursor)
	if err != nil {
		if errors.Is(err, dropbox.ErrCursorReset) {
			e.logger.Warn("down pipeline: cursor reset, performing full reindex")

			if reindexErr := e.RebuildIndex(ctx); reindexErr != nil {
				e.recordFatal(fmt.Errorf("sync: reindex after cursor reset: %w", reindexErr))
				return cursor
			}

			next, getErr := e.store.GetSetting(ctx, settingRemoteCursor)
			if getErr != nil {
				e.recordFatal(fmt.Errorf("sync: reading cursor after reindex: %w", getErr))
				return cursor
			}

			return next
		}

		e.logger.Error("down pipeline: continue failed", "error", err.Error())

		return cursor
	}

	if e.isPaused() {
		// Paused: keep draining the change stream (the cursor cannot be
		// rewound, so the entries must be captured now), but hold them in
		// the pending queue for Resume to replan instead of executing.
		e.pendDownMu.Lock()
		e.pendDown = append(e.pendDown, entries...)
		e.pendDownMu.Unlock()

		if setErr := e.store.SetSetting(ctx, settingRemoteCursor, newCursor); setErr != nil {
			e.logger.Error("down pipeline: persisting cursor while paused failed", "error", setErr.Error())
		}

		return newCursor
	}

	index, err := e.loadIndex(ctx)
	if err != nil {
		e.logger.Error("down pipeline: loading index failed", "error", err.Error())
		return cursor
	}

	plan, err := e.planner.PlanDown(ctx, entries, index)
	if err != nil {
		if errors.Is(err, ErrBigDeleteTriggered) {
			e.recordFatal(fmt.Errorf("sync: down pipeline: %w", err))
			return cursor
		}

		e.logger.Error("down pipeline: planning failed", "error", err.Error())

		return cursor
	}

	e.runPlan(ctx, plan)

	if err := e.store.SetSetting(ctx, settingRemoteCursor, newCursor); err != nil {
		e.logger.Error("down pipeline: persisting cursor failed", "error", err.Error())
		return cursor
	}

	return newCursor
}

// runPlan executes a plan through the worker pool, marking Syncing for its
// duration. Individual action failures are recorded as SyncErrorEntry rows
// by the worker pool itself; runPlan only logs the aggregate result.
func (e *Engine) runPlan(ctx context.Context, plan *ActionPlan) {
	if plan.TotalActions() == 0 {
		return
	}

	e.setSyncing(true)
	defer e.setSyncing(false)

	result := e.pool.Run(ctx, plan)

	e.logger.Info("sync cycle applied",
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"conflicts", len(result.Conflicts),
	)
}

// checkSyncRootWritable verifies root exists, is a directory, and accepts
// writes by probing with a throwaway file.
func checkSyncRootWritable(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}

	probe, err := os.CreateTemp(root, ".dropbox-go-write-check-*")
	if err != nil {
		return err
	}

	name := probe.Name()
	probe.Close()

	return os.Remove(name)
}

// sleepCtx sleeps for d or until ctx is canceled, reporting false if
// canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
