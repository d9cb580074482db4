package sync

import (
	"context"
	"log/slog"
	gosync "sync"

	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// minConcurrency is the floor applied to a configured worker count.
const minConcurrency = 2

// RunResult summarises one ActionPlan execution pass.
type RunResult struct {
	Succeeded int
	Failed    int
	Errors    []*SyncErrorEntry
	Conflicts []*ConflictRecord
}

// WorkerPool executes an ActionPlan against an Executor, honoring the
// ordering invariant the planner encodes in the plan's bucket structure:
// deletes complete before folder creates, folder creates before moves, and
// moves before the upload/download pass. Uploads and downloads run with
// bounded concurrency, serialised per top-level path segment so two actions
// under the same subtree never race.
type WorkerPool struct {
	executor    *Executor
	store       Store
	concurrency int
	sem         *semaphore.Weighted
	logger      *slog.Logger
}

// NewWorkerPool creates a WorkerPool. concurrency is the upload/download
// worker count (N_upload = N_download, per transfers.transfer_workers);
// values below minConcurrency are raised to it.
func NewWorkerPool(executor *Executor, store Store, concurrency int, logger *slog.Logger) *WorkerPool {
	if concurrency < minConcurrency {
		concurrency = minConcurrency
	}

	return &WorkerPool{
		executor:    executor,
		store:       store,
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		logger:      logger,
	}
}

// Run executes every action in plan in the required order and commits each
// Outcome to the store as it completes. It returns once the whole plan has
// been applied or ctx is canceled.
func (wp *WorkerPool) Run(ctx context.Context, plan *ActionPlan) *RunResult {
	result := &RunResult{}

	wp.runSequential(ctx, plan.Deletes, result)
	wp.runSequential(ctx, plan.FolderCreates, result)
	wp.runSequential(ctx, plan.Moves, result)
	wp.runConcurrent(ctx, append(append([]Action(nil), plan.Uploads...), plan.Downloads...), result)
	wp.runSequential(ctx, plan.IndexOnly, result)
	wp.runSequential(ctx, plan.Cleanups, result)

	return result
}

func (wp *WorkerPool) runSequential(ctx context.Context, actions []Action, result *RunResult) {
	for _, action := range actions {
		if ctx.Err() != nil {
			return
		}

		wp.runOne(ctx, action, result)
	}
}

// runConcurrent partitions actions by their top-level path segment so every
// action under the same subtree executes in series, then runs each
// partition on a bounded goroutine pool.
func (wp *WorkerPool) runConcurrent(ctx context.Context, actions []Action, result *RunResult) {
	if len(actions) == 0 {
		return
	}

	buckets := make(map[string][]Action, len(actions))
	for _, action := range actions {
		key := topSegment(action.DbxPathLower)
		buckets[key] = append(buckets[key], action)
	}

	var wg gosync.WaitGroup

	var mu gosync.Mutex

	for _, bucket := range buckets {
		bucket := bucket

		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := wp.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer wp.sem.Release(1)

			for _, action := range bucket {
				if ctx.Err() != nil {
					return
				}

				outcome := wp.executor.Execute(ctx, action)

				mu.Lock()
				wp.commit(ctx, outcome, result)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
}

func (wp *WorkerPool) runOne(ctx context.Context, action Action, result *RunResult) {
	outcome := wp.executor.Execute(ctx, action)
	wp.commit(ctx, outcome, result)
}

// commit applies one Outcome to the index store and tallies it into result.
// A conflict-copy action whose ConflictOf is set chains its follow-up action
// (typically a download re-fetching the original path) immediately, so the
// two-step conflict resolution completes within the same pass.
func (wp *WorkerPool) commit(ctx context.Context, outcome Outcome, result *RunResult) {
	switch {
	case !outcome.Success:
		result.Failed++

		if outcome.SyncError != nil {
			result.Errors = append(result.Errors, outcome.SyncError)

			if err := wp.store.PutSyncError(ctx, outcome.SyncError); err != nil {
				wp.logger.Error("failed to persist sync error", "path", outcome.SyncError.DbxPathLower, "error", err)
			}
		}

		return
	default:
		result.Succeeded++

		if err := wp.store.DeleteSyncError(ctx, outcome.Action.DbxPathLower); err != nil {
			wp.logger.Debug("clearing stale sync error", "path", outcome.Action.DbxPathLower, "error", err)
		}
	}

	if outcome.Entry != nil {
		if err := wp.store.Put(ctx, outcome.Entry); err != nil {
			wp.logger.Error("failed to persist index entry", "path", outcome.Entry.DbxPathLower, "error", err)
		}
	}

	if outcome.Deleted {
		if err := wp.store.Delete(ctx, outcome.Action.DbxPathLower); err != nil {
			wp.logger.Error("failed to remove index entry", "path", outcome.Action.DbxPathLower, "error", err)
		}
	}

	if outcome.ConflictRecord != nil {
		result.Conflicts = append(result.Conflicts, outcome.ConflictRecord)

		if err := wp.store.RecordConflict(ctx, outcome.ConflictRecord); err != nil {
			wp.logger.Error("failed to record conflict", "path", outcome.ConflictRecord.DbxPathLower, "error", err)
		}
	}

	if outcome.Action.ConflictOf != nil {
		wp.runOne(ctx, *outcome.Action.ConflictOf, result)
	}
}

// topSegment returns the first path component of a normalised Dropbox path,
// used to shard concurrent uploads/downloads so no two actions under the
// same top-level directory run at once.
func topSegment(dbxPathLower string) string {
	trimmed := pathmap.Normalise(dbxPathLower)
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}

	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i]
		}
	}

	return trimmed
}
