// Buffer consolidates a burst of raw local filesystem events per path into
// a single net SyncEvent, debounced by a configurable interval. It
// sits between the FileSystemWatcher and the up pipeline.
package sync

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Buffer groups raw local SyncEvents by dbx_path_lower, applying the
// normalisation table as each new event for a path arrives. All methods
// are safe for concurrent use.
type Buffer struct {
	mu sync.Mutex

	// pending holds the still-open consolidated event per path, keyed by
	// the path the item currently resides at (the destination path for a
	// Moved event).
	pending map[string]*SyncEvent

	// finalized holds events that have been fully resolved within this
	// batch but must not be merged with anything else — currently only
	// produced by a file/folder type flip at the same path (rule: type
	// change emits Deleted(old) + Created(new) as two distinct events).
	finalized []SyncEvent

	notify chan struct{} // signaled on Add when FlushDebounced is active; nil otherwise
	logger *slog.Logger
}

// NewBuffer creates an empty Buffer ready to accept events.
func NewBuffer(logger *slog.Logger) *Buffer {
	return &Buffer{
		pending: make(map[string]*SyncEvent),
		logger:  logger,
	}
}

// Add appends a single raw event, normalising it against whatever is
// already pending for its path.
func (b *Buffer) Add(ev SyncEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addLocked(ev)
	b.signalNew()
}

// AddAll appends a batch of events under a single lock acquisition —
// used when draining the result of a full directory scan.
func (b *Buffer) AddAll(events []SyncEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range events {
		b.addLocked(ev)
	}

	b.signalNew()
}

// Len returns the number of distinct paths currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending) + len(b.finalized)
}

// FlushImmediate returns every consolidated event, sorted by path for
// deterministic planner input, and clears the buffer. Returns nil if
// nothing is buffered.
func (b *Buffer) FlushImmediate() []SyncEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := len(b.pending) + len(b.finalized)
	if total == 0 {
		return nil
	}

	result := make([]SyncEvent, 0, total)
	result = append(result, b.finalized...)

	for _, ev := range b.pending {
		result = append(result, *ev)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DbxPathLower < result[j].DbxPathLower
	})

	b.pending = make(map[string]*SyncEvent)
	b.finalized = nil

	b.logger.Debug("buffer flushed", slog.Int("events", len(result)))

	return result
}

// FlushDebounced returns a channel that emits a batch of consolidated
// events after debounce elapses with no new events. The timer resets on
// every Add/AddAll. Closed when ctx is canceled, after a final drain.
func (b *Buffer) FlushDebounced(ctx context.Context, debounce time.Duration) <-chan []SyncEvent {
	out := make(chan []SyncEvent, 1)

	b.mu.Lock()
	b.notify = make(chan struct{}, 1)
	b.mu.Unlock()

	go b.debounceLoop(ctx, debounce, out)

	return out
}

func (b *Buffer) debounceLoop(ctx context.Context, debounce time.Duration, out chan<- []SyncEvent) {
	defer close(out)

	timer := time.NewTimer(debounce)
	timer.Stop()

	defer timer.Stop()

	timerActive := false

	for {
		select {
		case <-ctx.Done():
			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				default:
					b.logger.Warn("final drain discarded: output channel full", slog.Int("events", len(batch)))
				}
			}

			return

		case _, ok := <-b.notify:
			if !ok {
				return
			}

			if !timer.Stop() && timerActive {
				<-timer.C
			}

			timer.Reset(debounce)
			timerActive = true

		case <-timer.C:
			timerActive = false

			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (b *Buffer) signalNew() {
	if b.notify == nil {
		return
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// addLocked applies the event normalisation table to the pending
// state for ev's path. Called with b.mu held.
func (b *Buffer) addLocked(ev SyncEvent) {
	switch ev.ChangeType {
	case ChangeMoved:
		b.addMovedLocked(ev)
	case ChangeRemoved:
		b.addRemovedLocked(ev)
	case ChangeAdded:
		b.addAddedLocked(ev)
	case ChangeModified:
		b.addModifiedLocked(ev)
	}
}

// addAddedLocked handles a Created arrival.
func (b *Buffer) addAddedLocked(ev SyncEvent) {
	key := ev.DbxPathLower

	existing, ok := b.pending[key]
	if !ok {
		b.set(key, ev)
		return
	}

	if b.flipType(existing, &ev) {
		return
	}

	if existing.ChangeType == ChangeRemoved {
		// Deleted -> Created: a fresh item replaced the deleted one.
		merged := ev
		merged.ChangeType = ChangeModified
		b.set(key, merged)

		return
	}

	// Any other prior state (Created, Modified) collapses to Created.
	b.set(key, ev)
}

// addModifiedLocked handles a Modified arrival.
func (b *Buffer) addModifiedLocked(ev SyncEvent) {
	key := ev.DbxPathLower

	existing, ok := b.pending[key]
	if !ok {
		b.set(key, ev)
		return
	}

	if b.flipType(existing, &ev) {
		return
	}

	switch existing.ChangeType {
	case ChangeAdded:
		// Created -> Modified: stays Created, but absorb the latest
		// size/hash/time so the planner sees the final content.
		merged := *existing
		merged.Size = ev.Size
		merged.ContentHash = ev.ContentHash
		merged.ChangeTime = ev.ChangeTime
		b.set(key, merged)
	case ChangeMoved:
		// Moved then edited at the destination: stays Moved, content
		// refreshed.
		merged := *existing
		merged.Size = ev.Size
		merged.ContentHash = ev.ContentHash
		merged.ChangeTime = ev.ChangeTime
		b.set(key, merged)
	case ChangeRemoved:
		// Deleted then recreated with content: treat as a fresh Created.
		created := ev
		created.ChangeType = ChangeAdded
		b.set(key, created)
	default:
		// Modified -> Modified stays Modified.
		b.set(key, ev)
	}
}

// addRemovedLocked handles a Deleted arrival.
func (b *Buffer) addRemovedLocked(ev SyncEvent) {
	key := ev.DbxPathLower

	existing, ok := b.pending[key]
	if ok {
		switch existing.ChangeType {
		case ChangeAdded:
			// Created -> Deleted: net zero, drop both.
			delete(b.pending, key)
			b.dropDescendants(key)

			return
		case ChangeMoved:
			// Moved(a,b) -> Deleted(b): collapses to Deleted(a).
			delete(b.pending, key)

			collapsed := ev
			collapsed.ChangeType = ChangeRemoved
			collapsed.DbxPath = existing.DbxPathFrom
			collapsed.DbxPathLower = existing.DbxPathFromLower
			collapsed.LocalPath = existing.LocalPathFrom
			collapsed.DbxPathFrom = ""
			collapsed.DbxPathFromLower = ""
			collapsed.LocalPathFrom = ""
			b.addRemovedLocked(collapsed)

			return
		default:
			b.set(key, ev)
		}
	} else {
		b.set(key, ev)
	}

	if ev.ItemType == ItemTypeFolder {
		b.dropDescendants(key)
	}
}

// addMovedLocked handles a Moved(from, to) arrival.
func (b *Buffer) addMovedLocked(ev SyncEvent) {
	fromKey := ev.DbxPathFromLower
	toKey := ev.DbxPathLower

	if existing, ok := b.pending[fromKey]; ok {
		switch existing.ChangeType {
		case ChangeAdded:
			// Created(a) -> Moved(a,b): collapses to Created(b).
			delete(b.pending, fromKey)

			collapsed := *existing
			collapsed.DbxPath = ev.DbxPath
			collapsed.DbxPathLower = ev.DbxPathLower
			collapsed.LocalPath = ev.LocalPath
			b.set(toKey, collapsed)

			if ev.ItemType == ItemTypeFolder {
				b.absorbChildMoves(ev.DbxPathFromLower, ev.DbxPathLower)
			}

			return
		case ChangeMoved:
			// Moved(x,a) -> Moved(a,b): chains to Moved(x,b).
			delete(b.pending, fromKey)

			chained := ev
			chained.DbxPathFrom = existing.DbxPathFrom
			chained.DbxPathFromLower = existing.DbxPathFromLower
			chained.LocalPathFrom = existing.LocalPathFrom
			b.set(toKey, chained)

			if ev.ItemType == ItemTypeFolder {
				b.absorbChildMoves(ev.DbxPathFromLower, ev.DbxPathLower)
			}

			return
		}
	}

	b.set(toKey, ev)

	if ev.ItemType == ItemTypeFolder {
		b.absorbChildMoves(ev.DbxPathFromLower, ev.DbxPathLower)
	}
}

// flipType handles a File<->Folder type change at the same path: the
// existing pending event is finalized as a Deleted(old), and ev starts a
// fresh pending entry as Created(new). Returns true if a flip occurred.
func (b *Buffer) flipType(existing *SyncEvent, ev *SyncEvent) bool {
	if existing.ItemType == "" || ev.ItemType == "" || existing.ItemType == ev.ItemType {
		return false
	}

	deleted := *existing
	deleted.ChangeType = ChangeRemoved
	b.finalized = append(b.finalized, deleted)

	created := *ev
	created.ChangeType = ChangeAdded
	b.set(ev.DbxPathLower, created)

	return true
}

// dropDescendants removes any pending entries strictly nested under
// parentLower — a directory deletion absorbs every child event.
func (b *Buffer) dropDescendants(parentLower string) {
	prefix := parentLower
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	for key := range b.pending {
		if strings.HasPrefix(key, prefix) {
			delete(b.pending, key)
		}
	}
}

// absorbChildMoves removes pending Moved entries whose from/to pair is
// exactly the parent move's from/to with a matching relative suffix — a
// directory move absorbs identical child moves reported separately by the
// watcher.
func (b *Buffer) absorbChildMoves(fromLower, toLower string) {
	fromPrefix := fromLower
	if !strings.HasSuffix(fromPrefix, "/") {
		fromPrefix += "/"
	}

	toPrefix := toLower
	if !strings.HasSuffix(toPrefix, "/") {
		toPrefix += "/"
	}

	for key, ev := range b.pending {
		if ev.ChangeType != ChangeMoved {
			continue
		}

		if !strings.HasPrefix(ev.DbxPathFromLower, fromPrefix) || !strings.HasPrefix(key, toPrefix) {
			continue
		}

		if ev.DbxPathFromLower[len(fromPrefix):] == key[len(toPrefix):] {
			delete(b.pending, key)
		}
	}
}

// set stores ev as the pending entry for key, replacing whatever was there.
func (b *Buffer) set(key string, ev SyncEvent) {
	e := ev
	b.pending[key] = &e
}
