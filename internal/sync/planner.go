// Planner turns a batch of normalised SyncEvents (up direction) or remote
// Metadata entries (down direction) into an ActionPlan: a set of Actions
// bucketed and ordered so the worker pool can execute them safely (deletes
// before creates, folders before files, moves correlated from matching
// delete/create pairs).
package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dbxhash"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// ErrBigDeleteTriggered is returned by Plan* when a batch would delete more
// items than the configured safety threshold allows. The caller should
// surface this to the user rather than applying the plan.
var ErrBigDeleteTriggered = fmt.Errorf("sync: delete count exceeds safety threshold")

// Planner classifies a batch of changes against the current index snapshot
// and produces an ActionPlan.
type Planner struct {
	filter Filter
	mapper *pathmap.Mapper
	safety config.SafetyConfig
	store  Store
	logger *slog.Logger
}

// NewPlanner creates a Planner. store is consulted for selective-sync
// exclusions and for the local hash cache used to detect content
// conflicts; it may be nil in tests that never exercise
// either path.
func NewPlanner(filter Filter, mapper *pathmap.Mapper, safety config.SafetyConfig, store Store, logger *slog.Logger) *Planner {
	return &Planner{filter: filter, mapper: mapper, safety: safety, store: store, logger: logger}
}

// PlanUp classifies a batch of local SyncEvents against the index snapshot
// and returns the up-direction ActionPlan.
func (p *Planner) PlanUp(ctx context.Context, events []SyncEvent, index map[string]*IndexEntry) (*ActionPlan, error) {
	plan := &ActionPlan{}

	var moveCandidatesDel []SyncEvent
	var moveCandidatesAdd []SyncEvent

	for _, ev := range events {
		switch ev.ChangeType {
		case ChangeMoved:
			p.planUpMove(ev, index, plan)
		case ChangeRemoved:
			p.planUpRemoved(ev, index, plan, &moveCandidatesDel)
		case ChangeAdded, ChangeModified:
			p.planUpUpsert(ev, index, plan, &moveCandidatesAdd)
		}
	}

	correlateMoves(moveCandidatesDel, moveCandidatesAdd, DirectionUp, plan)

	sortPlan(plan)

	if err := p.checkBigDelete(len(plan.Deletes), len(index)); err != nil {
		return nil, err
	}

	return plan, nil
}

func (p *Planner) planUpMove(ev SyncEvent, index map[string]*IndexEntry, plan *ActionPlan) {
	act := Action{
		Type:           ActionMove,
		Direction:      DirectionUp,
		DbxPath:        ev.DbxPathFrom,
		DbxPathLower:   ev.DbxPathFromLower,
		LocalPath:      ev.LocalPathFrom,
		DbxPathTo:      ev.DbxPath,
		DbxPathToLower: ev.DbxPathLower,
		LocalPathTo:    ev.LocalPath,
		ItemType:       ev.ItemType,
		Size:           ev.Size,
	}

	if _, ok := index[ev.DbxPathFromLower]; !ok {
		// No prior index entry for the source: nothing to move remotely,
		// treat the destination as a fresh item instead.
		p.planUpUpsert(SyncEvent{
			Direction:    DirectionUp,
			ItemType:     ev.ItemType,
			ChangeType:   ChangeAdded,
			DbxPath:      ev.DbxPath,
			DbxPathLower: ev.DbxPathLower,
			LocalPath:    ev.LocalPath,
			ContentHash:  ev.ContentHash,
			Size:         ev.Size,
			ChangeTime:   ev.ChangeTime,
		}, index, plan, &[]SyncEvent{})

		return
	}

	plan.Moves = append(plan.Moves, act)
}

func (p *Planner) planUpRemoved(ev SyncEvent, index map[string]*IndexEntry, plan *ActionPlan, moveCandidates *[]SyncEvent) {
	entry, ok := index[ev.DbxPathLower]
	if !ok {
		return
	}

	act := Action{
		Type:         ActionDelete,
		Direction:    DirectionUp,
		DbxPath:      entry.DbxPathCased,
		DbxPathLower: ev.DbxPathLower,
		LocalPath:    ev.LocalPath,
		ItemType:     entry.ItemType,
	}

	plan.Deletes = append(plan.Deletes, act)
	*moveCandidates = append(*moveCandidates, ev)
}

func (p *Planner) planUpUpsert(ev SyncEvent, index map[string]*IndexEntry, plan *ActionPlan, moveCandidates *[]SyncEvent) {
	if p.store != nil {
		if excluded, err := p.store.IsExcluded(context.Background(), ev.DbxPathLower); err == nil && excluded {
			// A locally-recreated item under an excluded subtree: preserve it
			// under a conflict-copy name rather than silently dropping it, so
			// the exclusion itself stays intact.
			plan.Uploads = append(plan.Uploads, Action{
				Type:           ActionConflictCopy,
				Direction:      DirectionUp,
				DbxPath:        ev.DbxPath,
				DbxPathLower:   ev.DbxPathLower,
				LocalPath:      ev.LocalPath,
				ItemType:       ev.ItemType,
				ConflictReason: ConflictReasonSelectiveSync,
			})

			return
		}
	}

	result := p.filter.ShouldSync(ev.DbxPathLower, ev.ItemType == ItemTypeFolder, ev.Size)
	if !result.Included {
		p.logger.Debug("skipping filtered path", "path", ev.DbxPathLower, "reason", result.Reason)
		return
	}

	entry, hasEntry := index[ev.DbxPathLower]

	if ev.ItemType == ItemTypeFolder {
		if hasEntry && entry.IsFolder() {
			return
		}

		plan.FolderCreates = append(plan.FolderCreates, Action{
			Type:         ActionCreateFolder,
			Direction:    DirectionUp,
			DbxPath:      ev.DbxPath,
			DbxPathLower: ev.DbxPathLower,
			LocalPath:    ev.LocalPath,
			ItemType:     ItemTypeFolder,
		})

		return
	}

	// The local filesystem is case-sensitive but the remote service folds
	// case, so a second, distinct file whose path differs from the indexed
	// one only in case collides with it. Rename the newcomer aside instead
	// of treating it as a modification of the original.
	if hasEntry && entry.ItemType == ItemTypeFile && ev.ChangeType == ChangeAdded &&
		entry.DbxPathCased != "" && entry.DbxPathCased != ev.DbxPath {
		plan.Uploads = append(plan.Uploads, Action{
			Type:           ActionConflictCopy,
			Direction:      DirectionUp,
			DbxPath:        ev.DbxPath,
			DbxPathLower:   ev.DbxPathLower,
			LocalPath:      ev.LocalPath,
			ItemType:       ItemTypeFile,
			ConflictReason: ConflictReasonCase,
		})

		return
	}

	if hasEntry && entry.ItemType == ItemTypeFile && entry.ContentHash == ev.ContentHash && ev.ContentHash != "" {
		plan.IndexOnly = append(plan.IndexOnly, Action{
			Type:         ActionIndexOnly,
			Direction:    DirectionUp,
			DbxPath:      ev.DbxPath,
			DbxPathLower: ev.DbxPathLower,
			LocalPath:    ev.LocalPath,
			ItemType:     ItemTypeFile,
			ContentHash:  ev.ContentHash,
			Size:         ev.Size,
		})

		return
	}

	// A queued event can go stale before it is planned (most commonly a
	// pause during which a down-sync won the path): when the file's
	// current on-disk content already matches the index, there is nothing
	// left to push, and uploading would only echo the other side's write
	// back at it.
	if hasEntry && entry.ItemType == ItemTypeFile && entry.ContentHash != "" && ev.LocalPath != "" {
		localHash, exists, err := p.localContentHash(ev.LocalPath)
		if err == nil && exists && localHash == entry.ContentHash {
			return
		}
	}

	// Untracked files upload with add (the server autorenames on
	// collision); tracked files upload with update pinned to the indexed
	// rev. Either collision outcome is converted into a conflict copy by
	// the executor, not reported as a sync error.
	mode := WriteAdd
	expectRev := ""

	if hasEntry {
		mode = WriteUpdate
		expectRev = entry.Rev
	}

	plan.Uploads = append(plan.Uploads, Action{
		Type:         ActionUpload,
		Direction:    DirectionUp,
		DbxPath:      ev.DbxPath,
		DbxPathLower: ev.DbxPathLower,
		LocalPath:    ev.LocalPath,
		WriteMode:    mode,
		ExpectRev:    expectRev,
		ItemType:     ItemTypeFile,
		Size:         ev.Size,
	})

	*moveCandidates = append(*moveCandidates, ev)
}

// PlanDown classifies a batch of remote Metadata entries against the index
// snapshot and returns the down-direction ActionPlan.
func (p *Planner) PlanDown(ctx context.Context, entries []dropbox.Metadata, index map[string]*IndexEntry) (*ActionPlan, error) {
	plan := &ActionPlan{}

	var moveCandidatesDel []SyncEvent
	var moveCandidatesAdd []SyncEvent

	for _, md := range entries {
		switch m := md.(type) {
		case *dropbox.DeletedMetadata:
			p.planDownDeleted(m, index, plan, &moveCandidatesDel)
		case *dropbox.FolderMetadata:
			p.planDownFolder(m, index, plan)
		case *dropbox.FileMetadata:
			p.planDownFile(m, index, plan, &moveCandidatesAdd)
		}
	}

	correlateMoves(moveCandidatesDel, moveCandidatesAdd, DirectionDown, plan)

	sortPlan(plan)

	if err := p.checkBigDelete(len(plan.Deletes), len(index)); err != nil {
		return nil, err
	}

	return plan, nil
}

func (p *Planner) planDownDeleted(m *dropbox.DeletedMetadata, index map[string]*IndexEntry, plan *ActionPlan, moveCandidates *[]SyncEvent) {
	lower := pathmap.Normalise(m.PathLower)

	entry, ok := index[lower]
	if !ok {
		return
	}

	plan.Deletes = append(plan.Deletes, Action{
		Type:         ActionDelete,
		Direction:    DirectionDown,
		DbxPath:      entry.DbxPathCased,
		DbxPathLower: lower,
		LocalPath:    p.mapper.ToLocal(entry.DbxPathCased),
		ItemType:     entry.ItemType,
	})

	*moveCandidates = append(*moveCandidates, SyncEvent{
		DbxPath:      m.PathDisplay,
		DbxPathLower: lower,
		ChangeDbID:   entry.DbxID,
		ItemType:     entry.ItemType,
	})
}

func (p *Planner) planDownFolder(m *dropbox.FolderMetadata, index map[string]*IndexEntry, plan *ActionPlan) {
	lower := pathmap.Normalise(m.PathLower)

	if entry, ok := index[lower]; ok && entry.IsFolder() {
		return
	}

	result := p.filter.ShouldSync(lower, true, 0)
	if !result.Included {
		return
	}

	plan.FolderCreates = append(plan.FolderCreates, Action{
		Type:         ActionCreateFolder,
		Direction:    DirectionDown,
		DbxPath:      m.PathDisplay,
		DbxPathLower: lower,
		LocalPath:    p.mapper.ToLocal(m.PathDisplay),
		ItemType:     ItemTypeFolder,
	})
}

func (p *Planner) planDownFile(m *dropbox.FileMetadata, index map[string]*IndexEntry, plan *ActionPlan, moveCandidates *[]SyncEvent) {
	lower := pathmap.Normalise(m.PathLower)

	result := p.filter.ShouldSync(lower, false, m.Size)
	if !result.Included {
		return
	}

	entry, hasEntry := index[lower]

	if hasEntry && entry.ItemType == ItemTypeFile && entry.Rev == m.Rev {
		return
	}

	if hasEntry && entry.ItemType == ItemTypeFile && entry.ContentHash == m.ContentHash && m.ContentHash != "" {
		plan.IndexOnly = append(plan.IndexOnly, Action{
			Type:         ActionIndexOnly,
			Direction:    DirectionDown,
			DbxPath:      m.PathDisplay,
			DbxPathLower: lower,
			LocalPath:    p.mapper.ToLocal(m.PathDisplay),
			ItemType:     ItemTypeFile,
			ExpectRev:    m.Rev,
			ContentHash:  m.ContentHash,
			Size:         m.Size,
		})

		return
	}

	localPath := p.mapper.ToLocal(m.PathDisplay)

	downloadAction := Action{
		Type:         ActionDownload,
		Direction:    DirectionDown,
		DbxPath:      m.PathDisplay,
		DbxPathLower: lower,
		LocalPath:    localPath,
		ItemType:     ItemTypeFile,
		ExpectRev:    m.Rev,
		Size:         m.Size,
	}

	if hasEntry && entry.ItemType == ItemTypeFile {
		localHash, exists, err := p.localContentHash(localPath)
		switch {
		case err != nil:
			p.logger.Warn("content conflict check: hashing local file failed", "path", lower, "error", err)
		case exists && localHash != entry.ContentHash:
			// The local file changed since the last sync while the remote
			// also changed: preserve the local edit under a conflict-copy
			// name, then let the remote version win at the original path
			//.
			act := downloadAction

			plan.Downloads = append(plan.Downloads, Action{
				Type:           ActionConflictCopy,
				Direction:      DirectionDown,
				DbxPath:        entry.DbxPathCased,
				DbxPathLower:   lower,
				LocalPath:      localPath,
				ItemType:       ItemTypeFile,
				ConflictReason: ConflictReasonContent,
				ConflictOf:     &act,
			})

			*moveCandidates = append(*moveCandidates, SyncEvent{
				DbxPath:      m.PathDisplay,
				DbxPathLower: lower,
				ChangeDbID:   m.ID,
				ItemType:     ItemTypeFile,
			})

			return
		}
	}

	plan.Downloads = append(plan.Downloads, downloadAction)

	*moveCandidates = append(*moveCandidates, SyncEvent{
		DbxPath:      m.PathDisplay,
		DbxPathLower: lower,
		ChangeDbID:   m.ID,
		ItemType:     ItemTypeFile,
	})
}

// localContentHash computes the content hash of the local file at fsPath,
// consulting the store's inode/mtime hash cache first. It reports
// exists=false (no error) when the file is absent or not a regular file,
// which the caller treats as "nothing to compare against".
func (p *Planner) localContentHash(fsPath string) (hash string, exists bool, err error) {
	info, statErr := os.Lstat(fsPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", false, nil
		}

		return "", false, statErr
	}

	if !info.Mode().IsRegular() {
		return "", false, nil
	}

	ino, ok := inodeOf(info)
	mtime := info.ModTime().UnixNano()

	if ok && p.store != nil {
		if cached, cacheErr := p.store.GetHashCache(context.Background(), ino); cacheErr == nil && cached != nil {
			if cached.Mtime == mtime && cached.LocalPath == fsPath {
				return cached.HashStr, true, nil
			}
		}
	}

	f, openErr := os.Open(fsPath)
	if openErr != nil {
		return "", true, openErr
	}
	defer f.Close()

	h := dbxhash.New()
	if _, copyErr := io.Copy(h, f); copyErr != nil {
		return "", true, copyErr
	}

	hash = h.SumHex()

	if ok && p.store != nil {
		_ = p.store.PutHashCache(context.Background(), &HashCacheEntry{
			Inode: ino, LocalPath: fsPath, Mtime: mtime, HashStr: hash,
		})
	}

	return hash, true, nil
}

// correlateMoves scans deleted and newly-created paths for matching remote
// IDs, replacing the delete/create pair with a single Move action. Both the
// up and down pipelines feed move candidates through here: the watcher
// reports moves directly (ChangeMoved), but a remote move surfaces in the
// delta feed as an independent delete+add pair sharing an item ID, so this
// is the only place that reconstructs it.
func correlateMoves(deleted, created []SyncEvent, dir Direction, plan *ActionPlan) {
	if len(deleted) == 0 || len(created) == 0 {
		return
	}

	byID := make(map[string]SyncEvent, len(deleted))

	for _, ev := range deleted {
		if ev.ChangeDbID != "" {
			byID[ev.ChangeDbID] = ev
		}
	}

	for _, created := range created {
		if created.ChangeDbID == "" {
			continue
		}

		from, ok := byID[created.ChangeDbID]
		if !ok || from.DbxPathLower == created.DbxPathLower {
			continue
		}

		removeDeleteAction(plan, from.DbxPathLower)
		removeCreateAction(plan, created.DbxPathLower)

		plan.Moves = append(plan.Moves, Action{
			Type:           ActionMove,
			Direction:      dir,
			DbxPath:        from.DbxPath,
			DbxPathLower:   from.DbxPathLower,
			DbxPathTo:      created.DbxPath,
			DbxPathToLower: created.DbxPathLower,
			ItemType:       created.ItemType,
		})

		delete(byID, created.ChangeDbID)
	}
}

func removeDeleteAction(plan *ActionPlan, dbxPathLower string) {
	for i, a := range plan.Deletes {
		if a.DbxPathLower == dbxPathLower {
			plan.Deletes = append(plan.Deletes[:i], plan.Deletes[i+1:]...)
			return
		}
	}
}

func removeCreateAction(plan *ActionPlan, dbxPathLower string) {
	for i, a := range plan.Uploads {
		if a.DbxPathLower == dbxPathLower {
			plan.Uploads = append(plan.Uploads[:i], plan.Uploads[i+1:]...)
			return
		}
	}

	for i, a := range plan.Downloads {
		if a.DbxPathLower == dbxPathLower {
			plan.Downloads = append(plan.Downloads[:i], plan.Downloads[i+1:]...)
			return
		}
	}
}

// sortPlan orders each bucket deterministically: deletes depth-first
// (deepest paths first, so a directory's contents are removed before the
// directory itself), folder creates shallowest-first, and moves/uploads/
// downloads lexically for reproducible test output and predictable logs.
func sortPlan(plan *ActionPlan) {
	sort.Slice(plan.Deletes, func(i, j int) bool {
		return pathDepth(plan.Deletes[i].DbxPathLower) > pathDepth(plan.Deletes[j].DbxPathLower)
	})

	sort.Slice(plan.FolderCreates, func(i, j int) bool {
		di, dj := pathDepth(plan.FolderCreates[i].DbxPathLower), pathDepth(plan.FolderCreates[j].DbxPathLower)
		if di != dj {
			return di < dj
		}

		return plan.FolderCreates[i].DbxPathLower < plan.FolderCreates[j].DbxPathLower
	})

	sort.Slice(plan.Moves, func(i, j int) bool {
		return plan.Moves[i].DbxPathLower < plan.Moves[j].DbxPathLower
	})

	sort.Slice(plan.Uploads, func(i, j int) bool {
		return plan.Uploads[i].DbxPathLower < plan.Uploads[j].DbxPathLower
	})

	sort.Slice(plan.Downloads, func(i, j int) bool {
		return plan.Downloads[i].DbxPathLower < plan.Downloads[j].DbxPathLower
	})
}

func pathDepth(p string) int {
	trimmed := strings.Trim(path.Clean(p), "/")
	if trimmed == "" {
		return 0
	}

	return strings.Count(trimmed, "/") + 1
}

// checkBigDelete returns ErrBigDeleteTriggered if deleteCount exceeds the
// configured absolute or percentage threshold. Applies equally to startup
// reconciliation passes and live batches.
func (p *Planner) checkBigDelete(deleteCount, indexCount int) error {
	if deleteCount < p.safety.BigDeleteMinItems {
		return nil
	}

	if p.safety.BigDeleteThreshold > 0 && deleteCount >= p.safety.BigDeleteThreshold {
		return fmt.Errorf("%w: %d items (absolute threshold %d)", ErrBigDeleteTriggered, deleteCount, p.safety.BigDeleteThreshold)
	}

	if p.safety.BigDeletePercentage > 0 && indexCount > 0 {
		pct := deleteCount * 100 / indexCount
		if pct >= p.safety.BigDeletePercentage {
			return fmt.Errorf("%w: %d%% of index (threshold %d%%)", ErrBigDeleteTriggered, pct, p.safety.BigDeletePercentage)
		}
	}

	return nil
}
