// Package sync implements the bidirectional sync engine for dropbox-go.
// It provides index storage, delta processing, local filesystem watching,
// filtering, planning, conflict resolution, and execution — the full sync
// pipeline in both directions.
package sync

import (
	"context"
	"io"
	"time"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// ItemType represents the kind of a tracked item.
type ItemType string

// Item types as stored in the item_type column.
const (
	ItemTypeFile    ItemType = "file"
	ItemTypeFolder  ItemType = "folder"
	ItemTypeUnknown ItemType = "unknown" // remote deletes whose prior type is unknown
)

// IndexEntry is a row per remote item ever seen locally.
// dbx_path_lower is the primary key.
type IndexEntry struct {
	DbxPathLower  string   // normalised path, primary key
	DbxPathCased  string   // display-cased path
	DbxID         string   // opaque remote ID
	ItemType      ItemType // File or Folder
	LastSync      int64    // local ctime (Unix nanoseconds) at last successful upload
	Rev           string   // remote revision for files; sentinel "folder" for folders
	ContentHash   string   // hash for files, "folder" for folders, may be empty
	SymlinkTarget string   // recorded symlink target, empty if not a symlink

	CreatedAt int64 // row creation (Unix nanoseconds)
	UpdatedAt int64 // row last update (Unix nanoseconds)
}

// IsFolder reports whether the entry describes a folder.
func (e *IndexEntry) IsFolder() bool {
	return e.ItemType == ItemTypeFolder
}

// HashCacheEntry caches a locally computed content hash keyed by inode, to
// avoid rehashing unchanged files. Valid only while (inode, mtime) still
// match the file on disk.
type HashCacheEntry struct {
	Inode     uint64 // primary key
	LocalPath string
	Mtime     int64 // Unix nanoseconds
	HashStr   string
}

// Direction indicates which way a SyncEvent is travelling through a
// pipeline.
type Direction string

// Directions a SyncEvent may travel.
const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ChangeType classifies the kind of filesystem or remote change a SyncEvent
// represents.
type ChangeType string

// Change types produced by normalisation (local) or classification (remote).
const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeMoved    ChangeType = "moved"
	ChangeModified ChangeType = "modified"
)

// EventStatus tracks a SyncEvent's progress through a pipeline.
type EventStatus string

// Event statuses.
const (
	StatusQueued   EventStatus = "queued"
	StatusSyncing  EventStatus = "syncing"
	StatusDone     EventStatus = "done"
	StatusFailed   EventStatus = "failed"
	StatusSkipped  EventStatus = "skipped"
	StatusAborted  EventStatus = "aborted"
	StatusConflict EventStatus = "conflict"
)

// SyncEvent is a transient description of a single change propagating
// through a pipeline. It exists only in memory.
type SyncEvent struct {
	Direction  Direction
	ItemType   ItemType
	ChangeType ChangeType

	DbxPath      string
	DbxPathLower string
	LocalPath    string

	// Populated for Moved events only.
	DbxPathFrom      string
	DbxPathFromLower string
	LocalPathFrom    string

	Rev           string
	ContentHash   string
	SymlinkTarget string

	ChangeTime int64 // ctime / client_modified, Unix nanoseconds
	SyncTime   int64 // Unix nanoseconds
	ChangeDbID string

	Status EventStatus

	Size      int64
	Completed int64 // bytes transferred so far, for progress reporting
}

// SyncErrorKind is the error taxonomy used for per-item sync failures.
type SyncErrorKind string

// Error kinds recorded in SyncErrorEntry.
const (
	ErrKindPath                    SyncErrorKind = "path"
	ErrKindInsufficientPermissions SyncErrorKind = "insufficient_permissions"
	ErrKindInsufficientSpace       SyncErrorKind = "insufficient_space"
	ErrKindFileConflict            SyncErrorKind = "file_conflict"
	ErrKindFolderConflict          SyncErrorKind = "folder_conflict"
	ErrKindConflict                SyncErrorKind = "conflict"
	ErrKindNotFound                SyncErrorKind = "not_found"
	ErrKindIsAFolder               SyncErrorKind = "is_a_folder"
	ErrKindNotAFolder              SyncErrorKind = "not_a_folder"
	ErrKindFileSize                SyncErrorKind = "file_size"
	ErrKindSymlinkError            SyncErrorKind = "symlink_error"
	ErrKindUnsupportedFile         SyncErrorKind = "unsupported_file"
	ErrKindRestrictedContent       SyncErrorKind = "restricted_content"
	ErrKindDataCorruption          SyncErrorKind = "data_corruption"
)

// SyncErrorEntry is a persisted record for one unresolved sync problem,
// keyed by normalised path.
type SyncErrorEntry struct {
	DbxPathLower string
	DbxPath      string
	Direction    Direction
	Kind         SyncErrorKind
	Title        string
	Message      string
	DetectedAt   int64 // Unix nanoseconds
}

// ConflictResolution describes how a conflict was resolved.
type ConflictResolution string

// Conflict resolution strategies.
const (
	ConflictUnresolved ConflictResolution = "unresolved"
	ConflictKeepBoth   ConflictResolution = "keep_both"
	ConflictKeepLocal  ConflictResolution = "keep_local"
	ConflictKeepRemote ConflictResolution = "keep_remote"
	ConflictManual     ConflictResolution = "manual"
)

// ConflictReason mirrors pathmap's cc_name reasons, persisted for reporting.
type ConflictReason string

// Reasons a conflict copy was created.
const (
	ConflictReasonContent       ConflictReason = "conflicting copy"
	ConflictReasonSelectiveSync ConflictReason = "selective sync conflict"
	ConflictReasonCase          ConflictReason = "case conflict"
)

// ConflictRecord represents a conflict-copy event recorded for reporting.
type ConflictRecord struct {
	ID           string
	DbxPathLower string
	DbxPath      string // path at time of conflict detection
	ConflictPath string // path of the renamed conflict copy
	Reason       ConflictReason
	DetectedAt   int64 // Unix nanoseconds
	Resolution   ConflictResolution
	ResolvedAt   int64
}

// ActionType is the kind of sync action the planner emits for the worker
// pool to execute.
type ActionType int

// Action types produced by the planner.
const (
	ActionUpload       ActionType = iota // push local file to remote (add/update/overwrite)
	ActionDownload                       // pull remote file to local
	ActionCreateFolder                   // create folder, local or remote
	ActionMove                           // rename/move, local or remote
	ActionDelete                         // delete, local or remote
	ActionConflictCopy                   // rename local item to a conflict-copy name
	ActionIndexOnly                      // no transfer; only update the IndexEntry
	ActionCleanup                        // remove a stale index row
)

// WriteMode is the remote write mode used for an upload action.
type WriteMode string

// Remote write modes.
const (
	WriteAdd       WriteMode = "add"
	WriteUpdate    WriteMode = "update"
	WriteOverwrite WriteMode = "overwrite"
)

// Action represents a single planned operation produced by the planner.
type Action struct {
	Type      ActionType
	Direction Direction

	DbxPath      string
	DbxPathLower string
	LocalPath    string

	// Populated for ActionMove only.
	DbxPathTo      string
	DbxPathToLower string
	LocalPathTo    string

	WriteMode      WriteMode // for ActionUpload
	ExpectRev      string    // for WriteUpdate: the rev expected to still be current
	ContentHash    string    // for ActionIndexOnly: the hash to record
	ItemType       ItemType
	Size           int64
	ConflictOf     *Action        // set for a conflict-copy rename preceding a retry
	ConflictReason ConflictReason // for ActionConflictCopy: why the copy was made
}

// ActionPlan is the ordered collection of actions produced by the planner
// for one pipeline pass, grouped for correct execution ordering.
type ActionPlan struct {
	Deletes       []Action // depth-first; applied before creates at the same path
	FolderCreates []Action // sorted by depth ascending
	Moves         []Action // folders first, then files
	Uploads       []Action // parallel, prefix-serialised
	Downloads     []Action // parallel, prefix-serialised
	IndexOnly     []Action // hash-equal shortcuts, bookkeeping
	Cleanups      []Action
}

// TotalActions returns the total number of actions across all categories.
func (p *ActionPlan) TotalActions() int {
	return len(p.Deletes) + len(p.FolderCreates) + len(p.Moves) +
		len(p.Uploads) + len(p.Downloads) + len(p.IndexOnly) + len(p.Cleanups)
}

// Outcome is what an Executor method returns after attempting one Action:
// either a fatal error, a recoverable SyncErrorEntry, or a successful index
// mutation to commit.
type Outcome struct {
	Action  Action
	Success bool

	// Populated on success: the resulting IndexEntry to upsert, or nil if
	// the action was a deletion (in which case Deleted is true).
	Entry   *IndexEntry
	Deleted bool

	// Populated on a recoverable failure.
	SyncError *SyncErrorEntry

	// Populated when the action produced a conflict copy that must be
	// queued as a new upload.
	ConflictRecord *ConflictRecord
}

// FilterResult indicates whether a path should be synced and why not.
type FilterResult struct {
	Included bool
	Reason   string // empty when included, explanation when excluded
}

// --- Consumer-defined interfaces for the remote client ---
// These decouple the sync package from dropbox's concrete types, following
// the "accept interfaces, return structs" convention.

// RemoteClient is the minimal abstract client the engine consumes.
type RemoteClient interface {
	AccountInfo(ctx context.Context) (*dropbox.Account, error)

	ListFolder(ctx context.Context, path string, recursive bool) (*dropbox.ListFolderResult, error)
	ListFolderContinue(ctx context.Context, cursor string) (*dropbox.ListFolderResult, error)
	GetLatestCursor(ctx context.Context, path string, recursive bool) (string, error)
	WaitForRemoteChanges(ctx context.Context, cursor string, timeout time.Duration) (changed bool, backoff time.Duration, err error)

	Download(ctx context.Context, dbxPath string, w io.Writer) (*dropbox.FileMetadata, error)
	Upload(ctx context.Context, r io.Reader, size int64, dbxPath string, mode dropbox.WriteMode, rev string, clientModified time.Time) (*dropbox.FileMetadata, error)
	CreateFolder(ctx context.Context, dbxPath string) (*dropbox.FolderMetadata, error)
	Move(ctx context.Context, src, dst string, autorename bool) (dropbox.Metadata, error)
	Delete(ctx context.Context, dbxPath string) (dropbox.Metadata, error)
}

// Store is the interface for the index database. All sync components
// operate against this interface rather than the concrete SQLite
// implementation.
type Store interface {
	Get(ctx context.Context, dbxPathLower string) (*IndexEntry, error)
	Put(ctx context.Context, entry *IndexEntry) error
	Delete(ctx context.Context, dbxPathLower string) error
	IterSubtree(ctx context.Context, dbxPathLower string) ([]*IndexEntry, error)
	Count(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	ListAll(ctx context.Context) ([]*IndexEntry, error)

	// ApplyBatch runs fn inside a single transaction, so index mutations
	// and the resulting cursor update are atomic (invariant 5).
	ApplyBatch(ctx context.Context, fn func(tx StoreTx) error) error

	// Hash cache
	GetHashCache(ctx context.Context, inode uint64) (*HashCacheEntry, error)
	PutHashCache(ctx context.Context, entry *HashCacheEntry) error

	// Sync errors
	PutSyncError(ctx context.Context, entry *SyncErrorEntry) error
	DeleteSyncError(ctx context.Context, dbxPathLower string) error
	ListSyncErrors(ctx context.Context) ([]*SyncErrorEntry, error)

	// Conflicts
	RecordConflict(ctx context.Context, record *ConflictRecord) error
	ListConflicts(ctx context.Context) ([]*ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, resolution ConflictResolution) error

	// Selective sync
	ExcludeItem(ctx context.Context, dbxPathLower string) error
	IncludeItem(ctx context.Context, dbxPathLower string) error
	ListExcludedItems(ctx context.Context) ([]string, error)
	IsExcluded(ctx context.Context, dbxPathLower string) (bool, error)

	// Cursors and settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Checkpoint() error
	Close() error
}

// StoreTx is the subset of Store operations usable inside ApplyBatch.
type StoreTx interface {
	Put(entry *IndexEntry) error
	Delete(dbxPathLower string) error
	SetSetting(key, value string) error
}

// Filter determines whether a path should be included in sync. It
// encapsulates the layered filter cascade (name validation, selective
// sync exclusions, .mignore patterns).
type Filter interface {
	ShouldSync(dbxPathLower string, isDir bool, size int64) FilterResult
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively. Conversion
// happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds. Returns 0 for the
// zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// secondsPerNano is the divisor to truncate nanoseconds to seconds
// precision.
const secondsPerNano = int64(time.Second)

// TruncateToSeconds truncates a nanosecond timestamp to whole-second
// precision. The remote service does not store fractional seconds, so
// comparisons must use truncated values to avoid false positives from
// filesystem timestamp precision differences.
func TruncateToSeconds(ns int64) int64 {
	return (ns / secondsPerNano) * secondsPerNano
}

// NewFilterConfig extracts the filter configuration needed by the filter
// engine from a resolved profile configuration.
func NewFilterConfig(resolved *config.ResolvedProfile) config.FilterConfig {
	return resolved.Filter
}
