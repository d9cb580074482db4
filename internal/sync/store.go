package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/dropbox-go/internal/pathmap"
)

// SQL statements for index entry operations.
const (
	sqlGetEntry = `SELECT dbx_path_lower, dbx_path_cased, dbx_id, item_type,
		last_sync, rev, content_hash, symlink_target, created_at, updated_at
		FROM index_entries WHERE dbx_path_lower = ?`

	sqlListAllEntries = `SELECT dbx_path_lower, dbx_path_cased, dbx_id, item_type,
		last_sync, rev, content_hash, symlink_target, created_at, updated_at
		FROM index_entries`

	sqlIterSubtree = `SELECT dbx_path_lower, dbx_path_cased, dbx_id, item_type,
		last_sync, rev, content_hash, symlink_target, created_at, updated_at
		FROM index_entries
		WHERE dbx_path_lower = ? OR dbx_path_lower LIKE ? ESCAPE '\'`

	sqlCountEntries = `SELECT COUNT(*) FROM index_entries`

	sqlClearEntries = `DELETE FROM index_entries`

	sqlUpsertEntry = `INSERT INTO index_entries
		(dbx_path_lower, dbx_path_cased, dbx_id, item_type, last_sync, rev,
		 content_hash, symlink_target, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dbx_path_lower) DO UPDATE SET
		 dbx_path_cased = excluded.dbx_path_cased,
		 dbx_id = excluded.dbx_id,
		 item_type = excluded.item_type,
		 last_sync = excluded.last_sync,
		 rev = excluded.rev,
		 content_hash = excluded.content_hash,
		 symlink_target = excluded.symlink_target,
		 updated_at = excluded.updated_at`

	sqlDeleteEntry = `DELETE FROM index_entries WHERE dbx_path_lower = ?`

	sqlGetHashCache = `SELECT inode, local_path, mtime, hash_str FROM hash_cache WHERE inode = ?`

	sqlUpsertHashCache = `INSERT INTO hash_cache (inode, local_path, mtime, hash_str)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(inode) DO UPDATE SET
		 local_path = excluded.local_path,
		 mtime = excluded.mtime,
		 hash_str = excluded.hash_str`

	sqlUpsertSyncError = `INSERT INTO sync_errors
		(dbx_path_lower, dbx_path, direction, kind, title, message, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dbx_path_lower) DO UPDATE SET
		 dbx_path = excluded.dbx_path,
		 direction = excluded.direction,
		 kind = excluded.kind,
		 title = excluded.title,
		 message = excluded.message,
		 detected_at = excluded.detected_at`

	sqlDeleteSyncError = `DELETE FROM sync_errors WHERE dbx_path_lower = ?`

	sqlListSyncErrors = `SELECT dbx_path_lower, dbx_path, direction, kind, title, message, detected_at
		FROM sync_errors ORDER BY detected_at`

	sqlInsertConflict = `INSERT INTO conflicts
		(id, dbx_path_lower, dbx_path, conflict_path, reason, detected_at, resolution, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListConflicts = `SELECT id, dbx_path_lower, dbx_path, conflict_path, reason,
		detected_at, resolution, resolved_at
		FROM conflicts ORDER BY detected_at DESC`

	sqlResolveConflict = `UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE id = ?`

	sqlExcludeItem = `INSERT INTO excluded_items (dbx_path_lower, excluded_at)
		VALUES (?, ?) ON CONFLICT(dbx_path_lower) DO NOTHING`

	sqlIncludeItem = `DELETE FROM excluded_items WHERE dbx_path_lower = ?`

	sqlListExcludedItems = `SELECT dbx_path_lower FROM excluded_items`

	sqlGetSetting = `SELECT value FROM settings WHERE key = ?`

	sqlSetSetting = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// SQLiteStore is the SQLite-backed implementation of Store.
// It owns a single connection (sole-writer pattern) so index mutations
// never race each other; concurrent readers go through the same
// connection, which modernc.org/sqlite serialises internally.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if necessary) the index database at
// dbPath, runs pending migrations, and returns a ready-to-use store.
// WAL mode plus synchronous=NORMAL trades a small durability window
// (loses at most the last WAL-synced transaction on an OS crash) for
// throughput — acceptable because the index is a derived cache that a
// rebuild_index can always reconstruct from the remote tree.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection, so writes never contend.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("index store initialized", slog.String("db_path", dbPath))

	return &SQLiteStore{db: db, logger: logger}, nil
}

func scanEntry(row interface{ Scan(...any) error }) (*IndexEntry, error) {
	e := &IndexEntry{}

	var itemType string

	if err := row.Scan(
		&e.DbxPathLower, &e.DbxPathCased, &e.DbxID, &itemType,
		&e.LastSync, &e.Rev, &e.ContentHash, &e.SymlinkTarget,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	e.ItemType = ItemType(itemType)

	return e, nil
}

// Get returns the index entry for dbxPathLower, or nil if none exists.
func (s *SQLiteStore) Get(ctx context.Context, dbxPathLower string) (*IndexEntry, error) {
	row := s.db.QueryRowContext(ctx, sqlGetEntry, dbxPathLower)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("sync: getting index entry %s: %w", dbxPathLower, err)
	}

	return entry, nil
}

// Put upserts entry into the index.
func (s *SQLiteStore) Put(ctx context.Context, entry *IndexEntry) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertEntry,
		entry.DbxPathLower, entry.DbxPathCased, entry.DbxID, string(entry.ItemType),
		entry.LastSync, entry.Rev, entry.ContentHash, entry.SymlinkTarget,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sync: upserting index entry %s: %w", entry.DbxPathLower, err)
	}

	return nil
}

// Delete removes the index entry for dbxPathLower. No error if absent.
func (s *SQLiteStore) Delete(ctx context.Context, dbxPathLower string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteEntry, dbxPathLower); err != nil {
		return fmt.Errorf("sync: deleting index entry %s: %w", dbxPathLower, err)
	}

	return nil
}

// likeEscape escapes LIKE metacharacters (%, _, \) in a path so it can be
// used as a LIKE prefix pattern.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}

		out = append(out, s[i])
	}

	return string(out)
}

// IterSubtree returns the entry at dbxPathLower (if any) plus every entry
// whose path is a descendant of it.
func (s *SQLiteStore) IterSubtree(ctx context.Context, dbxPathLower string) ([]*IndexEntry, error) {
	prefix := likeEscape(dbxPathLower)
	if prefix != "/" {
		prefix += "/"
	}

	rows, err := s.db.QueryContext(ctx, sqlIterSubtree, dbxPathLower, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("sync: iterating subtree %s: %w", dbxPathLower, err)
	}

	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*IndexEntry, error) {
	var entries []*IndexEntry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sync: scanning index entry: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: reading index rows: %w", err)
	}

	return entries, nil
}

// Count returns the total number of tracked index entries.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlCountEntries).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting index entries: %w", err)
	}

	return n, nil
}

// Clear removes every index entry. Used by rebuild_index before a full
// remote scan repopulates the table from scratch.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlClearEntries); err != nil {
		return fmt.Errorf("sync: clearing index: %w", err)
	}

	return nil
}

// ListAll returns every tracked index entry.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqlListAllEntries)
	if err != nil {
		return nil, fmt.Errorf("sync: listing index entries: %w", err)
	}

	defer rows.Close()

	return scanEntries(rows)
}

// sqlTx adapts *sql.Tx to StoreTx.
type sqlTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *sqlTx) Put(entry *IndexEntry) error {
	_, err := t.tx.ExecContext(t.ctx, sqlUpsertEntry,
		entry.DbxPathLower, entry.DbxPathCased, entry.DbxID, string(entry.ItemType),
		entry.LastSync, entry.Rev, entry.ContentHash, entry.SymlinkTarget,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sync: upserting index entry %s in tx: %w", entry.DbxPathLower, err)
	}

	return nil
}

func (t *sqlTx) Delete(dbxPathLower string) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteEntry, dbxPathLower); err != nil {
		return fmt.Errorf("sync: deleting index entry %s in tx: %w", dbxPathLower, err)
	}

	return nil
}

func (t *sqlTx) SetSetting(key, value string) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlSetSetting, key, value); err != nil {
		return fmt.Errorf("sync: setting %s in tx: %w", key, err)
	}

	return nil
}

// ApplyBatch runs fn inside one transaction so an index mutation and its
// accompanying cursor update commit atomically (invariant: the stored
// cursor never advances past what the index reflects).
func (s *SQLiteStore) ApplyBatch(ctx context.Context, fn func(tx StoreTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning transaction: %w", err)
	}

	if err := fn(&sqlTx{tx: tx, ctx: ctx}); err != nil {
		tx.Rollback() //nolint:errcheck // best-effort rollback, original error takes precedence

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing transaction: %w", err)
	}

	return nil
}

// GetHashCache returns the cached content hash for inode, or nil if absent.
func (s *SQLiteStore) GetHashCache(ctx context.Context, inode uint64) (*HashCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, sqlGetHashCache, inode)

	e := &HashCacheEntry{}
	if err := row.Scan(&e.Inode, &e.LocalPath, &e.Mtime, &e.HashStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // sentinel for "not found"
		}

		return nil, fmt.Errorf("sync: getting hash cache for inode %d: %w", inode, err)
	}

	return e, nil
}

// PutHashCache upserts a cached content hash.
func (s *SQLiteStore) PutHashCache(ctx context.Context, entry *HashCacheEntry) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertHashCache,
		entry.Inode, entry.LocalPath, entry.Mtime, entry.HashStr)
	if err != nil {
		return fmt.Errorf("sync: upserting hash cache for inode %d: %w", entry.Inode, err)
	}

	return nil
}

// PutSyncError records or replaces the unresolved error for a path.
func (s *SQLiteStore) PutSyncError(ctx context.Context, entry *SyncErrorEntry) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertSyncError,
		entry.DbxPathLower, entry.DbxPath, string(entry.Direction), string(entry.Kind),
		entry.Title, entry.Message, entry.DetectedAt)
	if err != nil {
		return fmt.Errorf("sync: recording sync error for %s: %w", entry.DbxPathLower, err)
	}

	return nil
}

// DeleteSyncError clears a previously recorded sync error, typically
// because a later attempt on the same path succeeded.
func (s *SQLiteStore) DeleteSyncError(ctx context.Context, dbxPathLower string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSyncError, dbxPathLower); err != nil {
		return fmt.Errorf("sync: clearing sync error for %s: %w", dbxPathLower, err)
	}

	return nil
}

// ListSyncErrors returns every currently unresolved sync error.
func (s *SQLiteStore) ListSyncErrors(ctx context.Context) ([]*SyncErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqlListSyncErrors)
	if err != nil {
		return nil, fmt.Errorf("sync: listing sync errors: %w", err)
	}

	defer rows.Close()

	var out []*SyncErrorEntry

	for rows.Next() {
		e := &SyncErrorEntry{}

		var direction, kind string

		if err := rows.Scan(&e.DbxPathLower, &e.DbxPath, &direction, &kind,
			&e.Title, &e.Message, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning sync error row: %w", err)
		}

		e.Direction = Direction(direction)
		e.Kind = SyncErrorKind(kind)
		out = append(out, e)
	}

	return out, rows.Err()
}

// RecordConflict persists a new conflict-copy event, generating an ID if
// the caller left it blank.
func (s *SQLiteStore) RecordConflict(ctx context.Context, record *ConflictRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, sqlInsertConflict,
		record.ID, record.DbxPathLower, record.DbxPath, record.ConflictPath,
		string(record.Reason), record.DetectedAt, string(record.Resolution), record.ResolvedAt)
	if err != nil {
		return fmt.Errorf("sync: recording conflict for %s: %w", record.DbxPathLower, err)
	}

	return nil
}

// ListConflicts returns every conflict record, most recent first.
func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlListConflicts)
	if err != nil {
		return nil, fmt.Errorf("sync: listing conflicts: %w", err)
	}

	defer rows.Close()

	var out []*ConflictRecord

	for rows.Next() {
		r := &ConflictRecord{}

		var reason, resolution string

		if err := rows.Scan(&r.ID, &r.DbxPathLower, &r.DbxPath, &r.ConflictPath,
			&reason, &r.DetectedAt, &resolution, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning conflict row: %w", err)
		}

		r.Reason = ConflictReason(reason)
		r.Resolution = ConflictResolution(resolution)
		out = append(out, r)
	}

	return out, rows.Err()
}

// ResolveConflict sets the resolution on a conflict record.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string, resolution ConflictResolution) error {
	res, err := s.db.ExecContext(ctx, sqlResolveConflict, string(resolution), NowNano(), id)
	if err != nil {
		return fmt.Errorf("sync: resolving conflict %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sync: checking resolve result for %s: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("sync: no conflict found with id %s", id)
	}

	return nil
}

// ExcludeItem adds dbxPathLower to the selective-sync deny list.
func (s *SQLiteStore) ExcludeItem(ctx context.Context, dbxPathLower string) error {
	if _, err := s.db.ExecContext(ctx, sqlExcludeItem, dbxPathLower, NowNano()); err != nil {
		return fmt.Errorf("sync: excluding %s: %w", dbxPathLower, err)
	}

	return nil
}

// IncludeItem removes dbxPathLower from the selective-sync deny list.
func (s *SQLiteStore) IncludeItem(ctx context.Context, dbxPathLower string) error {
	if _, err := s.db.ExecContext(ctx, sqlIncludeItem, dbxPathLower); err != nil {
		return fmt.Errorf("sync: including %s: %w", dbxPathLower, err)
	}

	return nil
}

// ListExcludedItems returns every explicitly excluded path.
func (s *SQLiteStore) ListExcludedItems(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlListExcludedItems)
	if err != nil {
		return nil, fmt.Errorf("sync: listing excluded items: %w", err)
	}

	defer rows.Close()

	var out []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("sync: scanning excluded item row: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// IsExcluded reports whether dbxPathLower is excluded, either directly or
// because an ancestor directory is excluded (selective sync is
// ancestor-closed). The ancestry check runs in Go rather than as a SQL
// LIKE clause: a stored path containing % or _ would otherwise act as an
// unintended wildcard pattern.
func (s *SQLiteStore) IsExcluded(ctx context.Context, dbxPathLower string) (bool, error) {
	items, err := s.ListExcludedItems(ctx)
	if err != nil {
		return false, fmt.Errorf("sync: checking exclusion for %s: %w", dbxPathLower, err)
	}

	for _, excluded := range items {
		if pathmap.IsEqualOrChild(dbxPathLower, excluded) {
			return true, nil
		}
	}

	return false, nil
}

// GetSetting returns the stored value for key, or "" if unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string

	err := s.db.QueryRowContext(ctx, sqlGetSetting, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: getting setting %s: %w", key, err)
	}

	return v, nil
}

// SetSetting stores a key-value setting (remote_cursor, local_cursor).
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, sqlSetSetting, key, value); err != nil {
		return fmt.Errorf("sync: setting %s: %w", key, err)
	}

	return nil
}

// Checkpoint forces a WAL checkpoint, used before a clean shutdown so the
// main database file reflects all committed writes.
func (s *SQLiteStore) Checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sync: checkpointing database: %w", err)
	}

	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sync: closing database: %w", err)
	}

	return nil
}
