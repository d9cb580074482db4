package sync

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// testLogger returns a logger that discards output, used where call sites
// require a *slog.Logger but the test does not assert on log content.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTestFile writes content to dir/relPath, creating parent directories
// as needed, and returns the absolute path written.
func writeTestFile(t *testing.T, dir, relPath, content string) string {
	t.Helper()

	full := filepath.Join(dir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return full
}

// newTestStore opens a fresh SQLite-backed index store in a temp directory.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "index.db")

	store, err := NewSQLiteStore(dbPath, testLogger(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}
