package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dropbox-go/internal/config"
)

// newTestFilter creates a FilterEngine with a test logger and the given
// store (nil disables the selective-sync layer).
func newTestFilter(t *testing.T, cfg config.FilterConfig, syncRoot string, store Store) *FilterEngine {
	t.Helper()

	fe, err := NewFilterEngine(&cfg, syncRoot, store, testLogger(t))
	require.NoError(t, err)

	return fe
}

// --- Safety patterns ---

func TestFilterEngine_SafetyPatterns(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{}, "/tmp/sync", nil)

	tests := []struct {
		name     string
		path     string
		included bool
		reason   string
	}{
		{"partial file excluded", "download.partial", false, "matches .partial pattern"},
		{"tmp file excluded", "data.tmp", false, "matches .tmp pattern"},
		{"tilde file excluded", "~lockfile", false, "matches ~* pattern"},
		{"uppercase partial", "FILE.PARTIAL", false, "matches .partial pattern"},
		{"normal file included", "document.docx", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := fe.ShouldSync(tt.path, false, 0)
			assert.Equal(t, tt.included, result.Included, "path %q", tt.path)
			if !tt.included {
				assert.Equal(t, tt.reason, result.Reason)
			}
		})
	}
}

func TestFilterEngine_SafetyPatterns_NotAppliedToDirs(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{}, "/tmp/sync", nil)

	result := fe.ShouldSync("temp.tmp", true, 0)
	assert.True(t, result.Included)
}

// --- Config patterns ---

func TestFilterEngine_SkipFiles(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{
		SkipFiles: []string{"*.log", "*.bak", "thumbs.db"},
	}, "/tmp/sync", nil)

	tests := []struct {
		name     string
		path     string
		included bool
	}{
		{"log file excluded", "app.log", false},
		{"bak file excluded", "data.bak", false},
		{"thumbs.db excluded", "thumbs.db", false},
		{"normal file included", "readme.md", true},
		{"nested log excluded", "logs/app.log", false},
		{"case insensitive", "APP.LOG", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := fe.ShouldSync(tt.path, false, 0)
			assert.Equal(t, tt.included, result.Included, "path %q", tt.path)
		})
	}
}

func TestFilterEngine_SkipDirs(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{
		SkipDirs: []string{"node_modules", ".git", "vendor"},
	}, "/tmp/sync", nil)

	tests := []struct {
		name     string
		path     string
		included bool
	}{
		{"node_modules excluded", "node_modules", false},
		{"nested node_modules excluded", "project/node_modules", false},
		{"vendor excluded", "vendor", false},
		{"normal dir included", "src", true},
		{"case insensitive", "Node_Modules", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := fe.ShouldSync(tt.path, true, 0)
			assert.Equal(t, tt.included, result.Included, "path %q", tt.path)
		})
	}
}

func TestFilterEngine_SkipDirs_NotAppliedToFiles(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{
		SkipDirs: []string{"vendor"},
	}, "/tmp/sync", nil)

	result := fe.ShouldSync("vendor", false, 0)
	assert.True(t, result.Included)
}

func TestFilterEngine_SkipDotfiles(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{
		SkipDotfiles: true,
	}, "/tmp/sync", nil)

	tests := []struct {
		name     string
		path     string
		isDir    bool
		included bool
	}{
		{"dotfile excluded", ".bashrc", false, false},
		{"dotdir excluded", ".config", true, false},
		{"nested dotfile excluded", "home/.bashrc", false, false},
		{"normal file included", "readme.md", false, true},
		{"normal dir included", "src", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := fe.ShouldSync(tt.path, tt.isDir, 0)
			assert.Equal(t, tt.included, result.Included, "path %q", tt.path)
			if !tt.included {
				assert.Equal(t, "dotfile excluded", result.Reason)
			}
		})
	}
}

func TestFilterEngine_SkipDotfiles_Disabled(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{SkipDotfiles: false}, "/tmp/sync", nil)

	result := fe.ShouldSync(".bashrc", false, 0)
	assert.True(t, result.Included)
}

func TestFilterEngine_MaxFileSize(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{
		MaxFileSize: "100MB",
	}, "/tmp/sync", nil)

	tests := []struct {
		name     string
		size     int64
		included bool
	}{
		{"under limit", 50_000_000, true},
		{"at limit", 100_000_000, true},
		{"over limit", 100_000_001, false},
		{"zero size", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := fe.ShouldSync("file.bin", false, tt.size)
			assert.Equal(t, tt.included, result.Included, "size %d", tt.size)
		})
	}
}

func TestFilterEngine_MaxFileSize_NotAppliedToDirs(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{MaxFileSize: "1KB"}, "/tmp/sync", nil)

	result := fe.ShouldSync("big_dir", true, 999_999_999)
	assert.True(t, result.Included)
}

// --- Selective sync ---

func TestFilterEngine_SelectiveSync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.ExcludeItem(ctx, "/archive"))

	fe := newTestFilter(t, config.FilterConfig{}, "/tmp/sync", store)

	result := fe.ShouldSync("/archive", true, 0)
	assert.False(t, result.Included)
	assert.Equal(t, "excluded by selective sync", result.Reason)

	result = fe.ShouldSync("/other", true, 0)
	assert.True(t, result.Included)
}

func TestFilterEngine_SelectiveSync_NilStore(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{}, "/tmp/sync", nil)

	result := fe.ShouldSync("/archive", true, 0)
	assert.True(t, result.Included, "without a store, selective sync never excludes")
}

// --- mignore ---

func TestFilterEngine_Mignore(t *testing.T) {
	t.Parallel()

	syncRoot := t.TempDir()
	mignoreContent := "*.secret\nbuild/\n!important.secret\n"
	err := os.WriteFile(filepath.Join(syncRoot, ".mignore"), []byte(mignoreContent), 0o644)
	require.NoError(t, err)

	fe := newTestFilter(t, config.FilterConfig{
		IgnoreMarker: ".mignore",
	}, syncRoot, nil)

	tests := []struct {
		name     string
		path     string
		isDir    bool
		included bool
	}{
		{"secret file excluded", "passwords.secret", false, false},
		{"build dir excluded", "build", true, false},
		{"normal file included", "readme.md", false, true},
		{"negation pattern", "important.secret", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := fe.ShouldSync(tt.path, tt.isDir, 0)
			assert.Equal(t, tt.included, result.Included, "path %q", tt.path)
		})
	}
}

func TestFilterEngine_Mignore_Missing(t *testing.T) {
	t.Parallel()

	syncRoot := t.TempDir()

	fe := newTestFilter(t, config.FilterConfig{
		IgnoreMarker: ".mignore",
	}, syncRoot, nil)

	result := fe.ShouldSync("anything.secret", false, 0)
	assert.True(t, result.Included, "without .mignore, nothing should be excluded")
}

func TestFilterEngine_Mignore_EmptyMarker(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{IgnoreMarker: ""}, "/tmp/sync", nil)

	result := fe.ShouldSync("anything.secret", false, 0)
	assert.True(t, result.Included)
}

func TestFilterEngine_Mignore_Subdirectory(t *testing.T) {
	t.Parallel()

	syncRoot := t.TempDir()
	subDir := filepath.Join(syncRoot, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, ".mignore"), []byte("*.generated\n"), 0o644))

	fe := newTestFilter(t, config.FilterConfig{
		IgnoreMarker: ".mignore",
	}, syncRoot, nil)

	result := fe.ShouldSync("code.generated", false, 0)
	assert.True(t, result.Included, "root should not be affected by subdir .mignore")

	result = fe.ShouldSync("subdir/code.generated", false, 0)
	assert.False(t, result.Included, "subdir file should be excluded by subdir .mignore")
}

// --- Constructor error ---

func TestNewFilterEngine_InvalidMaxFileSize(t *testing.T) {
	t.Parallel()

	_, err := NewFilterEngine(&config.FilterConfig{
		MaxFileSize: "not-a-size",
	}, "/tmp/sync", nil, testLogger(t))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid max_file_size")
}

// --- parseSizeFilter ---

func TestParseSizeFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"100", 100, false},
		{"1KB", 1000, false},
		{"1MB", 1_000_000, false},
		{"1GB", 1_000_000_000, false},
		{"1KiB", 1024, false},
		{"1MiB", 1_048_576, false},
		{"1GiB", 1_073_741_824, false},
		{"100mb", 100_000_000, false},
		{"1B", 1, false},
		{"invalid", 0, true},
		{"-1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			result, err := parseSizeFilter(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

// --- matchesSkipPattern ---

func TestMatchesSkipPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		patterns []string
		expected bool
	}{
		{"star glob", "file.log", []string{"*.log"}, true},
		{"no match", "file.txt", []string{"*.log"}, false},
		{"exact match", "thumbs.db", []string{"thumbs.db"}, true},
		{"case insensitive", "FILE.LOG", []string{"*.log"}, true},
		{"multiple patterns", "data.bak", []string{"*.log", "*.bak"}, true},
		{"empty patterns", "file.txt", []string{}, false},
		{"question mark glob", "file1.txt", []string{"file?.txt"}, true},
		{"malformed pattern handled", "file.txt", []string{"[invalid"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, matchesSkipPattern(tt.filename, tt.patterns))
		})
	}
}

// --- Combined layers ---

func TestFilterEngine_CombinedLayers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	syncRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(syncRoot, ".mignore"), []byte("secret/\n"), 0o644))

	store := newTestStore(t)
	require.NoError(t, store.ExcludeItem(ctx, "/archive"))

	fe := newTestFilter(t, config.FilterConfig{
		SkipFiles:    []string{"*.log"},
		SkipDirs:     []string{"node_modules"},
		SkipDotfiles: true,
		MaxFileSize:  "10MB",
		IgnoreMarker: ".mignore",
	}, syncRoot, store)

	tests := []struct {
		name     string
		path     string
		isDir    bool
		size     int64
		included bool
	}{
		{"log file", "app.log", false, 0, false},
		{"node_modules dir", "node_modules", true, 0, false},
		{"dotfile", ".env", false, 0, false},
		{"large file", "big.bin", false, 20_000_000, false},
		{"excluded subtree", "/archive", true, 0, false},
		{"secret dir via mignore", "secret", true, 0, false},
		{"good file", "main.go", false, 1000, true},
		{"good dir", "src", true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := fe.ShouldSync(tt.path, tt.isDir, tt.size)
			assert.Equal(t, tt.included, result.Included, "path %q: %s", tt.path, result.Reason)
		})
	}
}

// --- path length sanity (no artificial limit imposed by this layer) ---

func TestFilterEngine_LongPathPassesThrough(t *testing.T) {
	t.Parallel()

	fe := newTestFilter(t, config.FilterConfig{}, "/tmp/sync", nil)

	longPath := strings.TrimSuffix(strings.Repeat("aa/", 134), "/")
	result := fe.ShouldSync(longPath, false, 0)
	assert.True(t, result.Included)
}
