package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to stderr, ensuring all
// config debug output appears in test output for CI visibility.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	tomlContent := `
skip_files = ["*.tmp", "*.swp"]
skip_dirs = ["node_modules", ".git"]
skip_dotfiles = true
skip_symlinks = true
max_file_size = "1GB"
ignore_marker = ".syncignore"

transfer_workers = 4
check_workers = 4
chunk_size = "20MB"
bandwidth_limit = "5MB/s"
transfer_order = "size_asc"

big_delete_threshold = 500
big_delete_percentage = 25
big_delete_min_items = 5
min_free_space = "2GB"
use_recycle_bin = false
use_local_trash = false
disable_download_validation = true
disable_upload_validation = true
sync_dir_permissions = "0755"
sync_file_permissions = "0644"

debounce_interval = "1s"
long_poll_timeout = "60s"
conflict_strategy = "keep_both"
conflict_reminder_interval = "2h"
dry_run = true
shutdown_timeout = "10s"

log_level = "debug"
log_file = "/tmp/dropbox-go.log"
log_format = "json"
log_retention_days = 7

connect_timeout = "30s"
data_timeout = "120s"
user_agent = "dropbox-go-test/v0.1.0"
force_http_11 = true

[profile.default]
sync_dir = "~/Dropbox"
`

	path := writeTestConfig(t, tomlContent)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"*.tmp", "*.swp"}, cfg.Filter.SkipFiles)
	assert.Equal(t, []string{"node_modules", ".git"}, cfg.Filter.SkipDirs)
	assert.True(t, cfg.Filter.SkipDotfiles)
	assert.True(t, cfg.Filter.SkipSymlinks)
	assert.Equal(t, "1GB", cfg.Filter.MaxFileSize)
	assert.Equal(t, ".syncignore", cfg.Filter.IgnoreMarker)

	assert.Equal(t, 4, cfg.Transfers.TransferWorkers)
	assert.Equal(t, 4, cfg.Transfers.CheckWorkers)
	assert.Equal(t, "20MB", cfg.Transfers.ChunkSize)
	assert.Equal(t, "5MB/s", cfg.Transfers.BandwidthLimit)
	assert.Equal(t, "size_asc", cfg.Transfers.TransferOrder)

	assert.Equal(t, 500, cfg.Safety.BigDeleteThreshold)
	assert.Equal(t, 25, cfg.Safety.BigDeletePercentage)
	assert.Equal(t, 5, cfg.Safety.BigDeleteMinItems)
	assert.Equal(t, "2GB", cfg.Safety.MinFreeSpace)
	assert.False(t, cfg.Safety.UseRecycleBin)
	assert.False(t, cfg.Safety.UseLocalTrash)
	assert.True(t, cfg.Safety.DisableDownloadValidation)
	assert.True(t, cfg.Safety.DisableUploadValidation)
	assert.Equal(t, "0755", cfg.Safety.SyncDirPermissions)
	assert.Equal(t, "0644", cfg.Safety.SyncFilePermissions)

	assert.Equal(t, "1s", cfg.Sync.DebounceInterval)
	assert.Equal(t, "60s", cfg.Sync.LongPollTimeout)
	assert.Equal(t, "keep_both", cfg.Sync.ConflictStrategy)
	assert.Equal(t, "2h", cfg.Sync.ConflictReminderInterval)
	assert.True(t, cfg.Sync.DryRun)
	assert.Equal(t, "10s", cfg.Sync.ShutdownTimeout)

	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "/tmp/dropbox-go.log", cfg.Logging.LogFile)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, 7, cfg.Logging.LogRetentionDays)

	assert.Equal(t, "30s", cfg.Network.ConnectTimeout)
	assert.Equal(t, "120s", cfg.Network.DataTimeout)
	assert.Equal(t, "dropbox-go-test/v0.1.0", cfg.Network.UserAgent)
	assert.True(t, cfg.Network.ForceHTTP11)

	require.Contains(t, cfg.Profiles, "default")
	assert.Equal(t, "~/Dropbox", cfg.Profiles["default"].SyncDir)
}

func TestLoad_MinimalConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Transfers.TransferWorkers)
	assert.Equal(t, "150MB", cfg.Transfers.ChunkSize)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "500ms", cfg.Sync.DebounceInterval)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeTestConfig(t, `[filter
not valid toml`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml", testLogger(t))
	require.Error(t, err)
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeTestConfig(t, `transfer_workers = 0`)
	_, err := Load(path, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadOrDefault_FileExists(t *testing.T) {
	path := writeTestConfig(t, `log_level = "debug"`)
	cfg, err := LoadOrDefault(path, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoadOrDefault_FileNotFound(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.toml", testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, 6, cfg.Transfers.TransferWorkers)
}

func TestLoad_PartialConfig_UsesDefaults(t *testing.T) {
	path := writeTestConfig(t, `log_level = "warn"`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Equal(t, 6, cfg.Transfers.TransferWorkers)
	assert.Equal(t, "500ms", cfg.Sync.DebounceInterval)
	assert.Equal(t, ".mignore", cfg.Filter.IgnoreMarker)
}

func TestLoad_BandwidthSchedule(t *testing.T) {
	path := writeTestConfig(t, `
bandwidth_schedule = [
    { time = "08:00", limit = "5MB/s" },
    { time = "18:00", limit = "50MB/s" },
    { time = "23:00", limit = "0" },
]
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	require.Len(t, cfg.Transfers.BandwidthSchedule, 3)
	assert.Equal(t, "08:00", cfg.Transfers.BandwidthSchedule[0].Time)
	assert.Equal(t, "5MB/s", cfg.Transfers.BandwidthSchedule[0].Limit)
	assert.Equal(t, "18:00", cfg.Transfers.BandwidthSchedule[1].Time)
	assert.Equal(t, "23:00", cfg.Transfers.BandwidthSchedule[2].Time)
}

func TestLoad_BandwidthScheduleSubField_NotFlagged(t *testing.T) {
	// bandwidth_schedule entries have "time" and "limit" sub-fields.
	// These appear as undecoded keys but the parent is known, so they should be skipped.
	path := writeTestConfig(t, `
bandwidth_schedule = [
    { time = "08:00", limit = "5MB/s" },
]
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	require.Len(t, cfg.Transfers.BandwidthSchedule, 1)
}

// --- Profile section tests ---

func TestLoad_SingleProfile(t *testing.T) {
	path := writeTestConfig(t, `
log_level = "debug"

[profile.personal]
sync_dir = "~/Dropbox"
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	require.Len(t, cfg.Profiles, 1)

	p := cfg.Profiles["personal"]
	assert.Equal(t, "~/Dropbox", p.SyncDir)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoad_MultipleProfiles(t *testing.T) {
	path := writeTestConfig(t, `
skip_dotfiles = true

[profile.personal]
sync_dir = "~/Dropbox"

[profile.work]
sync_dir = "~/Dropbox - Work"
remote_path = "/Team Folder"

[profile.work.filter]
skip_dirs = ["node_modules", ".git", "vendor"]
ignore_marker = ".mignore"
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)
	require.Len(t, cfg.Profiles, 2)

	personal := cfg.Profiles["personal"]
	assert.Equal(t, "~/Dropbox", personal.SyncDir)

	work := cfg.Profiles["work"]
	assert.Equal(t, "~/Dropbox - Work", work.SyncDir)
	assert.Equal(t, "/Team Folder", work.RemotePath)
	require.NotNil(t, work.Filter)
	assert.Equal(t, []string{"node_modules", ".git", "vendor"}, work.Filter.SkipDirs)
}

func TestLoad_ProfileWithAllFields(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"
remote_path = "/Documents"
app_key = "abc123"
account_id = "dbid:AAH4f99T0taONIb-OurWxbNQ6ywGRopQngc"
`)
	cfg, err := Load(path, testLogger(t))
	require.NoError(t, err)

	p := cfg.Profiles["personal"]
	assert.Equal(t, "~/Dropbox", p.SyncDir)
	assert.Equal(t, "/Documents", p.RemotePath)
	assert.Equal(t, "abc123", p.AppKey)
	assert.Equal(t, "dbid:AAH4f99T0taONIb-OurWxbNQ6ywGRopQngc", p.AccountID)
}

// --- Resolve tests ---

func TestResolve_SingleProfile_AutoSelect(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"
`)
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "personal", resolved.Name)
	assert.Contains(t, resolved.SyncDir, "Dropbox")
}

func TestResolve_NoProfiles_Error(t *testing.T) {
	path := writeTestConfig(t, `log_level = "debug"`)
	_, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{},
		testLogger(t),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no profiles")
}

func TestResolve_MultipleProfiles_NoSelector_Error(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"

[profile.work]
sync_dir = "~/Work"
`)
	_, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{},
		testLogger(t),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple profiles")
}

func TestResolve_CLIProfileSelector(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"

[profile.work]
sync_dir = "~/Work"
`)
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{Profile: "work"},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "work", resolved.Name)
}

func TestResolve_EnvProfileSelector(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"

[profile.work]
sync_dir = "~/Work"
`)
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: path, Profile: "personal"},
		CLIOverrides{},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "personal", resolved.Name)
}

func TestResolve_CLIProfileOverridesEnv(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"

[profile.work]
sync_dir = "~/Work"
`)
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: path, Profile: "personal"},
		CLIOverrides{Profile: "work"},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "work", resolved.Name)
}

func TestResolve_CLIConfigPathOverridesEnv(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"
`)
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: "/wrong/path"},
		CLIOverrides{ConfigPath: path},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.Equal(t, "personal", resolved.Name)
}

func TestResolve_CLIDryRunOverride(t *testing.T) {
	path := writeTestConfig(t, `
[profile.personal]
sync_dir = "~/Dropbox"
`)
	dryRun := true
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{DryRun: &dryRun},
		testLogger(t),
	)
	require.NoError(t, err)
	assert.True(t, resolved.Sync.DryRun)
}

func TestResolve_InvalidConfigFile(t *testing.T) {
	path := writeTestConfig(t, `[invalid toml`)
	_, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{},
		testLogger(t),
	)
	require.Error(t, err)
}

func TestResolve_NoConfigFile(t *testing.T) {
	_, _, err := Resolve(
		EnvOverrides{ConfigPath: "/nonexistent/config.toml"},
		CLIOverrides{},
		testLogger(t),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no profiles")
}

func TestResolve_PerProfileOverridesApplied(t *testing.T) {
	path := writeTestConfig(t, `
skip_dotfiles = false
debounce_interval = "500ms"

[profile.personal]
sync_dir = "~/Dropbox"

[profile.personal.filter]
skip_dotfiles = true
skip_dirs = ["vendor"]
skip_files = ["*.log"]
max_file_size = "50GB"
ignore_marker = ".mignore"
`)
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{},
		testLogger(t),
	)
	require.NoError(t, err)

	assert.True(t, resolved.Filter.SkipDotfiles)
	assert.Equal(t, []string{"vendor"}, resolved.Filter.SkipDirs)
	assert.Equal(t, []string{"*.log"}, resolved.Filter.SkipFiles)
}

func TestResolve_GlobalSettingsUsedWhenNoProfileOverride(t *testing.T) {
	path := writeTestConfig(t, `
skip_dotfiles = true
log_level = "debug"

[profile.personal]
sync_dir = "~/Dropbox"
`)
	resolved, _, err := Resolve(
		EnvOverrides{ConfigPath: path},
		CLIOverrides{},
		testLogger(t),
	)
	require.NoError(t, err)

	assert.True(t, resolved.Filter.SkipDotfiles)
	assert.Equal(t, "debug", resolved.Logging.LogLevel)
}
