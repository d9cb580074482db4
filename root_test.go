package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dropbox-go/internal/config"
)

func TestNewRootCmd_AllSubcommandsRegistered(t *testing.T) {
	cmd := newRootCmd()

	want := []string{
		"login", "logout", "whoami",
		"ls", "get", "put", "rm", "mkdir", "stat",
		"sync", "pause", "resume", "status",
		"conflicts", "resolve", "verify",
		"exclude", "include", "rebuild-index",
		"config",
	}

	registered := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		registered[sub.Name()] = true
	}

	for _, name := range want {
		assert.True(t, registered[name], "subcommand %q not registered", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "profile", "sync-dir", "json", "verbose", "debug", "quiet", "dry-run"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "persistent flag %q missing", name)
	}
}

func TestNewRootCmd_SilencesCobraOutput(t *testing.T) {
	cmd := newRootCmd()
	assert.True(t, cmd.SilenceErrors)
	assert.True(t, cmd.SilenceUsage)
}

func TestCLIContextFrom_Missing(t *testing.T) {
	assert.Nil(t, cliContextFrom(context.Background()))
}

func TestCLIContextFrom_Present(t *testing.T) {
	cc := &CLIContext{Resolved: &config.ResolvedProfile{Name: "x"}}
	ctx := context.WithValue(context.Background(), cliContextKey{}, cc)

	got := cliContextFrom(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.Resolved.Name)
}

func TestMustCLIContext_PanicsWithoutConfig(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

func TestBuildLogger_Bootstrap(t *testing.T) {
	// Pre-config bootstrap: nil profile must not panic and must return a
	// usable logger.
	logger := buildLogger(nil)
	require.NotNil(t, logger)
	logger.Debug("discarded at default warn level")
}

func TestBuildLogger_LevelsFromConfig(t *testing.T) {
	oldVerbose, oldDebug, oldQuiet := flagVerbose, flagDebug, flagQuiet
	t.Cleanup(func() { flagVerbose, flagDebug, flagQuiet = oldVerbose, oldDebug, oldQuiet })

	flagVerbose, flagDebug, flagQuiet = false, false, false

	rp := &config.ResolvedProfile{}
	rp.Logging.LogLevel = "debug"

	logger := buildLogger(rp)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	rp.Logging.LogLevel = "error"
	logger = buildLogger(rp)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestBuildLogger_FlagsOverrideConfig(t *testing.T) {
	oldVerbose, oldDebug, oldQuiet := flagVerbose, flagDebug, flagQuiet
	t.Cleanup(func() { flagVerbose, flagDebug, flagQuiet = oldVerbose, oldDebug, oldQuiet })

	rp := &config.ResolvedProfile{}
	rp.Logging.LogLevel = "error"

	flagVerbose, flagDebug, flagQuiet = true, false, false
	logger := buildLogger(rp)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))

	flagVerbose, flagDebug, flagQuiet = false, true, false
	logger = buildLogger(rp)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	flagVerbose, flagDebug, flagQuiet = false, false, true
	rp.Logging.LogLevel = "debug"
	logger = buildLogger(rp)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestLoadConfig_ResolvesProfileIntoContext(t *testing.T) {
	setTestConfigEnv(t)

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	syncDir := t.TempDir()
	require.NoError(t, persistProfile(cfgPath, "default", "key", "", syncDir, "/", false))

	flagConfigPath = cfgPath

	cmd := newRootCmd()
	cmd.SetContext(context.Background())

	require.NoError(t, loadConfig(cmd))

	cc := cliContextFrom(cmd.Context())
	require.NotNil(t, cc)
	assert.Equal(t, "default", cc.Resolved.Name)
	assert.Equal(t, syncDir, cc.Resolved.SyncDir)
	assert.Equal(t, cfgPath, cc.CfgPath)
	assert.NotNil(t, cc.Logger)
}

func TestLoadConfig_NoProfilesFails(t *testing.T) {
	setTestConfigEnv(t)

	cmd := newRootCmd()
	cmd.SetContext(context.Background())

	err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no profiles")
}
