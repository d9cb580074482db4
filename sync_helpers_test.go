package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dropbox-go/internal/config"
)

func quietTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSyncEngine_RequiresSyncDir(t *testing.T) {
	cc := &CLIContext{
		Resolved: &config.ResolvedProfile{Name: "work"},
		Logger:   quietTestLogger(),
	}

	engine, err := newSyncEngine(context.Background(), cc, false)
	require.Error(t, err)
	assert.Nil(t, engine)
	assert.Contains(t, err.Error(), "sync_dir not configured")
	assert.Contains(t, err.Error(), "work")
}

func TestNewSyncEngine_RequiresLogin(t *testing.T) {
	// With a sync dir configured but no token on disk, engine construction
	// must fail at the client step with a not-logged-in error.
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(t.TempDir(), "data"))

	cc := &CLIContext{
		Resolved: &config.ResolvedProfile{
			Name:    "work",
			SyncDir: t.TempDir(),
			AppKey:  "appkey123",
		},
		Logger: quietTestLogger(),
	}

	engine, err := newSyncEngine(context.Background(), cc, true)
	require.Error(t, err)
	assert.Nil(t, engine)
	assert.Contains(t, err.Error(), "not logged in")
}
