package main

import (
	"context"
	"fmt"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/sync"
)

// newSyncEngine creates a sync.Engine from the resolved profile, wiring a
// Dropbox client authorized for it. Pass transfer=true for commands that
// perform uploads/downloads (sync, resolve, include, rebuild-index);
// exclude, which transfers nothing, uses the default metadata timeout.
func newSyncEngine(ctx context.Context, cc *CLIContext, transfer bool) (*sync.Engine, error) {
	if cc.Resolved.SyncDir == "" {
		return nil, fmt.Errorf("sync_dir not configured for profile %q — run 'login' with --sync-dir first", cc.Resolved.Name)
	}

	client, err := cliClient(ctx, cc, transfer)
	if err != nil {
		return nil, err
	}

	engine, err := sync.NewEngine(sync.EngineConfig{
		DBPath:   config.ProfileDBPath(cc.Resolved.Name),
		SyncRoot: cc.Resolved.SyncDir,
		Client:   client,
		Resolved: cc.Resolved,
		Logger:   cc.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing sync engine: %w", err)
	}

	return engine, nil
}
