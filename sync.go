package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run continuous bidirectional sync",
		Long: `Start the sync engine in the foreground: an initial index (or
inactive-period reconciliation if one was run before) followed by a local
filesystem watcher feeding the up pipeline and a remote long-poll loop
feeding the down pipeline, both reconciled through the on-disk index until
interrupted.

Send SIGINT or SIGTERM to shut down gracefully, draining in-flight work for
up to the configured shutdown_timeout. From another terminal, 'pause' and
'resume' signal this process (via its PID file) to suspend and restart both
pipelines without tearing down the index connection.`,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	engine, err := newSyncEngine(cmd.Context(), cc, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	pidPath := config.ProfilePIDPath(cc.Resolved.Name)

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	stopPauseResume := installPauseResumeHandler(ctx, engine, cc.Logger)
	defer stopPauseResume()

	cc.Statusf("Starting sync for profile %q (%s <-> %s)\n", cc.Resolved.Name, cc.Resolved.SyncDir, cc.Resolved.RemotePath)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting sync engine: %w", err)
	}

	<-ctx.Done()

	cc.Statusf("Shutting down...\n")
	engine.Stop()

	if fatal := engine.FatalErrors(); len(fatal) > 0 {
		return fmt.Errorf("sync stopped with %d fatal error(s): %v", len(fatal), fatal[len(fatal)-1])
	}

	cc.Statusf("Sync stopped\n")

	return nil
}

// installPauseResumeHandler listens for SIGUSR1 (pause) and SIGUSR2 (resume)
// for the lifetime of ctx, applying them to engine. Returns a function that
// stops the signal relay; safe to call multiple times.
func installPauseResumeHandler(ctx context.Context, engine interface {
	Pause()
	Resume()
}, logger *slog.Logger,
) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)

	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGUSR1:
					logger.Info("received SIGUSR1, pausing")
					engine.Pause()
				case syscall.SIGUSR2:
					logger.Info("received SIGUSR2, resuming")
					engine.Resume()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		<-done
	}
}
