package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause a running sync daemon",
		Long: `Suspend both pipelines of a running 'sync' daemon for this profile.
Queued work keeps draining into internal queues but no new actions execute
until 'resume' is run.

Requires a 'sync' daemon already running for the profile (sends SIGUSR1 to
its PID file).`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runPause,
	}
}

func runPause(_ *cobra.Command, _ []string) error {
	name := flagProfile
	if name == "" {
		name = defaultProfileNameFlag
	}

	pidPath := config.ProfilePIDPath(name)
	if pidPath == "" {
		return fmt.Errorf("cannot determine PID file path")
	}

	if err := sendSignal(pidPath, syscall.SIGUSR1); err != nil {
		return fmt.Errorf("pausing profile %q: %w", name, err)
	}

	statusf(flagQuiet, "Profile %q paused\n", name)

	return nil
}
