package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused sync daemon",
		Long: `Resume both pipelines of a running 'sync' daemon for this profile that was
previously paused.

Requires a 'sync' daemon already running for the profile (sends SIGUSR2 to
its PID file).`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runResume,
	}
}

func runResume(_ *cobra.Command, _ []string) error {
	name := flagProfile
	if name == "" {
		name = defaultProfileNameFlag
	}

	pidPath := config.ProfilePIDPath(name)
	if pidPath == "" {
		return fmt.Errorf("cannot determine PID file path")
	}

	if err := sendSignal(pidPath, syscall.SIGUSR2); err != nil {
		return fmt.Errorf("resuming profile %q: %w", name, err)
	}

	statusf(flagQuiet, "Profile %q resumed\n", name)

	return nil
}
