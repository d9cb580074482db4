package main

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePauser records Pause/Resume calls for the signal-relay test.
type fakePauser struct {
	paused  atomic.Int32
	resumed atomic.Int32
}

func (f *fakePauser) Pause()  { f.paused.Add(1) }
func (f *fakePauser) Resume() { f.resumed.Add(1) }

func TestNewSyncCmd_Structure(t *testing.T) {
	cmd := newSyncCmd()
	assert.Equal(t, "sync", cmd.Use)
	// sync requires a resolved profile, so it must NOT skip config loading.
	assert.NotEqual(t, "true", cmd.Annotations[skipConfigAnnotation])
}

func TestInstallPauseResumeHandler_RelaysSignals(t *testing.T) {
	// Not parallel: sends real SIGUSR1/SIGUSR2 to the process.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &fakePauser{}

	stop := installPauseResumeHandler(ctx, engine, quietTestLogger())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	waitFor(t, func() bool { return engine.paused.Load() == 1 }, "SIGUSR1 not relayed to Pause")

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))

	waitFor(t, func() bool { return engine.resumed.Load() == 1 }, "SIGUSR2 not relayed to Resume")
}

func TestInstallPauseResumeHandler_StopTerminatesRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	engine := &fakePauser{}

	stop := installPauseResumeHandler(ctx, engine, quietTestLogger())

	// Cancel the context, then stop must return promptly (the relay
	// goroutine exits on ctx.Done).
	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop() did not return after context cancellation")
	}
}

// waitFor polls cond for up to 2 seconds.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal(msg)
}
