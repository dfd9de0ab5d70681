//go:build !windows

package concurrency

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleSignalsShutsDownOnSIGTERM(t *testing.T) {
	runner := newFakeRunner()
	runner.fallback = blockUntilCancelled()
	m := newManager(t, runner, testLifecycleOptions(1), "a")
	require.True(t, m.StartAgent("a", testIssue(), Callbacks{}))
	waitForState(t, m, "a", StateRunning)

	ctx, stop := HandleSignals(context.Background(), m)
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("context was not cancelled by SIGTERM")
	}
	require.Eventually(t, func() bool { return runner.cleanupCount() == 1 }, 3*time.Second, 5*time.Millisecond)
	st, _ := m.AgentState("a")
	assert.Equal(t, StateStopped, st)
}

func TestHandleSignalsStopDoesNotShutDown(t *testing.T) {
	runner := newFakeRunner()
	m := newManager(t, runner, testLifecycleOptions(1))

	ctx, stop := HandleSignals(context.Background(), m)
	stop()
	<-ctx.Done()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runner.cleanupCount())
}
