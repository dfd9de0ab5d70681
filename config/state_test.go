package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *StateManager {
	t.Helper()
	return NewStateManager(DefaultStatePath(t.TempDir()))
}

func TestStateLifecycle(t *testing.T) {
	s := newTestState(t)

	run, err := s.StartRun(42, "https://github.com/o/r/issues/42", "main")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.True(t, run.Active())

	_, err = s.StartRun(43, "u", "main")
	assert.ErrorIs(t, err, ErrActiveRun)

	require.NoError(t, s.AddAgent("claude-code", "cocode/42-claude-code", "/w/cocode_claude-code"))
	require.NoError(t, s.AddAgent("codex-cli", "cocode/42-codex-cli", "/w/cocode_codex-cli"))
	assert.ErrorIs(t, s.AddAgent("claude-code", "b", "w"), ErrAgentExists)

	require.NoError(t, s.UpdateAgent("claude-code", AgentUpdate{Status: AgentRunning}))
	code := 0
	require.NoError(t, s.UpdateAgent("claude-code", AgentUpdate{Status: AgentReady, ExitCode: &code, LastCommit: "abc"}))
	assert.ErrorIs(t, s.UpdateAgent("nobody", AgentUpdate{Status: AgentFailed}), ErrAgentNotFound)

	current := s.Current()
	require.NotNil(t, current)
	a := current.Agents[0]
	assert.Equal(t, AgentReady, a.Status)
	require.NotNil(t, a.StartedAt)
	require.NotNil(t, a.CompletedAt)
	require.NotNil(t, a.ExitCode)
	assert.Equal(t, 0, *a.ExitCode)
	assert.Equal(t, "abc", a.LastCommit)

	sum := s.Summary()
	assert.Equal(t, "active", sum.Status)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Ready)
	assert.Equal(t, 1, sum.Pending)

	require.NoError(t, s.AbortRun())
	current = s.Current()
	assert.False(t, current.Active())
	assert.Equal(t, AgentCancelled, current.Agents[1].Status)
	assert.Equal(t, AgentReady, current.Agents[0].Status)

	// a finished run makes room for the next
	_, err = s.StartRun(43, "u", "main")
	require.NoError(t, err)
}

func TestStateLoad(t *testing.T) {
	s := newTestState(t)

	run, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.False(t, s.CanRecover())

	_, err = s.StartRun(7, "u", "main")
	require.NoError(t, err)
	require.NoError(t, s.AddAgent("a", "b", "w"))

	fresh := NewStateManager(s.Path())
	loaded, err := fresh.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 7, loaded.IssueNumber)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, AgentPending, loaded.Agents[0].Status)
	assert.True(t, fresh.CanRecover())

	require.NoError(t, fresh.CompleteRun("a"))
	assert.False(t, NewStateManager(s.Path()).CanRecover())

	require.NoError(t, fresh.Clear())
	assert.NoFileExists(t, s.Path())
	assert.Equal(t, "no_active_run", fresh.Summary().Status)
}

func TestStateLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := NewStateManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestStateConcurrentUpdates(t *testing.T) {
	s := newTestState(t)
	_, err := s.StartRun(1, "u", "main")
	require.NoError(t, err)

	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		require.NoError(t, s.AddAgent(n, "br-"+n, "wt-"+n))
	}

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, s.UpdateAgent(name, AgentUpdate{Status: AgentRunning}))
			assert.NoError(t, s.UpdateAgent(name, AgentUpdate{Status: AgentFailed, ErrorMessage: "boom"}))
		}(n)
	}
	wg.Wait()

	loaded, err := NewStateManager(s.Path()).Load()
	require.NoError(t, err)
	for _, a := range loaded.Agents {
		assert.Equal(t, AgentFailed, a.Status)
		assert.Equal(t, "boom", a.ErrorMessage)
	}
}
