package agent

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/dvelop42/cocode/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(found ...string) *Factory {
	cfg := config.DefaultConfig()
	cfg.ReadyMarker = "READY!"
	cfg.Agents = []config.AgentConfig{
		{Name: "aider", Command: "aider", Args: []string{"--yes"}, Env: map[string]string{"AIDER_MODEL": "x"}},
		{Name: CodexCLIName, Command: "my-codex", Args: []string{"run"}},
	}
	f := NewFactory(cfg)
	f.lookPath = fakeLookPath(found...)
	return f
}

func TestFactoryCreate(t *testing.T) {
	f := newTestFactory("claude", "aider", "my-codex")

	a, err := f.Create(ClaudeCodeName, true)
	require.NoError(t, err)
	claude, ok := a.(*ClaudeCodeAgent)
	require.True(t, ok)
	assert.Equal(t, "READY!", claude.ReadyMarker())

	a, err = f.Create("aider", true)
	require.NoError(t, err)
	argv, err := a.Command()
	require.NoError(t, err)
	assert.Equal(t, []string{"/fake/bin/aider", "--yes"}, argv)
	assert.Equal(t, "x", a.PrepareEnvironment("/w", 1, "")["AIDER_MODEL"])

	t.Run("config overrides built-in command", func(t *testing.T) {
		a, err := f.Create(CodexCLIName, true)
		require.NoError(t, err)
		argv, err := a.Command()
		require.NoError(t, err)
		assert.Equal(t, []string{"/fake/bin/my-codex", "run"}, argv)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := f.Create("nope", false)
		assert.True(t, errors.Is(err, ErrUnknownAgent))
	})

	t.Run("missing dependency only when validating", func(t *testing.T) {
		f := newTestFactory()
		_, err := f.Create(ClaudeCodeName, true)
		assert.True(t, errors.Is(err, ErrMissingDependency))

		_, err = f.Create(ClaudeCodeName, false)
		assert.NoError(t, err)
	})
}

func TestFactoryCreateAll(t *testing.T) {
	f := newTestFactory("claude")

	agents, err := f.CreateAll([]string{ClaudeCodeName}, true)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	_, err = f.CreateAll([]string{ClaudeCodeName, "aider", "nope"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aider")
	assert.Contains(t, err.Error(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownAgent))
}

func TestFactoryAvailable(t *testing.T) {
	f := newTestFactory("claude")
	avail := f.Available()
	require.Len(t, avail, 3)

	byName := map[string]Availability{}
	for _, a := range avail {
		byName[a.Name] = a
	}
	assert.True(t, byName[ClaudeCodeName].Available)
	assert.Equal(t, "built-in", byName[ClaudeCodeName].Type)
	assert.False(t, byName[CodexCLIName].Available)
	assert.Equal(t, "custom", byName["aider"].Type)
	assert.False(t, byName["aider"].Available)
}

type fakeExecutor struct {
	paths   map[string]string
	outputs map[string]string
}

func (f *fakeExecutor) Run(c *exec.Cmd) error { return nil }

func (f *fakeExecutor) Output(c *exec.Cmd) ([]byte, error) { return f.CombinedOutput(c) }

func (f *fakeExecutor) CombinedOutput(c *exec.Cmd) ([]byte, error) {
	return []byte(f.outputs[c.Path]), nil
}

func (f *fakeExecutor) LookPath(file string) (string, error) {
	if p, ok := f.paths[file]; ok {
		return p, nil
	}
	return "", exec.ErrNotFound
}

func TestDependencyChecker(t *testing.T) {
	e := &fakeExecutor{
		paths: map[string]string{"git": "/usr/bin/git"},
		outputs: map[string]string{
			"/usr/bin/git": "git version 2.45.0\n",
		},
	}
	deps := NewDependencyChecker(e).CheckAll(context.Background())
	require.Len(t, deps, 2)

	assert.Equal(t, Dependency{Name: "git", Installed: true, Required: true, Version: "git version 2.45.0", Path: "/usr/bin/git"}, deps[0])
	assert.False(t, deps[1].Installed)
	assert.Equal(t, []string{"gh"}, MissingRequired(deps))

	e.paths["gh"] = "/usr/bin/gh"
	e.outputs["/usr/bin/gh"] = "gh version 2.50.0 (2024-05-29)\nhttps://github.com/cli/cli/releases/tag/v2.50.0\n"
	gh := NewDependencyChecker(e).CheckGH(context.Background())
	assert.Equal(t, "gh version 2.50.0 (2024-05-29)", gh.Version)
}
