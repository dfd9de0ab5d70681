package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dvelop42/cocode/agent"
	"github.com/dvelop42/cocode/config"
	"github.com/dvelop42/cocode/github"
	"github.com/dvelop42/cocode/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()

	code := m.Run()
	os.Exit(code)
}

func TestPersistedStatus(t *testing.T) {
	base := agent.Status{Name: "codex"}

	ready := base.WithExitCode(0)
	ready.Ready = true

	tests := []struct {
		name string
		st   agent.Status
		want config.AgentStatus
	}{
		{"ready", ready, config.AgentReady},
		{"completed", base.WithExitCode(0), config.AgentCompleted},
		{"interrupted", base.WithExitCode(int(agent.ExitInterrupted)), config.AgentCancelled},
		{"failed", base.WithExitCode(1), config.AgentFailed},
		{"never started", base, config.AgentFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, persistedStatus(tt.st))
		})
	}
}

func TestLoadIssueFromBodyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issue.md")
	require.NoError(t, os.WriteFile(path, []byte("Fix the parser"), 0600))

	bodyFileFlag, urlFlag, repoFlag = path, "", "o/r"
	t.Cleanup(func() { bodyFileFlag, urlFlag, repoFlag = "", "", "" })

	issue, err := loadIssue(context.Background(), t.TempDir(), 9)
	require.NoError(t, err)
	assert.Equal(t, github.Issue{Number: 9, Body: "Fix the parser", URL: "https://github.com/o/r/issues/9"}, issue)

	urlFlag = "https://example.com/9"
	issue, err = loadIssue(context.Background(), t.TempDir(), 9)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/9", issue.URL)

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0600))
	_, err = loadIssue(context.Background(), t.TempDir(), 9)
	assert.ErrorIs(t, err, github.ErrEmptyBody)
}

func TestExitCodeError(t *testing.T) {
	inner := errors.New("boom")
	err := withExitCode(agent.ExitMissingDeps, inner)

	var ec *exitCodeError
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, agent.ExitMissingDeps, ec.code)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "boom", err.Error())
}
