package ui

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/dvelop42/cocode/agent"
	"github.com/dvelop42/cocode/concurrency"
	"github.com/dvelop42/cocode/config"
	"github.com/dvelop42/cocode/log"
	"github.com/dvelop42/cocode/session/git"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()

	code := m.Run()
	os.Exit(code)
}

func intPtr(i int) *int { return &i }

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Summary(&concurrency.ExecutionResult{
		AgentResults: map[string]agent.Status{
			"claude-code": {Name: "claude-code", Branch: "cocode/42-claude-code", Ready: true, LastCommit: "0123456789abcdef", ExitCode: intPtr(0)},
			"codex":       {Name: "codex", ExitCode: intPtr(124), ErrorMessage: "timed out"},
			"plain":       {Name: "plain", ExitCode: intPtr(0)},
		},
		SuccessfulAgents: []string{"claude-code", "plain"},
		FailedAgents:     []string{"codex"},
		ReadyAgents:      []string{"claude-code"},
		Errors:           map[string]string{"codex": "agent timed out after 900 seconds"},
		ExecutionTime:    1500 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "claude-code ready on cocode/42-claude-code (0123456)")
	assert.Contains(t, out, "codex failed [timeout]: agent timed out after 900 seconds")
	assert.Contains(t, out, "plain completed without ready marker")
	assert.Contains(t, out, "1 ready, 2 succeeded, 1 failed in 1.5s")
	assert.NotContains(t, out, "\x1b[")
}

func TestProgressAndOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Progress("codex", concurrency.ProgressStarting)
	p.Progress("codex", concurrency.ProgressFailed)
	p.Output("codex", "stderr", "boom")

	assert.Equal(t, "… codex "+concurrency.ProgressStarting+"\n"+
		failedIcon+"codex "+concurrency.ProgressFailed+"\n"+
		"[codex] boom\n", buf.String())
}

func TestDoctorReport(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Dependencies([]agent.Dependency{
		{Name: "git", Installed: true, Required: true, Version: "git version 2.45.0"},
		{Name: "gh", Required: true},
	})
	p.Agents([]agent.Availability{{Name: "codex", Type: "builtin", Message: "codex not found in PATH"}})

	out := buf.String()
	assert.Contains(t, out, "git version 2.45.0")
	assert.Contains(t, out, "not found (required)")
	assert.Contains(t, out, failedIcon+"codex")
}

func TestWorktreesAndRun(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Worktrees(nil)
	p.Worktrees([]*git.Worktree{{Path: "/src/cocode_codex", Branch: "cocode/7-codex", LastCommit: "abc", HasChanges: true}})
	p.Run(nil, config.RunSummary{})
	p.Run(&config.RunState{ID: "r1", IssueNumber: 7, Agents: []config.AgentRunState{
		{Name: "codex", Status: config.AgentFailed, ErrorMessage: "exit 1"},
	}}, config.RunSummary{Status: "completed", Failed: 1})

	out := buf.String()
	assert.Contains(t, out, "no cocode worktrees")
	assert.Contains(t, out, "/src/cocode_codex  cocode/7-codex  abc (uncommitted changes)")
	assert.Contains(t, out, "no run recorded")
	assert.Contains(t, out, "run r1 completed")
	assert.Contains(t, out, "0 ready, 0 completed, 1 failed, 0 running, 0 pending")
}

func TestShouldColorHonoursNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.False(t, ShouldColor(os.Stdout))
}
