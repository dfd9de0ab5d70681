package agent

import (
	"os"
	"strings"

	"github.com/dvelop42/cocode/log"
)

func withCatalogAliases(a *GitBasedAgent) *GitBasedAgent {
	for _, alias := range knownAgents[a.name] {
		if alias != a.command {
			a.aliases = append(a.aliases, alias)
		}
	}
	return a
}

func authHint(hint string) []outputHint {
	return []outputHint{{match: containsAny("authentication", "api key"), hint: hint}}
}

const (
	ClaudeCodeName = "claude-code"
	CodexCLIName   = "codex-cli"
)

// ClaudeCodeAgent runs Anthropic's Claude Code CLI.
type ClaudeCodeAgent struct {
	*GitBasedAgent
	getenv func(string) string
}

var claudePassthrough = []string{"CLAUDE_API_KEY", "ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"}

func NewClaudeCodeAgent() *ClaudeCodeAgent {
	return &ClaudeCodeAgent{
		GitBasedAgent: withCatalogAliases(NewGitBasedAgent(ClaudeCodeName, "claude", []string{
			"code",
			"--non-interactive",
			"--issue", "${COCODE_ISSUE_NUMBER}",
			"--commit-suffix", "${COCODE_READY_MARKER}",
		}, nil)),
		getenv: os.Getenv,
	}
}

// PrepareEnvironment forwards Claude credentials from the parent environment.
func (a *ClaudeCodeAgent) PrepareEnvironment(worktree string, issueNumber int, issueBody string) map[string]string {
	env := a.GitBasedAgent.PrepareEnvironment(worktree, issueNumber, issueBody)
	for _, key := range claudePassthrough {
		if v := a.getenv(key); v != "" {
			env[key] = v
			log.DebugLog.Printf("passing %s through to %s", key, a.Name())
		}
	}
	return env
}

func (a *ClaudeCodeAgent) DescribeFailure(exitCode int, output string) string {
	return describeFailure("Claude Code", exitCode, output,
		authHint("Authentication failed. Check CLAUDE_API_KEY or run 'claude auth'"), nil)
}

var codexHints = []outputHint{
	{
		match: func(s string) bool { return strings.Contains(s, "model") && strings.Contains(s, "not found") },
		hint:  "Model not found. Check CODEX_MODEL environment variable",
	},
	{
		match: func(s string) bool { return strings.Contains(s, "token") && strings.Contains(s, "limit") },
		hint:  "Token limit exceeded. Try reducing CODEX_MAX_TOKENS",
	},
}

// CodexCLIAgent runs the Codex CLI.
type CodexCLIAgent struct {
	*GitBasedAgent
}

func NewCodexCLIAgent() *CodexCLIAgent {
	return &CodexCLIAgent{
		GitBasedAgent: withCatalogAliases(NewGitBasedAgent(CodexCLIName, "codex", []string{
			"fix",
			"--issue-file", "${COCODE_ISSUE_BODY_FILE}",
			"--issue-number", "${COCODE_ISSUE_NUMBER}",
			"--no-interactive",
			"--commit-marker", "${COCODE_READY_MARKER}",
		}, nil)),
	}
}

func (a *CodexCLIAgent) DescribeFailure(exitCode int, output string) string {
	return describeFailure("Codex CLI", exitCode, output,
		authHint("Authentication failed. Check CODEX_API_KEY or OPENAI_API_KEY"),
		codexHints)
}
