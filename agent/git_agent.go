package agent

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/dvelop42/cocode/log"
	"github.com/dvelop42/cocode/session/git"
)

var ErrCommandNotFound = errors.New("agent command not found")

// GitBasedAgent runs a fixed command and detects completion through the
// ready marker in the worktree's latest commit. Custom agents from the
// configuration file are GitBasedAgents.
type GitBasedAgent struct {
	name    string
	command string
	args    []string
	env     map[string]string
	marker  string
	// aliases are tried after command when resolving the executable
	aliases []string

	lookPath func(string) (string, error)

	mu          sync.Mutex
	commandPath string
}

// NewGitBasedAgent returns an agent that runs command with args.
func NewGitBasedAgent(name, command string, args []string, env map[string]string) *GitBasedAgent {
	return &GitBasedAgent{
		name:     name,
		command:  command,
		args:     append([]string(nil), args...),
		env:      env,
		marker:   git.DefaultReadyMarker,
		lookPath: exec.LookPath,
	}
}

// SetReadyMarker changes the commit marker CheckReady looks for.
func (a *GitBasedAgent) SetReadyMarker(marker string) {
	if marker != "" {
		a.marker = marker
	}
}

// SetLookPath replaces PATH resolution.
func (a *GitBasedAgent) SetLookPath(fn func(string) (string, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookPath = fn
	a.commandPath = ""
}

func (a *GitBasedAgent) Name() string {
	return a.name
}

// ReadyMarker returns the marker CheckReady looks for.
func (a *GitBasedAgent) ReadyMarker() string {
	return a.marker
}

// CommandName returns the executable the agent runs.
func (a *GitBasedAgent) CommandName() string {
	return a.command
}

func (a *GitBasedAgent) ValidateEnvironment() bool {
	path, err := a.resolve()
	if err != nil {
		log.WarningLog.Printf("agent %s: %v", a.name, err)
		return false
	}
	log.DebugLog.Printf("agent %s found at %s", a.name, path)
	return true
}

func (a *GitBasedAgent) PrepareEnvironment(worktree string, issueNumber int, issueBody string) map[string]string {
	env := make(map[string]string, len(a.env))
	for k, v := range a.env {
		env[k] = v
	}
	return env
}

func (a *GitBasedAgent) Command() ([]string, error) {
	path, err := a.resolve()
	if err != nil {
		return nil, err
	}
	return append([]string{path}, a.args...), nil
}

func (a *GitBasedAgent) CheckReady(worktree string) bool {
	return git.CheckReadyInWorktree(worktree, a.marker)
}

// DescribeFailure maps exit codes and common output patterns to a message.
func (a *GitBasedAgent) DescribeFailure(exitCode int, output string) string {
	return describeFailure(a.name, exitCode, output, nil, nil)
}

func (a *GitBasedAgent) resolve() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.commandPath != "" {
		return a.commandPath, nil
	}
	if a.command == "" {
		return "", fmt.Errorf("%w: agent %s has no command", ErrCommandNotFound, a.name)
	}
	var lastErr error
	for _, candidate := range append([]string{a.command}, a.aliases...) {
		path, err := a.lookPath(candidate)
		if err == nil {
			a.commandPath = path
			return path, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %s (%v)", ErrCommandNotFound, a.command, lastErr)
}

type outputHint struct {
	match func(lower string) bool
	hint  string
}

func containsAny(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

var commonHints = []outputHint{
	{containsAny("rate limit"), "Rate limit exceeded. Please wait before retrying"},
	{containsAny("network", "connection"), "Network error. Check your internet connection"},
	{containsAny("permission"), "Permission denied. Check file permissions in worktree"},
}

// describeFailure checks before, then the common hints, then after; the first match wins.
func describeFailure(display string, exitCode int, output string, before, after []outputHint) string {
	var base string
	switch ExitCode(exitCode) {
	case ExitGeneralError:
		base = display + " encountered a general error"
	case ExitInvalidConfig:
		base = "Invalid configuration or missing required environment variables"
	case ExitMissingDeps:
		base = "Missing dependencies - check " + display + " installation"
	case ExitTimeout:
		base = display + " execution timed out"
	case ExitInterrupted:
		base = display + " was interrupted by user"
	default:
		base = fmt.Sprintf("%s failed with exit code %d", display, exitCode)
	}

	lower := strings.ToLower(output)
	hints := append(append(append([]outputHint{}, before...), commonHints...), after...)
	for _, h := range hints {
		if h.match(lower) {
			return base + ": " + h.hint
		}
	}
	return base
}
