package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dvelop42/cocode/agent"
	"github.com/dvelop42/cocode/concurrency"
	"github.com/dvelop42/cocode/config"
	"github.com/dvelop42/cocode/session/git"
	"golang.org/x/term"
)

// ShouldColor reports whether f is a terminal and NO_COLOR is unset.
func ShouldColor(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Printer writes human readable run output. It is safe for concurrent use.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *Printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// Header announces a run.
func (p *Printer) Header(issue int, url string, agents []string) {
	p.printf("%s %s\n", p.style(headerStyle, fmt.Sprintf("cocode #%d", issue)), p.style(mutedStyle, url))
	p.printf("agents: %s\n\n", strings.Join(agents, ", "))
}

// Progress prints one lifecycle transition for an agent.
func (p *Printer) Progress(name, label string) {
	var marker string
	switch label {
	case concurrency.ProgressReady:
		marker = p.style(readyStyle, readyIcon)
	case concurrency.ProgressCompleted:
		marker = p.style(readyStyle, doneIcon)
	case concurrency.ProgressFailed:
		marker = p.style(failedStyle, failedIcon)
	default:
		marker = p.style(mutedStyle, "… ")
	}
	p.printf("%s%s %s\n", marker, p.style(agentStyle, name), label)
}

// Output prints one line of agent output prefixed with the agent name.
func (p *Printer) Output(name, stream, line string) {
	prefix := p.style(mutedStyle, "["+name+"]")
	if stream == string(concurrency.EventStderr) {
		line = p.style(stderrStyle, line)
	}
	p.printf("%s %s\n", prefix, line)
}

// Summary prints the outcome of every agent in result.
func (p *Printer) Summary(result *concurrency.ExecutionResult) {
	p.printf("\n%s\n", p.style(headerStyle, "summary"))

	names := make([]string, 0, len(result.AgentResults))
	for name := range result.AgentResults {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := result.AgentResults[name]
		switch {
		case st.Ready:
			p.printf("%s%s ready on %s (%s)\n", p.style(readyStyle, readyIcon), p.style(agentStyle, name), st.Branch, shortSHA(st.LastCommit))
		case st.Succeeded():
			p.printf("%s%s completed without ready marker\n", p.style(warnStyle, doneIcon), p.style(agentStyle, name))
		default:
			msg := result.Errors[name]
			if msg == "" {
				msg = st.ErrorMessage
			}
			code := ""
			if st.ExitCode != nil {
				code = fmt.Sprintf(" [%s]", agent.Describe(*st.ExitCode))
			}
			p.printf("%s%s failed%s: %s\n", p.style(failedStyle, failedIcon), p.style(agentStyle, name), code, msg)
		}
	}

	p.printf("\n%d ready, %d succeeded, %d failed in %s\n",
		len(result.ReadyAgents), len(result.SuccessfulAgents), len(result.FailedAgents),
		result.ExecutionTime.Round(time.Millisecond))
}

// Dependencies prints the doctor report for required tools.
func (p *Printer) Dependencies(deps []agent.Dependency) {
	p.printf("%s\n", p.style(headerStyle, "dependencies"))
	for _, d := range deps {
		switch {
		case d.Installed:
			p.printf("%s%-12s %s\n", p.style(readyStyle, doneIcon), d.Name, p.style(mutedStyle, d.Version))
		case d.Required:
			p.printf("%s%-12s not found (required)\n", p.style(failedStyle, failedIcon), d.Name)
		default:
			p.printf("%s%-12s not found\n", p.style(warnStyle, failedIcon), d.Name)
		}
	}
}

// Agents prints which agents can run on this machine.
func (p *Printer) Agents(avail []agent.Availability) {
	p.printf("%s\n", p.style(headerStyle, "agents"))
	for _, a := range avail {
		icon := p.style(readyStyle, doneIcon)
		if !a.Available {
			icon = p.style(failedStyle, failedIcon)
		}
		p.printf("%s%-12s %-8s %s\n", icon, a.Name, a.Type, p.style(mutedStyle, a.Message))
	}
}

// Worktrees lists agent workspaces.
func (p *Printer) Worktrees(trees []*git.Worktree) {
	if len(trees) == 0 {
		p.printf("no cocode worktrees\n")
		return
	}
	for _, t := range trees {
		dirty := ""
		if t.HasChanges {
			dirty = p.style(warnStyle, " (uncommitted changes)")
		}
		p.printf("%s  %s  %s%s\n", t.Path, p.style(agentStyle, t.Branch), shortSHA(t.LastCommit), dirty)
	}
}

// Run prints a persisted run.
func (p *Printer) Run(run *config.RunState, sum config.RunSummary) {
	if run == nil {
		p.printf("no run recorded\n")
		return
	}
	p.printf("%s %s\n", p.style(headerStyle, fmt.Sprintf("run %s", run.ID)), p.style(mutedStyle, sum.Status))
	p.printf("issue #%d %s\n", run.IssueNumber, run.IssueURL)
	for _, a := range run.Agents {
		line := fmt.Sprintf("%-12s %-10s %s", a.Name, a.Status, a.Branch)
		if a.ErrorMessage != "" {
			line += " " + p.style(failedStyle, a.ErrorMessage)
		}
		p.printf("  %s\n", line)
	}
	p.printf("%d ready, %d completed, %d failed, %d running, %d pending\n",
		sum.Ready, sum.Completed, sum.Failed, sum.Running, sum.Pending)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	if sha == "" {
		return "no commit"
	}
	return sha
}
