package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dvelop42/cocode/agent"
	"github.com/dvelop42/cocode/log"
	"github.com/dvelop42/cocode/session/git"
)

const (
	defaultKillGrace = 5 * time.Second
	// maxLineBytes bounds a single output line; agents print long JSON blobs.
	maxLineBytes = 1024 * 1024
	// maxErrorLines bounds the output kept for an error message.
	maxErrorLines = 1000
)

// RunRequest describes one agent execution.
type RunRequest struct {
	Agent       agent.Agent
	Worktree    string
	IssueNumber int
	IssueURL    string
	IssueBody   string
	// Timeout of zero means no limit.
	Timeout time.Duration
	// OnStdout and OnStderr receive redacted lines as they arrive. They may
	// be called concurrently with each other.
	OnStdout func(line string)
	OnStderr func(line string)
	// Kill, when closed, skips the termination grace period.
	Kill <-chan struct{}
	// OnCommit, when set, is called for each commit the agent makes while it
	// runs, with whether that commit carries the ready marker.
	OnCommit func(ready bool)
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// ReadyMarker is exported to agents as COCODE_READY_MARKER.
	ReadyMarker string
	// KillGrace is how long a stopped agent gets between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// TempDir holds issue body files; empty means the OS default.
	TempDir string
	// Watcher tunes commit polling for requests with OnCommit set. Its
	// Marker is always ReadyMarker.
	Watcher git.WatcherConfig
}

// Runner executes agent processes with a restricted environment, streams
// their output, and enforces timeouts by signalling the process group.
type Runner struct {
	temp      *TempFiles
	marker    string
	killGrace time.Duration
	watcher   git.WatcherConfig
	environ   func() []string
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.ReadyMarker == "" {
		opts.ReadyMarker = git.DefaultReadyMarker
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	opts.Watcher.Marker = opts.ReadyMarker
	return &Runner{
		temp:      NewTempFiles(opts.TempDir),
		marker:    opts.ReadyMarker,
		killGrace: opts.KillGrace,
		watcher:   opts.Watcher,
		environ:   os.Environ,
	}
}

// Run executes req.Agent in req.Worktree and blocks until it exits, times
// out, or ctx is cancelled. The returned Status is always populated. The
// error is nil for a clean exit, wraps ErrDispatch when the process never
// started, ErrTimeout or ErrInterrupted when it was stopped, and is an
// *ExitError for a non-zero exit.
func (r *Runner) Run(ctx context.Context, req RunRequest) (agent.Status, error) {
	name := req.Agent.Name()
	status := agent.Status{
		Name:     name,
		Branch:   git.BranchName(req.IssueNumber, name),
		Worktree: req.Worktree,
	}

	argv, err := req.Agent.Command()
	if err == nil && len(argv) == 0 {
		err = ErrEmptyCommand
	}
	if err != nil {
		return dispatchFailure(status, err)
	}

	bodyFile, err := r.temp.WriteIssueBody(req.IssueNumber, req.IssueBody)
	if err != nil {
		return dispatchFailure(status, err)
	}
	defer r.temp.Remove(bodyFile)

	env := BuildEnvironment(r.environ(), map[string]string{
		"COCODE_REPO_PATH":       req.Worktree,
		"COCODE_ISSUE_NUMBER":    strconv.Itoa(req.IssueNumber),
		"COCODE_ISSUE_URL":       req.IssueURL,
		"COCODE_ISSUE_BODY_FILE": bodyFile,
		"COCODE_READY_MARKER":    r.marker,
	}, req.Agent.PrepareEnvironment(req.Worktree, req.IssueNumber, req.IssueBody))
	argv = expandArgs(argv, env)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	c := exec.Command(argv[0], argv[1:]...)
	c.Dir = req.Worktree
	c.Env = EnvList(env)
	setProcessGroup(c)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return dispatchFailure(status, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return dispatchFailure(status, err)
	}

	log.InfoLog.Printf("running agent %s for issue #%d in %s", name, req.IssueNumber, req.Worktree)
	log.DebugLog.Printf("agent %s command: %s", name, strings.Join(argv, " "))
	watcher := r.newCommitWatcher(req)
	if err := c.Start(); err != nil {
		return dispatchFailure(status, err)
	}
	stopWatching := watcher.start(ctx)

	out := &outputCollector{}
	var readers sync.WaitGroup
	readers.Add(2)
	go out.scan(&readers, stdout, "", req.OnStdout)
	go out.scan(&readers, stderr, "[stderr] ", req.OnStderr)

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- c.Wait()
	}()

	var waitErr, cause error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			cause = ErrInterrupted
		} else {
			cause = ErrTimeout
		}
		waitErr = r.stop(c, done, req.Kill)
	}
	stopWatching()

	if commit, ok := git.NewReadyWatcher(req.Worktree, git.WatcherConfig{Marker: r.marker}).LatestCommit(); ok {
		status.LastCommit = commit
	}

	switch cause {
	case ErrTimeout:
		secs := int(req.Timeout / time.Second)
		log.ErrorLog.Printf("agent %s timed out after %d seconds", name, secs)
		status = status.WithExitCode(int(agent.ExitTimeout))
		status.ErrorMessage = fmt.Sprintf("Agent execution exceeded %d second timeout", secs)
		return status, fmt.Errorf("%w: %s exceeded %v", ErrTimeout, name, req.Timeout)
	case ErrInterrupted:
		log.InfoLog.Printf("agent %s was cancelled", name)
		status = status.WithExitCode(int(agent.ExitInterrupted))
		status.ErrorMessage = "Agent execution was interrupted"
		return status, fmt.Errorf("%w: %s", ErrInterrupted, name)
	}

	code := exitCode(c, waitErr)
	status = status.WithExitCode(code)
	status.Ready = req.Agent.CheckReady(req.Worktree)
	if code != int(agent.ExitSuccess) {
		status.ErrorMessage = strings.Join(out.snapshot(), "\n")
		log.WarningLog.Printf("agent %s exited with code %d", name, code)
		return status, &ExitError{Code: code}
	}
	log.InfoLog.Printf("agent %s finished (ready=%t)", name, status.Ready)
	return status, nil
}

// Cleanup removes any issue body files still on disk.
func (r *Runner) Cleanup() {
	if n := r.temp.Cleanup(); n > 0 {
		log.InfoLog.Printf("removed %d leftover temp file(s)", n)
	}
}

// stop asks the process group to exit and kills it after the grace period.
func (r *Runner) stop(c *exec.Cmd, done <-chan error, force <-chan struct{}) error {
	if err := terminateProcess(c); err != nil {
		log.WarningLog.Printf("failed to terminate agent process: %v", err)
	}
	timer := time.NewTimer(r.killGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	case <-force:
	}
	if err := killProcess(c); err != nil {
		log.WarningLog.Printf("failed to kill agent process: %v", err)
	}
	return <-done
}

// commitWatcher reports commits made in a worktree while its agent runs.
type commitWatcher struct {
	w        *git.ReadyWatcher
	onCommit func(ready bool)
}

// newCommitWatcher records the worktree's current HEAD so only the agent's
// own commits are reported. It returns nil when req has no OnCommit hook.
func (r *Runner) newCommitWatcher(req RunRequest) *commitWatcher {
	if req.OnCommit == nil {
		return nil
	}
	w := git.NewReadyWatcher(req.Worktree, r.watcher)
	w.HasNewCommit()
	return &commitWatcher{w: w, onCommit: req.OnCommit}
}

// start polls in the background until the returned function is called. The
// stop function waits for the poller, then reports a commit made after its
// last poll.
func (cw *commitWatcher) start(ctx context.Context) func() {
	if cw == nil {
		return func() {}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cw.w.WatchForever(watchCtx, cw.onCommit, nil)
	}()
	return func() {
		cancel()
		wg.Wait()
		if cw.w.HasNewCommit() {
			cw.onCommit(cw.w.CheckReady())
		}
	}
}

func dispatchFailure(status agent.Status, err error) (agent.Status, error) {
	log.ErrorLog.Printf("failed to start agent %s: %v", status.Name, err)
	status.ErrorMessage = err.Error()
	return status, fmt.Errorf("%w: %s: %w", ErrDispatch, status.Name, err)
}

func exitCode(c *exec.Cmd, waitErr error) int {
	if c.ProcessState != nil {
		if code := c.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	// killed by a signal
	return int(agent.ExitGeneralError)
}

// outputCollector keeps the most recent output lines of both streams.
type outputCollector struct {
	mu    sync.Mutex
	lines []string
}

func (o *outputCollector) scan(wg *sync.WaitGroup, r io.Reader, prefix string, cb func(string)) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := log.Redact(sc.Text())
		o.mu.Lock()
		o.lines = append(o.lines, prefix+line)
		if len(o.lines) > maxErrorLines {
			o.lines = o.lines[len(o.lines)-maxErrorLines:]
		}
		o.mu.Unlock()
		if cb != nil {
			cb(line)
		}
	}
	if err := sc.Err(); err != nil {
		log.WarningLog.Printf("stopped reading agent output: %v", err)
		// keep draining so the process does not block on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

func (o *outputCollector) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines...)
}
