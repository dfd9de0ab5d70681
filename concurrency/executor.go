package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvelop42/cocode/agent"
	"github.com/dvelop42/cocode/config"
	"github.com/dvelop42/cocode/log"
	"github.com/dvelop42/cocode/session"
	"github.com/dvelop42/cocode/session/git"
)

var (
	ErrNoAgents           = errors.New("no agents specified")
	ErrDuplicateAgents    = errors.New("duplicate agent names")
	ErrInvalidIssueNumber = errors.New("invalid issue number")
	ErrEmptyIssueBody     = errors.New("issue body cannot be empty")
	ErrEmptyIssueURL      = errors.New("issue URL cannot be empty")
	ErrInvalidOptions     = errors.New("invalid executor options")
)

const (
	MaxIssueNumber     = 999999
	DefaultSafetyFloor = 10 * time.Second

	minTick            = 10 * time.Millisecond
	maxTick            = 500 * time.Millisecond
	cleanupParallelism = 4
	defaultEventBuffer = 256

	msgNoProgress   = "failed to start agent: no progress possible"
	msgDeadline     = "execution timed out before start"
	msgProvisioning = "workspace provisioning failed: "
	msgNoStatus     = "agent did not report a status before the execution deadline"
)

// Progress labels passed to ExecuteOptions.OnProgress.
const (
	ProgressStarting  = "starting"
	ProgressReady     = "ready"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
	// Reported while the agent runs, for each commit it makes.
	ProgressCommitted = "committed"
	ProgressMarked    = "marker committed"
)

// Workspaces provisions one isolated worktree per agent.
// *git.WorktreeManager is the production implementation.
type Workspaces interface {
	CreateWorktree(ctx context.Context, branchName, agentName string) (string, error)
	RemoveWorktree(ctx context.Context, path string) error
	WorktreePath(agentName string) (string, error)
}

// ExecutorOptions configures an Executor. Zero values take defaults.
// Workspaces, Runner and Lifecycle are built from the other fields when nil.
type ExecutorOptions struct {
	MaxConcurrent     int
	AgentTimeout      time.Duration
	SafetyFloor       time.Duration
	ReadyMarker       string
	BaseBranch        string
	OutputBufferLines int
	// Watcher tunes how often running agents' worktrees are polled for
	// commits. The marker is always ReadyMarker.
	Watcher git.WatcherConfig

	Workspaces Workspaces
	Runner     AgentRunner
	Lifecycle  *LifecycleManager
}

// OptionsFromConfig maps the user configuration onto executor options.
func OptionsFromConfig(cfg *config.Config) ExecutorOptions {
	return ExecutorOptions{
		MaxConcurrent:     cfg.MaxConcurrentAgents,
		AgentTimeout:      cfg.AgentTimeout(),
		ReadyMarker:       cfg.ReadyMarker,
		BaseBranch:        cfg.BaseBranch,
		OutputBufferLines: cfg.OutputBufferLines,
		Watcher: git.WatcherConfig{
			InitialDelay:  time.Duration(cfg.Watcher.InitialDelayMs) * time.Millisecond,
			MaxDelay:      time.Duration(cfg.Watcher.MaxDelayMs) * time.Millisecond,
			BackoffFactor: cfg.Watcher.BackoffFactor,
		},
	}
}

// ExecuteOptions carries per-call hooks. Hooks are never invoked
// concurrently with each other.
type ExecuteOptions struct {
	OnProgress  func(agent, label string)
	OnOutput    func(agent, stream, line string)
	MaxRestarts int
}

// ExecutionResult aggregates one ExecuteAgents call. Every requested agent
// appears in AgentResults and in exactly one of SuccessfulAgents or
// FailedAgents. Ready agents are also successful.
type ExecutionResult struct {
	RunID            string                  `json:"run_id" yaml:"run_id"`
	IssueNumber      int                     `json:"issue_number" yaml:"issue_number"`
	IssueURL         string                  `json:"issue_url" yaml:"issue_url"`
	AgentResults     map[string]agent.Status `json:"agent_results" yaml:"agent_results"`
	SuccessfulAgents []string                `json:"successful_agents" yaml:"successful_agents"`
	FailedAgents     []string                `json:"failed_agents" yaml:"failed_agents"`
	ReadyAgents      []string                `json:"ready_agents" yaml:"ready_agents"`
	Errors           map[string]string       `json:"errors,omitempty" yaml:"errors,omitempty"`
	ExecutionTime    time.Duration           `json:"execution_time" yaml:"execution_time"`
	Metrics          MetricsSnapshot         `json:"metrics" yaml:"metrics"`
}

// completion is a one-shot signal fired when an agent run finishes.
type completion struct {
	done chan struct{}
	once sync.Once
}

func (c *completion) fire() {
	c.once.Do(func() { close(c.done) })
}

// Executor runs a set of agents against one issue under a concurrency
// ceiling and aggregates their outcomes.
type Executor struct {
	repoPath   string
	opts       ExecutorOptions
	workspaces Workspaces
	lifecycle  *LifecycleManager

	mu          sync.Mutex
	completions map[string]*completion
	issue       IssueContext
	execOpts    ExecuteOptions

	// hookMu serializes user hooks.
	hookMu sync.Mutex
}

func NewExecutor(repoPath string, opts ExecutorOptions) (*Executor, error) {
	defaults := DefaultLifecycleOptions()
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.MaxConcurrent < config.MinConcurrentAgents || opts.MaxConcurrent > config.MaxConcurrentAgents {
		return nil, fmt.Errorf("%w: max concurrent agents must be between %d and %d, got %d",
			ErrInvalidOptions, config.MinConcurrentAgents, config.MaxConcurrentAgents, opts.MaxConcurrent)
	}
	if opts.AgentTimeout == 0 {
		opts.AgentTimeout = defaults.DefaultTimeout
	}
	if opts.AgentTimeout < time.Duration(config.MinAgentTimeout)*time.Second ||
		opts.AgentTimeout > time.Duration(config.MaxAgentTimeout)*time.Second {
		return nil, fmt.Errorf("%w: agent timeout must be between %ds and %ds, got %v",
			ErrInvalidOptions, config.MinAgentTimeout, config.MaxAgentTimeout, opts.AgentTimeout)
	}
	if opts.SafetyFloor <= 0 {
		opts.SafetyFloor = DefaultSafetyFloor
	}
	if opts.ReadyMarker == "" {
		opts.ReadyMarker = git.DefaultReadyMarker
	}

	e := &Executor{
		repoPath:    repoPath,
		opts:        opts,
		workspaces:  opts.Workspaces,
		lifecycle:   opts.Lifecycle,
		completions: make(map[string]*completion),
	}
	if e.workspaces == nil {
		wm, err := git.NewWorktreeManager(repoPath, git.WithBaseBranch(opts.BaseBranch))
		if err != nil {
			return nil, err
		}
		e.workspaces = wm
	}
	if e.lifecycle == nil {
		runner := opts.Runner
		if runner == nil {
			runner = session.NewRunner(session.RunnerOptions{
				ReadyMarker: opts.ReadyMarker,
				Watcher:     opts.Watcher,
			})
		}
		e.lifecycle = NewLifecycleManager(runner, LifecycleOptions{
			MaxConcurrent:     opts.MaxConcurrent,
			DefaultTimeout:    opts.AgentTimeout,
			OutputBufferLines: opts.OutputBufferLines,
			EventBuffer:       defaultEventBuffer,
		})
	}
	return e, nil
}

// Lifecycle exposes the manager so callers can wire signal handling.
func (e *Executor) Lifecycle() *LifecycleManager {
	return e.lifecycle
}

func validateRequest(agents []agent.Agent, issue IssueContext) error {
	if len(agents) == 0 {
		return ErrNoAgents
	}
	seen := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		name := a.Name()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAgents, name)
		}
		seen[name] = struct{}{}
	}
	if issue.Number < 1 || issue.Number > MaxIssueNumber {
		return fmt.Errorf("%w: %d (must be between 1 and %d)", ErrInvalidIssueNumber, issue.Number, MaxIssueNumber)
	}
	if issue.Body == "" {
		return ErrEmptyIssueBody
	}
	if issue.URL == "" {
		return ErrEmptyIssueURL
	}
	return nil
}

// ExecuteAgents provisions a worktree per agent, runs them with at most
// MaxConcurrent active at once and returns when all of them have finished
// or the safety deadline has passed. Only invalid input returns an error;
// per-agent failures are recorded in the result.
func (e *Executor) ExecuteAgents(ctx context.Context, agents []agent.Agent, issue IssueContext, eo ExecuteOptions) (*ExecutionResult, error) {
	if err := validateRequest(agents, issue); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &ExecutionResult{
		RunID:        uuid.NewString(),
		IssueNumber:  issue.Number,
		IssueURL:     issue.URL,
		AgentResults: make(map[string]agent.Status, len(agents)),
		Errors:       make(map[string]string),
	}
	log.InfoLog.Printf("run %s: executing %d agent(s) for issue #%d", result.RunID, len(agents), issue.Number)

	e.mu.Lock()
	e.issue = issue
	e.execOpts = eo
	e.mu.Unlock()

	// The consumer runs for the whole call, even without an output hook, so
	// workers never fill the channel while the scheduler is waiting.
	if events := e.lifecycle.Events(); events != nil {
		fwdCtx, stopForwarding := context.WithCancel(context.Background())
		var fwd sync.WaitGroup
		fwd.Add(1)
		go func() {
			defer fwd.Done()
			e.forwardEvents(fwdCtx, events, eo)
		}()
		defer func() {
			stopForwarding()
			fwd.Wait()
		}()
	}

	// failures holds synthetic statuses for agents that never ran.
	failures := make(map[string]agent.Status)
	fail := func(name, msg string) {
		failures[name] = agent.Status{
			Name:         name,
			Branch:       git.BranchName(issue.Number, name),
			ErrorMessage: msg,
		}
		e.progress(eo, name, ProgressFailed)
	}

	var runnable []string
	for _, a := range agents {
		name := a.Name()
		path, err := e.workspaces.CreateWorktree(ctx, git.BranchName(issue.Number, name), name)
		if err != nil {
			log.ErrorLog.Printf("run %s: failed to provision worktree for %s: %v", result.RunID, name, err)
			fail(name, msgProvisioning+err.Error())
			continue
		}
		if err := e.lifecycle.RegisterAgent(a, path, eo.MaxRestarts); err != nil {
			fail(name, err.Error())
			continue
		}
		e.mu.Lock()
		e.completions[name] = &completion{done: make(chan struct{})}
		e.mu.Unlock()
		runnable = append(runnable, name)
	}

	reported := make(map[string]bool, len(agents))
	started := e.schedule(ctx, runnable, issue, eo, fail, reported)
	e.settle(ctx, started)

	for _, a := range agents {
		name := a.Name()
		status, ok := failures[name]
		if !ok {
			status = e.finalStatus(name, issue)
		}
		result.AgentResults[name] = status

		if !ok && !reported[name] {
			e.progress(eo, name, finishedLabel(status))
		}

		if status.Ready {
			result.ReadyAgents = append(result.ReadyAgents, name)
		}
		if status.Succeeded() {
			result.SuccessfulAgents = append(result.SuccessfulAgents, name)
			continue
		}
		result.FailedAgents = append(result.FailedAgents, name)
		msg := status.ErrorMessage
		if msg == "" {
			msg = "agent failed"
		}
		result.Errors[name] = msg
	}

	result.ExecutionTime = time.Since(start)
	result.Metrics = e.lifecycle.Metrics()
	log.InfoLog.Printf("run %s: %d successful, %d failed, %d ready in %v",
		result.RunID, len(result.SuccessfulAgents), len(result.FailedAgents), len(result.ReadyAgents), result.ExecutionTime)
	return result, nil
}

// schedule admits pending agents as slots free up until every agent has
// finished, no progress is possible, or the safety deadline passes. It
// returns the agents that were started but had not finished.
func (e *Executor) schedule(ctx context.Context, pending []string, issue IssueContext, eo ExecuteOptions, fail func(name, msg string), reported map[string]bool) map[string]struct{} {
	started := make(map[string]struct{})
	if len(pending) == 0 {
		return started
	}

	ceiling := e.lifecycle.MaxConcurrent()
	waves := (len(pending) + ceiling - 1) / ceiling
	deadline := time.Now().Add(max(e.opts.AgentTimeout, e.opts.SafetyFloor) * time.Duration(waves))
	tick := minTick

	failPending := func(msg string) {
		for _, name := range pending {
			log.ErrorLog.Printf("agent %s: %s", name, msg)
			fail(name, msg)
		}
		pending = nil
	}

	for len(pending) > 0 || len(started) > 0 {
		// Grab the change channel before looking, so nothing that happens
		// after this point is missed by the wait below.
		changed := e.lifecycle.changes()
		progressed := false

		remaining := pending[:0]
		for _, name := range pending {
			if e.lifecycle.StartAgent(name, issue, e.callbacks(name, eo)) {
				started[name] = struct{}{}
				progressed = true
				e.progress(eo, name, ProgressStarting)
				continue
			}
			remaining = append(remaining, name)
		}
		pending = remaining

		for name := range started {
			if e.isDone(name) {
				delete(started, name)
				progressed = true
				e.progress(eo, name, finishedLabel(e.finalStatus(name, issue)))
				reported[name] = true
			}
		}

		if len(pending) == 0 && len(started) == 0 {
			break
		}
		if !progressed && len(pending) > 0 && len(started) == 0 && !e.lifecycle.IsAnyRunning() {
			failPending(msgNoProgress)
			continue
		}
		if time.Now().After(deadline) {
			log.WarningLog.Printf("safety deadline reached with %d agent(s) pending", len(pending))
			failPending(msgDeadline)
			break
		}

		if progressed {
			tick = minTick
		} else {
			tick = min(tick*2, maxTick)
		}
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.WarningLog.Printf("execution cancelled: %v", ctx.Err())
			failPending("execution cancelled: " + ctx.Err().Error())
			for name := range started {
				e.lifecycle.StopAgent(name, false)
			}
			return started
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
	return started
}

// settle waits, bounded by the agent timeout, for started agents that were
// still running when scheduling ended.
func (e *Executor) settle(ctx context.Context, started map[string]struct{}) {
	if len(started) == 0 {
		return
	}
	timer := time.NewTimer(e.opts.AgentTimeout)
	defer timer.Stop()
	for name := range started {
		e.mu.Lock()
		c := e.completions[name]
		e.mu.Unlock()
		if c == nil {
			continue
		}
		select {
		case <-c.done:
		case <-timer.C:
			log.WarningLog.Printf("gave up waiting for %d agent(s)", len(started))
			return
		case <-ctx.Done():
			// stopped agents still report within the runner's kill grace
			select {
			case <-c.done:
			case <-timer.C:
				return
			}
		}
	}
}

func (e *Executor) finalStatus(name string, issue IssueContext) agent.Status {
	info, ok := e.lifecycle.AgentInfo(name)
	if !ok || info.Status == nil {
		st := agent.Status{
			Name:         name,
			Branch:       git.BranchName(issue.Number, name),
			ErrorMessage: msgNoStatus,
		}
		if ok {
			st.Worktree = info.WorktreePath
		}
		return st
	}
	st := *info.Status
	if st.Branch == "" {
		st.Branch = git.BranchName(issue.Number, name)
	}
	if !st.Succeeded() && st.ErrorMessage == "" {
		st.ErrorMessage = info.Error
	}
	return st
}

func finishedLabel(st agent.Status) string {
	switch {
	case st.Ready:
		return ProgressReady
	case st.Succeeded():
		return ProgressCompleted
	default:
		return ProgressFailed
	}
}

func (e *Executor) callbacks(name string, eo ExecuteOptions) Callbacks {
	cb := Callbacks{
		OnCompletion: func(agent.Status) {
			e.mu.Lock()
			c := e.completions[name]
			e.mu.Unlock()
			if c != nil {
				c.fire()
			}
		},
	}
	if eo.OnProgress != nil {
		cb.OnCommit = func(ready bool) {
			label := ProgressCommitted
			if ready {
				label = ProgressMarked
			}
			e.progress(eo, name, label)
		}
	}
	// Without an event channel output is delivered straight from the
	// worker goroutines.
	if e.lifecycle.Events() == nil && eo.OnOutput != nil {
		cb.OnStdout = func(line string) {
			e.hook(func() { eo.OnOutput(name, string(EventStdout), line) })
		}
		cb.OnStderr = func(line string) {
			e.hook(func() { eo.OnOutput(name, string(EventStderr), line) })
		}
	}
	return cb
}

func (e *Executor) forwardEvents(ctx context.Context, events <-chan AgentEvent, eo ExecuteOptions) {
	deliver := func(ev AgentEvent) {
		if eo.OnOutput != nil && (ev.Kind == EventStdout || ev.Kind == EventStderr) {
			e.hook(func() { eo.OnOutput(ev.Agent, string(ev.Kind), ev.Payload) })
		}
	}
	for {
		select {
		case <-ctx.Done():
			// flush what is already buffered
			for {
				select {
				case ev := <-events:
					deliver(ev)
				default:
					return
				}
			}
		case ev := <-events:
			deliver(ev)
		}
	}
}

func (e *Executor) isDone(name string) bool {
	e.mu.Lock()
	c := e.completions[name]
	e.mu.Unlock()
	if c == nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (e *Executor) progress(eo ExecuteOptions, name, label string) {
	if eo.OnProgress == nil {
		return
	}
	e.hook(func() { eo.OnProgress(name, label) })
}

func (e *Executor) hook(fn func()) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	fn()
}

// RestartAgent reruns one agent against the issue of the last execution.
func (e *Executor) RestartAgent(name string) bool {
	e.mu.Lock()
	issue, eo := e.issue, e.execOpts
	if c, ok := e.completions[name]; ok {
		select {
		case <-c.done:
			e.completions[name] = &completion{done: make(chan struct{})}
		default:
		}
	}
	e.mu.Unlock()
	return e.lifecycle.RestartAgent(name, issue, e.callbacks(name, eo))
}

// StopAll stops every active agent.
func (e *Executor) StopAll(force bool) {
	for name, info := range e.lifecycle.AllAgents() {
		if info.State.IsActive() {
			e.lifecycle.StopAgent(name, force)
		}
	}
}

// CleanupWorktrees removes the worktrees of the named agents. Failures are
// logged and never stop the remaining removals. It returns how many
// worktrees were removed.
func (e *Executor) CleanupWorktrees(ctx context.Context, names []string) int {
	var (
		mu      sync.Mutex
		removed int
	)
	var g errgroup.Group
	g.SetLimit(cleanupParallelism)
	for _, name := range names {
		g.Go(func() error {
			path, err := e.workspaces.WorktreePath(name)
			if err != nil {
				log.WarningLog.Printf("skipping cleanup for %s: %v", name, err)
				return nil
			}
			if err := e.workspaces.RemoveWorktree(ctx, path); err != nil {
				log.ErrorLog.Printf("failed to remove worktree %s: %v", path, err)
				return nil
			}
			mu.Lock()
			removed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return removed
}

// AgentStatus returns the lifecycle snapshot for one agent.
func (e *Executor) AgentStatus(name string) (AgentInfo, bool) {
	return e.lifecycle.AgentInfo(name)
}

// Close shuts the lifecycle manager down: active agents are stopped, their
// workers are awaited for at most the manager's ShutdownWait and the runner
// is cleaned up. The executor cannot start agents afterwards.
func (e *Executor) Close() {
	e.lifecycle.ShutdownAll(false)
	e.mu.Lock()
	clear(e.completions)
	e.mu.Unlock()
}
