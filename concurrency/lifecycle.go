package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvelop42/cocode/agent"
	"github.com/dvelop42/cocode/log"
	"github.com/dvelop42/cocode/session"
)

var (
	ErrAgentActive = errors.New("agent is running")
	// ErrWorkerPanic is recorded when the orchestration code of a worker
	// panics, as opposed to the agent process failing.
	ErrWorkerPanic = errors.New("agent worker panicked")
)

// AgentRunner executes one agent run. *session.Runner is the production
// implementation.
type AgentRunner interface {
	Run(ctx context.Context, req session.RunRequest) (agent.Status, error)
	Cleanup()
}

// IssueContext is the unit of work handed to every agent.
type IssueContext struct {
	Number int    `json:"number" yaml:"number"`
	Body   string `json:"body" yaml:"body"`
	URL    string `json:"url" yaml:"url"`
}

// Callbacks are invoked from the agent's worker goroutines. OnStdout and
// OnStderr may run concurrently. OnCompletion runs once per started run,
// after the final state has been recorded.
type Callbacks struct {
	OnStdout     func(line string)
	OnStderr     func(line string)
	OnCommit     func(ready bool)
	OnCompletion func(status agent.Status)
}

// LifecycleOptions configures a LifecycleManager.
type LifecycleOptions struct {
	MaxConcurrent     int
	DefaultTimeout    time.Duration
	OutputBufferLines int
	// RestartGrace is slept between stopping and restarting an agent.
	RestartGrace time.Duration
	// ShutdownWait bounds how long ShutdownAll waits for workers.
	ShutdownWait time.Duration
	// PollInterval is the longest WaitForCompletion sleeps between checks.
	PollInterval time.Duration
	// EventBuffer enables the Events channel when positive.
	EventBuffer int
}

func DefaultLifecycleOptions() LifecycleOptions {
	return LifecycleOptions{
		MaxConcurrent:     5,
		DefaultTimeout:    900 * time.Second,
		OutputBufferLines: 1000,
		RestartGrace:      500 * time.Millisecond,
		ShutdownWait:      10 * time.Second,
		PollInterval:      500 * time.Millisecond,
	}
}

func (o LifecycleOptions) withDefaults() LifecycleOptions {
	d := DefaultLifecycleOptions()
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	if o.OutputBufferLines <= 0 {
		o.OutputBufferLines = d.OutputBufferLines
	}
	if o.RestartGrace < 0 {
		o.RestartGrace = 0
	}
	if o.ShutdownWait <= 0 {
		o.ShutdownWait = d.ShutdownWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// AgentInfo is a snapshot of one agent's lifecycle record.
type AgentInfo struct {
	Name         string        `json:"name" yaml:"name"`
	State        AgentState    `json:"-" yaml:"-"`
	StateName    string        `json:"state" yaml:"state"`
	Status       *agent.Status `json:"status,omitempty" yaml:"status,omitempty"`
	WorktreePath string        `json:"worktree" yaml:"worktree"`
	Output       []string      `json:"output,omitempty" yaml:"output,omitempty"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
	RestartCount int           `json:"restart_count" yaml:"restart_count"`
	MaxRestarts  int           `json:"max_restarts" yaml:"max_restarts"`
	StartedAt    time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt   time.Time     `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

type agentRecord struct {
	agent       agent.Agent
	state       AgentState
	status      *agent.Status
	worktree    string
	output      *ringBuffer
	err         string
	restarts    int
	maxRestarts int
	startedAt   time.Time
	finishedAt  time.Time

	// generation increases on every start so a worker that outlives a
	// stop cannot overwrite the record of the run that replaced it.
	generation uint64
	cancel     context.CancelFunc
	kill       chan struct{}
	killOnce   *sync.Once
}

func (r *agentRecord) info() AgentInfo {
	info := AgentInfo{
		Name:         r.agent.Name(),
		State:        r.state,
		StateName:    r.state.String(),
		WorktreePath: r.worktree,
		Output:       r.output.snapshot(),
		Error:        r.err,
		RestartCount: r.restarts,
		MaxRestarts:  r.maxRestarts,
		StartedAt:    r.startedAt,
		FinishedAt:   r.finishedAt,
	}
	if r.status != nil {
		st := *r.status
		info.Status = &st
	}
	return info
}

// LifecycleManager is the single owner of agent run state. All records and
// the running counter are guarded by one mutex.
type LifecycleManager struct {
	runner AgentRunner
	opts   LifecycleOptions

	mu      sync.Mutex
	agents  map[string]*agentRecord
	running int
	closed  bool
	// changed is closed and replaced whenever any record changes.
	changed chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	workers    sync.WaitGroup
	shutdown   sync.Once

	events  chan AgentEvent
	dropLog *log.Every
	metrics LifecycleMetrics
}

func NewLifecycleManager(runner AgentRunner, opts LifecycleOptions) *LifecycleManager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &LifecycleManager{
		runner:     runner,
		opts:       opts,
		agents:     make(map[string]*agentRecord),
		changed:    make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
		dropLog:    log.NewEvery(time.Second),
	}
	if opts.EventBuffer > 0 {
		m.events = make(chan AgentEvent, opts.EventBuffer)
	}
	return m
}

// Events returns the event channel, or nil when EventBuffer was not set.
// Sends never block; events are dropped when the consumer falls behind.
func (m *LifecycleManager) Events() <-chan AgentEvent {
	return m.events
}

func (m *LifecycleManager) MaxConcurrent() int {
	return m.opts.MaxConcurrent
}

func (m *LifecycleManager) Metrics() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// RegisterAgent creates or replaces the record for a. Records of running
// agents are never replaced.
func (m *LifecycleManager) RegisterAgent(a agent.Agent, worktree string, maxRestarts int) error {
	name := a.Name()
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.agents[name]; ok {
		if old.state.IsActive() || old.state == StateStopping {
			log.WarningLog.Printf("refusing to re-register running agent %s", name)
			return fmt.Errorf("%w: %s", ErrAgentActive, name)
		}
		log.WarningLog.Printf("re-registering agent %s (was %s)", name, old.state)
	}
	if maxRestarts < 0 {
		maxRestarts = 0
	}
	m.agents[name] = &agentRecord{
		agent:       a,
		state:       StateIdle,
		worktree:    worktree,
		output:      newRingBuffer(m.opts.OutputBufferLines),
		maxRestarts: maxRestarts,
	}
	m.notifyLocked()
	log.DebugLog.Printf("registered agent %s at %s", name, worktree)
	return nil
}

// StartAgent admits and launches an agent run. It returns false without
// changing anything when the agent is unknown, already active, the manager
// is shut down, or the concurrency ceiling is reached. The run continues
// asynchronously.
func (m *LifecycleManager) StartAgent(name string, issue IssueContext, cb Callbacks) bool {
	m.mu.Lock()
	rec, ok := m.agents[name]
	switch {
	case m.closed || !ok:
		m.mu.Unlock()
		return false
	case rec.state.IsActive() || rec.state == StateStopping:
		m.mu.Unlock()
		return false
	case m.running >= m.opts.MaxConcurrent:
		m.mu.Unlock()
		log.DebugLog.Printf("agent %s waiting for a slot (%d/%d running)", name, m.running, m.opts.MaxConcurrent)
		return false
	}

	rec.state = StateStarting
	rec.output.reset()
	rec.err = ""
	rec.status = nil
	rec.startedAt = time.Now()
	rec.finishedAt = time.Time{}
	rec.generation++
	ctx, cancel := context.WithCancel(m.baseCtx)
	rec.cancel = cancel
	rec.kill = make(chan struct{})
	rec.killOnce = &sync.Once{}
	m.running++
	m.metrics.Running.Inc()
	m.metrics.Started.Inc()
	m.workers.Add(1)
	m.notifyLocked()
	gen := rec.generation
	kill := rec.kill
	m.mu.Unlock()

	log.InfoLog.Printf("starting agent %s for issue #%d", name, issue.Number)
	m.emit(AgentEvent{Kind: EventState, Agent: name, Payload: StateStarting.String(), State: StateStarting})
	go m.runAgent(ctx, cancel, rec, gen, kill, issue, cb)
	return true
}

func (m *LifecycleManager) runAgent(ctx context.Context, cancel context.CancelFunc, rec *agentRecord, gen uint64, kill chan struct{}, issue IssueContext, cb Callbacks) {
	defer m.workers.Done()
	defer cancel()

	name := rec.agent.Name()
	status := agent.Status{Name: name, Worktree: rec.worktree}
	runErr := fmt.Errorf("%w: worker exited before the run finished", ErrWorkerPanic)
	defer func() {
		final, state := m.complete(rec, gen, status, runErr)
		m.emit(AgentEvent{Kind: EventCompleted, Agent: name, Payload: state.String(), State: state, Status: &final})
		if cb.OnCompletion != nil {
			cb.OnCompletion(final)
		}
	}()

	if m.transition(rec, gen, StateStarting, StateRunning) {
		m.emit(AgentEvent{Kind: EventState, Agent: name, Payload: StateRunning.String(), State: StateRunning})
	}
	status, runErr = m.invoke(ctx, rec, gen, kill, issue, cb)
}

// invoke calls the runner, converting a panic into ErrWorkerPanic.
func (m *LifecycleManager) invoke(ctx context.Context, rec *agentRecord, gen uint64, kill chan struct{}, issue IssueContext, cb Callbacks) (status agent.Status, err error) {
	name := rec.agent.Name()
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("agent %s worker panicked: %v", name, r)
			status = agent.Status{Name: name, Worktree: rec.worktree, ErrorMessage: fmt.Sprintf("%v", r)}
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()

	req := session.RunRequest{
		Agent:       rec.agent,
		Worktree:    rec.worktree,
		IssueNumber: issue.Number,
		IssueURL:    issue.URL,
		IssueBody:   issue.Body,
		Timeout:     m.opts.DefaultTimeout,
		Kill:        kill,
		OnCommit:    cb.OnCommit,
		OnStdout: func(line string) {
			m.appendOutput(rec, gen, line)
			m.emit(AgentEvent{Kind: EventStdout, Agent: name, Payload: line})
			if cb.OnStdout != nil {
				cb.OnStdout(line)
			}
		},
		OnStderr: func(line string) {
			m.appendOutput(rec, gen, "[stderr] "+line)
			m.emit(AgentEvent{Kind: EventStderr, Agent: name, Payload: line})
			if cb.OnStderr != nil {
				cb.OnStderr(line)
			}
		},
	}
	return m.runner.Run(ctx, req)
}

// complete records the outcome of a run and releases its slot.
func (m *LifecycleManager) complete(rec *agentRecord, gen uint64, status agent.Status, runErr error) (agent.Status, AgentState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running--
	m.metrics.Running.Dec()
	defer m.notifyLocked()

	if status.ErrorMessage == "" && runErr != nil && !status.Succeeded() {
		status.ErrorMessage = runErr.Error()
	}

	if rec.generation != gen {
		log.DebugLog.Printf("discarding stale result for agent %s", status.Name)
		return status, rec.state
	}

	now := time.Now()
	rec.finishedAt = now
	m.metrics.RunTime.Record(now.Sub(rec.startedAt))
	st := status
	rec.status = &st

	switch {
	case rec.state == StateStopping || rec.state == StateStopped:
		if rec.state == StateStopping {
			m.metrics.Stopped.Inc()
		}
		rec.state = StateStopped
		rec.err = status.ErrorMessage
	case errors.Is(runErr, session.ErrDispatch) || errors.Is(runErr, ErrWorkerPanic):
		rec.state = StateFailed
		rec.err = status.ErrorMessage
		m.metrics.Failed.Inc()
	case status.Ready:
		rec.state = StateReady
		m.metrics.Ready.Inc()
	case status.ExitCode != nil && *status.ExitCode == int(agent.ExitSuccess):
		rec.state = StateCompleted
		m.metrics.Completed.Inc()
	default:
		rec.state = StateFailed
		rec.err = status.ErrorMessage
		m.metrics.Failed.Inc()
	}
	log.InfoLog.Printf("agent %s finished: %s", status.Name, rec.state)
	return status, rec.state
}

func (m *LifecycleManager) transition(rec *agentRecord, gen uint64, from, to AgentState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.generation != gen || rec.state != from {
		return false
	}
	rec.state = to
	m.notifyLocked()
	return true
}

func (m *LifecycleManager) appendOutput(rec *agentRecord, gen uint64, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.generation == gen {
		rec.output.add(line)
	}
}

// StopAgent stops an active agent. The runner terminates the process group
// and kills it after its grace period, or at once when force is set. The
// worker finishes on its own timeline; the record stays Stopped.
func (m *LifecycleManager) StopAgent(name string, force bool) bool {
	m.mu.Lock()
	rec, ok := m.agents[name]
	if !ok || !rec.state.IsActive() {
		m.mu.Unlock()
		return false
	}
	rec.state = StateStopping
	gen := rec.generation
	cancel, kill, killOnce := rec.cancel, rec.kill, rec.killOnce
	m.notifyLocked()
	m.mu.Unlock()

	log.InfoLog.Printf("stopping agent %s (force=%t)", name, force)
	m.emit(AgentEvent{Kind: EventState, Agent: name, Payload: StateStopping.String(), State: StateStopping})
	if force {
		killOnce.Do(func() { close(kill) })
	}
	cancel()

	if m.transition(rec, gen, StateStopping, StateStopped) {
		m.metrics.Stopped.Inc()
		m.emit(AgentEvent{Kind: EventState, Agent: name, Payload: StateStopped.String(), State: StateStopped})
	}
	return true
}

// RestartAgent stops the agent if it is active, waits the restart grace and
// starts it again. It returns false once the restart budget is spent.
func (m *LifecycleManager) RestartAgent(name string, issue IssueContext, cb Callbacks) bool {
	m.mu.Lock()
	rec, ok := m.agents[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if rec.restarts >= rec.maxRestarts {
		m.mu.Unlock()
		log.WarningLog.Printf("agent %s reached its restart limit (%d)", name, rec.maxRestarts)
		return false
	}
	rec.restarts++
	attempt := rec.restarts
	active := rec.state.IsActive()
	m.mu.Unlock()

	m.metrics.Restarts.Inc()
	log.InfoLog.Printf("restarting agent %s (attempt %d)", name, attempt)
	if active {
		m.StopAgent(name, false)
	}
	if m.opts.RestartGrace > 0 {
		time.Sleep(m.opts.RestartGrace)
	}
	return m.StartAgent(name, issue, cb)
}

// ResetAgent returns a finished agent to Idle and clears its restart count
// and output.
func (m *LifecycleManager) ResetAgent(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[name]
	if !ok || rec.state.IsActive() || rec.state == StateStopping {
		return false
	}
	rec.state = StateIdle
	rec.status = nil
	rec.err = ""
	rec.restarts = 0
	rec.output.reset()
	rec.startedAt = time.Time{}
	rec.finishedAt = time.Time{}
	m.notifyLocked()
	return true
}

// ShutdownAll stops every active agent, waits for the workers unless force
// is set and releases runner resources. Only the first call does anything.
func (m *LifecycleManager) ShutdownAll(force bool) {
	m.shutdown.Do(func() {
		m.mu.Lock()
		m.closed = true
		var active []string
		for name, rec := range m.agents {
			if rec.state.IsActive() {
				active = append(active, name)
			}
		}
		m.mu.Unlock()

		log.InfoLog.Printf("shutting down %d active agent(s)", len(active))
		for _, name := range active {
			m.StopAgent(name, force)
		}

		if !force {
			done := make(chan struct{})
			go func() {
				m.workers.Wait()
				close(done)
			}()
			timer := time.NewTimer(m.opts.ShutdownWait)
			select {
			case <-done:
			case <-timer.C:
				log.WarningLog.Printf("agents still running after %v, giving up", m.opts.ShutdownWait)
			}
			timer.Stop()
		}

		m.cancelBase()
		m.runner.Cleanup()
	})
}

func (m *LifecycleManager) AgentState(name string) (AgentState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[name]
	if !ok {
		return StateIdle, false
	}
	return rec.state, true
}

func (m *LifecycleManager) AgentInfo(name string) (AgentInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[name]
	if !ok {
		return AgentInfo{}, false
	}
	return rec.info(), true
}

func (m *LifecycleManager) AllAgents() map[string]AgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AgentInfo, len(m.agents))
	for name, rec := range m.agents {
		out[name] = rec.info()
	}
	return out
}

// IsAnyRunning reports whether any worker still holds a slot.
func (m *LifecycleManager) IsAnyRunning() bool {
	return m.RunningCount() > 0
}

func (m *LifecycleManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// WaitForCompletion blocks until no worker is running. A zero timeout waits
// until ctx is done. It returns true when everything finished.
func (m *LifecycleManager) WaitForCompletion(ctx context.Context, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()

	for {
		m.mu.Lock()
		running := m.running
		changed := m.changed
		m.mu.Unlock()
		if running == 0 {
			return true
		}
		select {
		case <-changed:
		case <-poll.C:
		case <-deadline:
			return !m.IsAnyRunning()
		case <-ctx.Done():
			return false
		}
	}
}

// changes returns a channel closed on the next record change.
func (m *LifecycleManager) changes() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *LifecycleManager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *LifecycleManager) emit(ev AgentEvent) {
	if m.events == nil {
		return
	}
	ev.Time = time.Now()
	select {
	case m.events <- ev:
	default:
		m.metrics.DroppedEvents.Inc()
		if m.dropLog.ShouldLog() {
			log.WarningLog.Printf("event consumer is behind, dropped %d event(s) so far", m.metrics.DroppedEvents.Get())
		}
	}
}
