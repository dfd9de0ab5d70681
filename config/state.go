package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dvelop42/cocode/log"

	"github.com/google/uuid"
)

// StateVersion is written into every state file.
const StateVersion = "1.0.0"

var (
	ErrActiveRun     = errors.New("there is already an active run")
	ErrNoActiveRun   = errors.New("no active run")
	ErrAgentExists   = errors.New("agent already exists in this run")
	ErrAgentNotFound = errors.New("agent not found in this run")
	ErrCorruptState  = errors.New("corrupted state file")
)

// AgentStatus is the persisted status of one agent in a run.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentReady     AgentStatus = "ready"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// IsFinal reports whether no further updates are expected.
func (s AgentStatus) IsFinal() bool {
	switch s {
	case AgentReady, AgentCompleted, AgentFailed, AgentCancelled:
		return true
	}
	return false
}

// AgentRunState is one agent's record within a run.
type AgentRunState struct {
	Name         string      `json:"name" yaml:"name"`
	Branch       string      `json:"branch" yaml:"branch"`
	Worktree     string      `json:"worktree" yaml:"worktree"`
	Status       AgentStatus `json:"status" yaml:"status"`
	StartedAt    *time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ExitCode     *int        `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	LastCommit   string      `json:"last_commit,omitempty" yaml:"last_commit,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// RunState is the persisted record of one `cocode run`.
type RunState struct {
	ID            string          `json:"id" yaml:"id"`
	IssueNumber   int             `json:"issue_number" yaml:"issue_number"`
	IssueURL      string          `json:"issue_url" yaml:"issue_url"`
	BaseBranch    string          `json:"base_branch" yaml:"base_branch"`
	Agents        []AgentRunState `json:"agents" yaml:"agents"`
	StartedAt     time.Time       `json:"started_at" yaml:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	SelectedAgent string          `json:"selected_agent,omitempty" yaml:"selected_agent,omitempty"`
}

// Active reports whether the run has not been completed or aborted.
func (r *RunState) Active() bool {
	return r.CompletedAt == nil
}

func (r *RunState) clone() *RunState {
	c := *r
	c.Agents = append([]AgentRunState(nil), r.Agents...)
	return &c
}

// AgentUpdate carries optional changes for UpdateAgent. Zero values are ignored.
type AgentUpdate struct {
	Status       AgentStatus
	ExitCode     *int
	LastCommit   string
	ErrorMessage string
}

// RunSummary counts agents by status.
type RunSummary struct {
	Status      string `json:"status" yaml:"status"`
	RunID       string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty" yaml:"issue_number,omitempty"`
	IssueURL    string `json:"issue_url,omitempty" yaml:"issue_url,omitempty"`
	Total       int    `json:"total_agents" yaml:"total_agents"`
	Ready       int    `json:"ready_agents" yaml:"ready_agents"`
	Completed   int    `json:"completed_agents" yaml:"completed_agents"`
	Failed      int    `json:"failed_agents" yaml:"failed_agents"`
	Running     int    `json:"running_agents" yaml:"running_agents"`
	Pending     int    `json:"pending_agents" yaml:"pending_agents"`
}

type stateFile struct {
	Version string    `json:"version"`
	Run     *RunState `json:"run"`
}

// StateManager persists the current run to a JSON file. It is safe for
// concurrent use; writes are atomic and guarded by a file lock.
type StateManager struct {
	path string

	mu      sync.Mutex
	current *RunState
	now     func() time.Time
}

// DefaultStatePath returns <repo>/.cocode/state.json.
func DefaultStatePath(repoPath string) string {
	return filepath.Join(RepoConfigDir(repoPath), StateFileName)
}

func NewStateManager(path string) *StateManager {
	return &StateManager{path: path, now: time.Now}
}

// Path returns the state file location.
func (s *StateManager) Path() string {
	return s.path
}

// StartRun begins a new run. It fails while another run is active.
func (s *StateManager) StartRun(issueNumber int, issueURL, baseBranch string) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Active() {
		return nil, ErrActiveRun
	}
	s.current = &RunState{
		ID:          uuid.New().String(),
		IssueNumber: issueNumber,
		IssueURL:    issueURL,
		BaseBranch:  baseBranch,
		Agents:      []AgentRunState{},
		StartedAt:   s.now(),
	}
	if err := s.persist(); err != nil {
		return nil, err
	}
	log.InfoLog.Printf("started run %s for issue #%d", s.current.ID, issueNumber)
	return s.current.clone(), nil
}

// AddAgent records a pending agent in the active run.
func (s *StateManager) AddAgent(name, branch, worktree string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveRun
	}
	if s.find(name) >= 0 {
		return fmt.Errorf("%w: %s", ErrAgentExists, name)
	}
	s.current.Agents = append(s.current.Agents, AgentRunState{
		Name:     name,
		Branch:   branch,
		Worktree: worktree,
		Status:   AgentPending,
	})
	return s.persist()
}

// UpdateAgent applies update to the named agent. Start and completion times
// are stamped the first time the agent enters running or a final status.
func (s *StateManager) UpdateAgent(name string, update AgentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveRun
	}
	i := s.find(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	a := &s.current.Agents[i]

	if update.Status != "" {
		a.Status = update.Status
		now := s.now()
		if update.Status == AgentRunning && a.StartedAt == nil {
			a.StartedAt = &now
		} else if update.Status.IsFinal() && a.CompletedAt == nil {
			a.CompletedAt = &now
		}
	}
	if update.ExitCode != nil {
		code := *update.ExitCode
		a.ExitCode = &code
	}
	if update.LastCommit != "" {
		a.LastCommit = update.LastCommit
	}
	if update.ErrorMessage != "" {
		a.ErrorMessage = update.ErrorMessage
	}
	return s.persist()
}

// CompleteRun marks the active run finished.
func (s *StateManager) CompleteRun(selectedAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveRun
	}
	now := s.now()
	s.current.CompletedAt = &now
	s.current.SelectedAgent = selectedAgent
	log.InfoLog.Printf("completed run %s for issue #%d", s.current.ID, s.current.IssueNumber)
	return s.persist()
}

// AbortRun cancels unfinished agents and finishes the run.
func (s *StateManager) AbortRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveRun
	}
	now := s.now()
	for i := range s.current.Agents {
		a := &s.current.Agents[i]
		if a.Status == AgentPending || a.Status == AgentRunning {
			a.Status = AgentCancelled
			if a.CompletedAt == nil {
				a.CompletedAt = &now
			}
		}
	}
	s.current.CompletedAt = &now
	log.InfoLog.Printf("aborted run %s for issue #%d", s.current.ID, s.current.IssueNumber)
	return s.persist()
}

// Load reads the state file. It returns (nil, nil) when there is none.
func (s *StateManager) Load() (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if f.Run == nil {
		return nil, nil
	}
	if f.Version != StateVersion {
		log.WarningLog.Printf("state file %s has version %q, expected %q", s.path, f.Version, StateVersion)
	}
	s.current = f.Run
	return s.current.clone(), nil
}

// Current returns a copy of the in-memory run, or nil.
func (s *StateManager) Current() *RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.clone()
}

// CanRecover reports whether the state file holds an unfinished run.
func (s *StateManager) CanRecover() bool {
	run, err := s.Load()
	return err == nil && run != nil && run.Active()
}

// Clear forgets the current run and deletes the state file.
func (s *StateManager) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// Summary counts the agents of the current run by status.
func (s *StateManager) Summary() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return RunSummary{Status: "no_active_run"}
	}
	sum := RunSummary{
		Status:      "active",
		RunID:       s.current.ID,
		IssueNumber: s.current.IssueNumber,
		IssueURL:    s.current.IssueURL,
		Total:       len(s.current.Agents),
	}
	if !s.current.Active() {
		sum.Status = "completed"
	}
	for _, a := range s.current.Agents {
		switch a.Status {
		case AgentReady:
			sum.Ready++
		case AgentCompleted:
			sum.Completed++
		case AgentFailed, AgentCancelled:
			sum.Failed++
		case AgentRunning:
			sum.Running++
		case AgentPending:
			sum.Pending++
		}
	}
	return sum
}

func (s *StateManager) find(name string) int {
	for i, a := range s.current.Agents {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// persist must be called with s.mu held.
func (s *StateManager) persist() error {
	if s.current == nil {
		return nil
	}
	data, err := json.MarshalIndent(stateFile{Version: StateVersion, Run: s.current}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	lock, err := lockFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.WarningLog.Printf("failed to unlock state file: %v", err)
		}
	}()

	if err := atomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	log.DebugLog.Printf("persisted state to %s", s.path)
	return nil
}
