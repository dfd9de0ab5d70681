package agent

// Agent is a coding agent CLI that cocode can run against an issue.
type Agent interface {
	// Name identifies the agent. It must be unique within a run.
	Name() string
	// ValidateEnvironment reports whether the agent can run on this machine.
	ValidateEnvironment() bool
	// PrepareEnvironment returns extra variables for the agent process.
	PrepareEnvironment(worktree string, issueNumber int, issueBody string) map[string]string
	// Command returns the argv to execute. Arguments may reference
	// ${COCODE_*} variables, which are expanded by the runner.
	Command() ([]string, error)
	// CheckReady reports whether the agent signalled completion in worktree.
	CheckReady(worktree string) bool
}

// FailureDescriber turns an exit code and captured output into a message
// a user can act on.
type FailureDescriber interface {
	DescribeFailure(exitCode int, output string) string
}

// Status is the outcome of one agent run. A nil ExitCode means the process
// never exited (it was never started or is still running).
type Status struct {
	Name         string `json:"name" yaml:"name"`
	Branch       string `json:"branch" yaml:"branch"`
	Worktree     string `json:"worktree" yaml:"worktree"`
	Ready        bool   `json:"ready" yaml:"ready"`
	LastCommit   string `json:"last_commit,omitempty" yaml:"last_commit,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Succeeded is true for ready agents and for clean exits.
func (s Status) Succeeded() bool {
	return s.Ready || (s.ExitCode != nil && *s.ExitCode == int(ExitSuccess))
}

// WithExitCode returns a copy of s with the exit code set.
func (s Status) WithExitCode(code int) Status {
	s.ExitCode = &code
	return s
}
