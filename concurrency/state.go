package concurrency

// AgentState is the lifecycle state of a registered agent.
type AgentState int

const (
	StateIdle AgentState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateCompleted
	StateFailed
	StateReady
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// IsActive reports whether the agent holds a concurrency slot.
func (s AgentState) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// IsTerminal reports whether a run has finished. Ready counts as terminal.
func (s AgentState) IsTerminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateFailed, StateReady:
		return true
	}
	return false
}
