package concurrency

import (
	"time"

	"github.com/dvelop42/cocode/agent"
)

// EventKind identifies what an AgentEvent carries.
type EventKind string

const (
	EventStdout    EventKind = "stdout"
	EventStderr    EventKind = "stderr"
	EventState     EventKind = "state"
	EventCompleted EventKind = "completed"
)

// AgentEvent is published by LifecycleManager as agents make progress.
// Payload holds the output line for stdout/stderr events and the state name
// for state events. Status is set on completed events.
type AgentEvent struct {
	Kind    EventKind
	Agent   string
	Payload string
	State   AgentState
	Status  *agent.Status
	Time    time.Time
}
