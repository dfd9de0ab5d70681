package session

import (
	"errors"
	"fmt"

	"github.com/dvelop42/cocode/agent"
)

var (
	// ErrDispatch means the agent process could not be started at all.
	ErrDispatch     = errors.New("failed to dispatch agent")
	ErrEmptyCommand = errors.New("agent returned an empty command")
	// ErrTimeout means the agent was killed for exceeding its time budget.
	ErrTimeout = errors.New("agent timed out")
	// ErrInterrupted means the run was cancelled by the caller.
	ErrInterrupted = errors.New("agent interrupted")
)

// ExitError reports an agent process that exited with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("agent exited with code %d (%s)", e.Code, agent.Describe(e.Code))
}
