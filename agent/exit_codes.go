package agent

import "fmt"

// ExitCode is the process exit status convention shared by cocode and its agents.
type ExitCode int

const (
	ExitSuccess       ExitCode = 0
	ExitGeneralError  ExitCode = 1
	ExitInvalidConfig ExitCode = 2
	ExitMissingDeps   ExitCode = 3
	ExitTimeout       ExitCode = 124
	ExitInterrupted   ExitCode = 130
)

func (c ExitCode) String() string {
	switch c {
	case ExitSuccess:
		return "success"
	case ExitGeneralError:
		return "general error"
	case ExitInvalidConfig:
		return "invalid configuration"
	case ExitMissingDeps:
		return "missing dependencies"
	case ExitTimeout:
		return "timeout"
	case ExitInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("exit code %d", int(c))
	}
}

// Describe returns a short human description of code.
func Describe(code int) string {
	return ExitCode(code).String()
}
