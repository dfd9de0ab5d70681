package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotGitRepo          = errors.New("not a git repository")
	ErrGitNotInstalled     = errors.New("git is not installed")
	ErrGitCommand          = errors.New("git command failed")
	ErrNotWorktree         = errors.New("not a git worktree")
	ErrInvalidAgentName    = errors.New("agent name cannot be empty")
	ErrInvalidBranchName   = errors.New("branch name cannot be empty")
	ErrPathSeparator       = errors.New("agent name contains path separators")
	ErrPathOutsideBoundary = errors.New("worktree path is outside allowed boundaries")
	ErrLockTimeout         = errors.New("timed out waiting for worktree lock")
)

// GitError describes a failed git invocation. It matches ErrGitCommand with errors.Is.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git command failed: git %s", strings.Join(e.Args, " "))
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *GitError) Unwrap() []error {
	return []error{ErrGitCommand, e.Err}
}

// IsBoundaryError reports whether err is a security boundary violation.
// These are never retried.
func IsBoundaryError(err error) bool {
	return errors.Is(err, ErrPathOutsideBoundary) ||
		errors.Is(err, ErrPathSeparator) ||
		errors.Is(err, ErrInvalidAgentName)
}
