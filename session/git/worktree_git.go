package git

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/dvelop42/cocode/cmd"
	"github.com/dvelop42/cocode/log"
)

// runGitCommand executes git -C dir args... through the manager's pool.
func (m *WorktreeManager) runGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	var output []byte
	err := m.pool.Run(ctx, func() error {
		c := cmd.Command(ctx, dir, "git", append([]string{"-C", dir}, args...)...)
		var runErr error
		output, runErr = m.exec.CombinedOutput(c)
		return runErr
	})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errors.Join(ErrGitNotInstalled, err)
		}
		return "", &GitError{Args: args, Output: strings.TrimSpace(string(output)), Err: err}
	}
	return string(output), nil
}

// runGit runs a git command in the main repository.
func (m *WorktreeManager) runGit(ctx context.Context, args ...string) (string, error) {
	return m.runGitCommand(ctx, m.repoPath, args...)
}

// isDirty reports whether the worktree at path has uncommitted changes.
func (m *WorktreeManager) isDirty(ctx context.Context, path string) (bool, error) {
	output, err := m.runGitCommand(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

// headCommit returns the HEAD revision of the worktree at path.
func (m *WorktreeManager) headCommit(ctx context.Context, path string) (string, error) {
	output, err := m.runGitCommand(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

func (m *WorktreeManager) prune(ctx context.Context) {
	if _, err := m.runGit(ctx, "worktree", "prune"); err != nil {
		log.WarningLog.Printf("failed to prune worktrees: %v", err)
	}
}
