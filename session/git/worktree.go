package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dvelop42/cocode/cmd"
	"github.com/dvelop42/cocode/log"

	"github.com/gofrs/flock"
)

const (
	defaultLockTimeout = 30 * time.Second
	lockFileName       = "cocode-worktree.lock"
)

// Worktree describes an agent workspace as git sees it.
type Worktree struct {
	// Path is the absolute worktree directory
	Path string `json:"path" yaml:"path"`
	// Branch checked out in the worktree, empty when detached
	Branch string `json:"branch" yaml:"branch"`
	// LastCommit is the HEAD revision of the worktree
	LastCommit string `json:"last_commit" yaml:"last_commit"`
	// HasChanges is true when the worktree has uncommitted changes
	HasChanges bool `json:"has_changes" yaml:"has_changes"`
}

// WorktreeManager creates and removes agent worktrees as siblings of a single
// repository. Every path it touches must be a direct child of the repository's
// parent directory and carry WorktreePrefix.
type WorktreeManager struct {
	// Absolute path to the main repository
	repoPath string
	// Symlink-resolved repoPath; never a removable worktree
	resolvedRepo string
	// Symlink-resolved parent of repoPath; the workspace root
	parentDir string
	// Branch new worktrees start from; empty means detect
	baseBranch string

	exec        cmd.Executor
	pool        *Pool
	lockPath    string
	lockTimeout time.Duration

	// serializes creation within this process; the file lock covers other processes
	createMu sync.Mutex
}

// Option configures a WorktreeManager.
type Option func(*WorktreeManager)

// WithExecutor replaces the command executor.
func WithExecutor(e cmd.Executor) Option {
	return func(m *WorktreeManager) { m.exec = e }
}

// WithPool shares a git command pool between managers.
func WithPool(p *Pool) Option {
	return func(m *WorktreeManager) { m.pool = p }
}

// WithBaseBranch pins the branch new worktrees are created from.
func WithBaseBranch(branch string) Option {
	return func(m *WorktreeManager) { m.baseBranch = branch }
}

// WithLockTimeout bounds how long CreateWorktree waits for the repository lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *WorktreeManager) { m.lockTimeout = d }
}

// NewWorktreeManager returns a manager for the repository at repoPath.
func NewWorktreeManager(repoPath string, opts ...Option) (*WorktreeManager, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path %s: %w", repoPath, err)
	}
	if !hasGitEntry(absPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, absPath)
	}

	m := &WorktreeManager{
		repoPath:     absPath,
		resolvedRepo: resolvePath(absPath),
		parentDir:    resolvePath(filepath.Dir(absPath)),
		exec:         cmd.MakeExecutor(),
		lockTimeout:  defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = NewPool(DefaultPoolSize)
	}
	if _, err := m.exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGitNotInstalled, err)
	}

	gitDir := filepath.Join(absPath, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		m.lockPath = filepath.Join(gitDir, lockFileName)
	} else {
		// linked worktree or submodule: .git is a file
		m.lockPath = filepath.Join(os.TempDir(), WorktreePrefix+filepath.Base(absPath)+".lock")
	}
	return m, nil
}

// RepoPath returns the absolute repository path.
func (m *WorktreeManager) RepoPath() string {
	return m.repoPath
}

// WorkspaceRoot returns the directory agent worktrees are created in.
func (m *WorktreeManager) WorkspaceRoot() string {
	return m.parentDir
}

// WorktreePath returns where agent's worktree lives without creating it.
func (m *WorktreeManager) WorktreePath(agent string) (string, error) {
	dirName, err := WorktreeDirName(agent)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.parentDir, dirName)
	if err := m.validateWorktreePath(path); err != nil {
		return "", err
	}
	return path, nil
}

// validateWorktreePath ensures path is a cocode directory directly under the
// workspace root and is not the main repository.
func (m *WorktreeManager) validateWorktreePath(path string) error {
	resolved := resolvePath(path)
	if resolved == m.resolvedRepo {
		return fmt.Errorf("%w: %s is the main repository", ErrPathOutsideBoundary, path)
	}
	if filepath.Dir(resolved) != m.parentDir {
		return fmt.Errorf("%w: %s", ErrPathOutsideBoundary, path)
	}
	base := filepath.Base(resolved)
	if len(base) <= len(WorktreePrefix) || base[:len(WorktreePrefix)] != WorktreePrefix {
		return fmt.Errorf("%w: %s", ErrPathOutsideBoundary, path)
	}
	return nil
}

// lock takes the in-process and cross-process creation locks.
func (m *WorktreeManager) lock(ctx context.Context) (func(), error) {
	m.createMu.Lock()

	fileLock := flock.New(m.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil || !locked {
		m.createMu.Unlock()
		if err == nil || lockCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, m.lockPath)
		}
		return nil, fmt.Errorf("acquiring worktree lock: %w", err)
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			log.WarningLog.Printf("failed to release worktree lock %s: %v", m.lockPath, err)
		}
		m.createMu.Unlock()
	}, nil
}
