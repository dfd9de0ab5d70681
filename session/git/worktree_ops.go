package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvelop42/cocode/log"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// CreateWorktree creates (or recreates) the worktree for agentName on
// branchName and returns its absolute path. An existing branch is checked out;
// otherwise the branch is created from the upstream default branch.
func (m *WorktreeManager) CreateWorktree(ctx context.Context, branchName, agentName string) (string, error) {
	path, err := m.WorktreePath(agentName)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(branchName) == "" {
		return "", ErrInvalidBranchName
	}

	unlock, err := m.lock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		log.InfoLog.Printf("removing existing worktree at %s", path)
		if err := m.RemoveWorktree(ctx, path); err != nil {
			return "", fmt.Errorf("failed to remove existing worktree %s: %w", path, err)
		}
	}

	repo, err := git.PlainOpen(m.repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	m.fetchOrigin(ctx, repo)

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, false); err == nil {
		if _, err := m.runGit(ctx, "worktree", "add", path, branchName); err != nil {
			return "", fmt.Errorf("failed to create worktree from branch %s: %w", branchName, err)
		}
	} else {
		base := m.resolveBaseBranch(repo)
		if _, err := m.runGit(ctx, "worktree", "add", "-b", branchName, path, base); err != nil {
			return "", fmt.Errorf("failed to create worktree from %s: %w", base, err)
		}
	}

	log.InfoLog.Printf("created worktree %s on branch %s", path, branchName)
	return path, nil
}

// fetchOrigin refreshes remote refs. A repository without an origin, or an
// unreachable one, still gets a worktree from local refs.
func (m *WorktreeManager) fetchOrigin(ctx context.Context, repo *git.Repository) {
	if _, err := repo.Remote("origin"); err != nil {
		return
	}
	if _, err := m.runGit(ctx, "fetch", "origin"); err != nil {
		log.WarningLog.Printf("failed to fetch origin, using local refs: %v", err)
	}
}

// resolveBaseBranch picks the revision new agent branches start from.
func (m *WorktreeManager) resolveBaseBranch(repo *git.Repository) string {
	if m.baseBranch != "" {
		return m.baseBranch
	}
	if ref, err := repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), true); err == nil {
		return ref.Name().Short()
	}
	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", "main"),
		plumbing.NewRemoteReferenceName("origin", "master"),
		plumbing.NewBranchReferenceName("main"),
		plumbing.NewBranchReferenceName("master"),
	}
	for _, name := range candidates {
		if _, err := repo.Reference(name, false); err == nil {
			return name.Short()
		}
	}
	return "HEAD"
}

// RemoveWorktree deletes the worktree at path. It is best-effort: when git
// refuses, stale metadata is pruned and the directory is deleted directly.
// A path that does not exist is not an error.
func (m *WorktreeManager) RemoveWorktree(ctx context.Context, path string) error {
	if err := m.validateWorktreePath(path); err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.prune(ctx)
		return nil
	}

	if m.isTracked(ctx, path) {
		_, err := m.runGit(ctx, "worktree", "remove", "--force", path)
		if err == nil {
			return nil
		}
		log.WarningLog.Printf("git worktree remove failed for %s, falling back: %v", path, err)
		m.prune(ctx)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove worktree directory %s: %w", path, err)
	}
	m.prune(ctx)
	return nil
}

// ListWorktrees returns the paths of all cocode worktrees of the repository.
// The main worktree is never listed, whatever its name.
func (m *WorktreeManager) ListWorktrees(ctx context.Context) ([]string, error) {
	entries, err := m.listEntries(ctx)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.Bare || !strings.HasPrefix(filepath.Base(e.Path), WorktreePrefix) {
			continue
		}
		if resolvePath(e.Path) == m.resolvedRepo {
			continue
		}
		paths = append(paths, e.Path)
	}
	return paths, nil
}

// WorktreeInfo reports branch, HEAD and dirtiness of the worktree at path.
func (m *WorktreeManager) WorktreeInfo(ctx context.Context, path string) (*Worktree, error) {
	entry, ok := m.findEntry(ctx, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotWorktree, path)
	}

	info := &Worktree{Path: entry.Path, Branch: entry.Branch, LastCommit: entry.Head}
	if head, err := m.headCommit(ctx, entry.Path); err == nil {
		info.LastCommit = head
	}
	dirty, err := m.isDirty(ctx, entry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to check for changes: %w", err)
	}
	info.HasChanges = dirty
	return info, nil
}

// CleanupWorktrees removes every cocode worktree and returns how many were removed.
func (m *WorktreeManager) CleanupWorktrees(ctx context.Context) int {
	paths, err := m.ListWorktrees(ctx)
	if err != nil {
		log.ErrorLog.Printf("failed to list worktrees: %v", err)
		return 0
	}

	removed := 0
	var errs []error
	for _, path := range paths {
		if err := m.RemoveWorktree(ctx, path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		log.ErrorLog.Printf("failed to remove %d worktree(s): %v", len(errs), errors.Join(errs...))
	}
	m.prune(ctx)
	return removed
}

func (m *WorktreeManager) listEntries(ctx context.Context) ([]worktreeEntry, error) {
	output, err := m.runGit(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(output), nil
}

func (m *WorktreeManager) findEntry(ctx context.Context, path string) (worktreeEntry, bool) {
	entries, err := m.listEntries(ctx)
	if err != nil {
		log.WarningLog.Printf("%v", err)
		return worktreeEntry{}, false
	}
	want := resolvePath(path)
	for _, e := range entries {
		if resolvePath(e.Path) == want {
			return e, true
		}
	}
	return worktreeEntry{}, false
}

func (m *WorktreeManager) isTracked(ctx context.Context, path string) bool {
	_, ok := m.findEntry(ctx, path)
	return ok
}
