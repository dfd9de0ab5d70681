package git

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dvelop42/cocode/cmd"
	"github.com/dvelop42/cocode/log"

	"github.com/go-git/go-git/v5"
)

// DefaultReadyMarker is the commit message fragment an agent uses to signal completion.
const DefaultReadyMarker = "cocode ready for check"

// WatcherConfig tunes the polling backoff of a ReadyWatcher.
type WatcherConfig struct {
	// Marker is matched case-sensitively against the latest commit message
	Marker string
	// InitialDelay is the poll interval after observing activity
	InitialDelay time.Duration
	// MaxDelay caps the poll interval while idle
	MaxDelay time.Duration
	// BackoffFactor multiplies the interval after each idle poll
	BackoffFactor float64
}

// DefaultWatcherConfig returns the default polling configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Marker:        DefaultReadyMarker,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 1.5,
	}
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	d := DefaultWatcherConfig()
	if c.Marker == "" {
		c.Marker = d.Marker
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = d.MaxDelay
		if c.MaxDelay < c.InitialDelay {
			c.MaxDelay = c.InitialDelay
		}
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	return c
}

// ReadyWatcher detects an agent's completion commit in its worktree.
type ReadyWatcher struct {
	worktree string
	cfg      WatcherConfig

	exec cmd.Executor
	pool *Pool

	mu         sync.Mutex
	lastCommit string
	seeded     bool

	// seams for tests
	head    func() (string, error)
	message func() (string, error)
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool
}

// WatcherOption configures a ReadyWatcher.
type WatcherOption func(*ReadyWatcher)

// WatchWithExecutor replaces the executor used for git CLI fallbacks.
func WatchWithExecutor(e cmd.Executor) WatcherOption {
	return func(w *ReadyWatcher) { w.exec = e }
}

// WatchWithPool runs git CLI fallbacks through p, typically the pool of the
// WorktreeManager that created the worktree.
func WatchWithPool(p *Pool) WatcherOption {
	return func(w *ReadyWatcher) { w.pool = p }
}

// NewReadyWatcher returns a watcher for the worktree at path.
func NewReadyWatcher(path string, cfg WatcherConfig, opts ...WatcherOption) *ReadyWatcher {
	w := &ReadyWatcher{
		worktree: path,
		cfg:      cfg.withDefaults(),
		exec:     cmd.MakeExecutor(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.head = w.readHead
	w.message = w.readMessage
	return w
}

// CheckReadyInWorktree reports whether the latest commit in path contains marker.
func CheckReadyInWorktree(path, marker string) bool {
	return NewReadyWatcher(path, WatcherConfig{Marker: marker}).CheckReady()
}

// Marker returns the configured ready marker.
func (w *ReadyWatcher) Marker() string {
	return w.cfg.Marker
}

// CheckReady reports whether the latest commit message contains the marker.
// Unreadable repositories and empty histories are not ready.
func (w *ReadyWatcher) CheckReady() bool {
	msg, err := w.message()
	if err != nil {
		log.DebugLog.Printf("ready check in %s: %v", w.worktree, err)
		return false
	}
	return strings.Contains(msg, w.cfg.Marker)
}

// LatestCommit returns the current HEAD revision of the worktree.
func (w *ReadyWatcher) LatestCommit() (string, bool) {
	hash, err := w.head()
	if err != nil || hash == "" {
		return "", false
	}
	return hash, true
}

// HasNewCommit reports whether HEAD moved since the previous call. The first
// successful observation always counts as new.
func (w *ReadyWatcher) HasNewCommit() bool {
	hash, ok := w.LatestCommit()
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.seeded {
		w.seeded = true
		w.lastCommit = hash
		return true
	}
	if hash == w.lastCommit {
		return false
	}
	w.lastCommit = hash
	return true
}

// Watch polls until the ready marker appears, timeout elapses (zero means
// none) or ctx is cancelled. The interval resets after every new commit and
// grows by BackoffFactor up to MaxDelay while the worktree is idle.
// onCommit receives the ready flag of each new commit; onInterval receives
// the delay in effect at the start of each poll. Both may be nil.
func (w *ReadyWatcher) Watch(ctx context.Context, timeout time.Duration, onCommit func(ready bool), onInterval func(delay time.Duration)) bool {
	start := w.now()
	delay := w.cfg.InitialDelay

	for {
		if ctx.Err() != nil {
			return false
		}
		elapsed := w.now().Sub(start)
		if timeout > 0 && elapsed >= timeout {
			return false
		}

		if onInterval != nil {
			onInterval(delay)
		}

		if w.HasNewCommit() {
			ready := w.CheckReady()
			if onCommit != nil {
				onCommit(ready)
			}
			if ready {
				return true
			}
			delay = w.cfg.InitialDelay
		} else {
			delay = nextDelay(delay, w.cfg.BackoffFactor, w.cfg.MaxDelay)
		}

		sleepFor := delay
		if timeout > 0 {
			if remaining := timeout - w.now().Sub(start); remaining < sleepFor {
				sleepFor = remaining
			}
		}
		if sleepFor > 0 && !w.sleep(ctx, sleepFor) {
			return false
		}
	}
}

// WatchForever is Watch without a timeout. It returns when the marker appears
// or ctx is cancelled.
func (w *ReadyWatcher) WatchForever(ctx context.Context, onCommit func(ready bool), onInterval func(delay time.Duration)) bool {
	return w.Watch(ctx, 0, onCommit, onInterval)
}

func nextDelay(delay time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(delay) * factor)
	if next > max {
		return max
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *ReadyWatcher) open() (*git.Repository, error) {
	return git.PlainOpenWithOptions(w.worktree, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
}

func (w *ReadyWatcher) readHead() (string, error) {
	if repo, err := w.open(); err == nil {
		if ref, err := repo.Head(); err == nil {
			return ref.Hash().String(), nil
		}
	}
	out, err := w.gitOutput("rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (w *ReadyWatcher) readMessage() (string, error) {
	if repo, err := w.open(); err == nil {
		if ref, err := repo.Head(); err == nil {
			if commit, err := repo.CommitObject(ref.Hash()); err == nil {
				return commit.Message, nil
			}
		}
	}
	return w.gitOutput("log", "-1", "--format=%B")
}

// gitOutput covers layouts go-git cannot open, such as some linked worktrees.
func (w *ReadyWatcher) gitOutput(args ...string) (string, error) {
	if !hasGitEntry(w.worktree) {
		return "", fmt.Errorf("%w: %s", ErrNotGitRepo, w.worktree)
	}
	var out []byte
	ctx := context.Background()
	err := w.pool.Run(ctx, func() error {
		var runErr error
		out, runErr = w.exec.Output(cmd.Command(ctx, "", "git", append([]string{"-C", w.worktree}, args...)...))
		return runErr
	})
	if err != nil {
		return "", fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), w.worktree, err)
	}
	return string(out), nil
}
