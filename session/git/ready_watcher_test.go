package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedWatcher replays heads in order and advances a fake clock on sleep.
func scriptedWatcher(heads []string, message string) (*ReadyWatcher, *[]time.Duration) {
	w := NewReadyWatcher("unused", DefaultWatcherConfig())
	i := 0
	w.head = func() (string, error) {
		h := heads[min(i, len(heads)-1)]
		i++
		return h, nil
	}
	w.message = func() (string, error) { return message, nil }

	now := time.Unix(0, 0)
	w.now = func() time.Time { return now }
	var slept []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		now = now.Add(d)
		return true
	}
	return w, &slept
}

func TestWatchBackoffSequence(t *testing.T) {
	w, slept := scriptedWatcher([]string{"a", "a", "a", "b", "b"}, "wip")

	var intervals []time.Duration
	var commits []bool
	ready := w.Watch(context.Background(), 3*time.Second,
		func(r bool) { commits = append(commits, r) },
		func(d time.Duration) { intervals = append(intervals, d) })

	assert.False(t, ready)
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{500 * ms, 500 * ms, 750 * ms, 1125 * ms, 500 * ms}, intervals)
	// the last sleep is clipped to the remaining timeout
	assert.Equal(t, []time.Duration{500 * ms, 750 * ms, 1125 * ms, 500 * ms, 125 * ms}, *slept)
	assert.Equal(t, []bool{false, false}, commits)
}

func TestWatchDelayIsCapped(t *testing.T) {
	w, _ := scriptedWatcher([]string{"a"}, "wip")

	var intervals []time.Duration
	w.Watch(context.Background(), time.Minute, nil, func(d time.Duration) { intervals = append(intervals, d) })

	require.NotEmpty(t, intervals)
	for _, d := range intervals {
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Equal(t, 5*time.Second, intervals[len(intervals)-1])
}

func TestWatchReturnsOnReadyCommit(t *testing.T) {
	w, slept := scriptedWatcher([]string{"a"}, "fix bug\n\ncocode ready for check")

	var commits []bool
	ready := w.Watch(context.Background(), time.Minute, func(r bool) { commits = append(commits, r) }, nil)

	assert.True(t, ready)
	assert.Equal(t, []bool{true}, commits)
	assert.Empty(t, *slept)
}

func TestWatchCancelled(t *testing.T) {
	w, _ := scriptedWatcher([]string{"a"}, "wip")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, w.WatchForever(ctx, nil, nil))
}

func TestWatchForeverStopsWhenSleepInterrupted(t *testing.T) {
	w, _ := scriptedWatcher([]string{"a"}, "wip")
	calls := 0
	w.sleep = func(ctx context.Context, d time.Duration) bool {
		calls++
		return calls < 3
	}
	assert.False(t, w.WatchForever(context.Background(), nil, nil))
	assert.Equal(t, 3, calls)
}

func TestHasNewCommitSeeds(t *testing.T) {
	w, _ := scriptedWatcher([]string{"a", "a", "b", "b"}, "")
	assert.True(t, w.HasNewCommit())
	assert.False(t, w.HasNewCommit())
	assert.True(t, w.HasNewCommit())
	assert.False(t, w.HasNewCommit())
}

func TestCheckReadyInRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	t.Run("exact marker", func(t *testing.T) {
		dir := t.TempDir()
		setupTestRepo(t, dir, "main")
		commitFile(t, dir, "done.txt", "Fix issue\n\ncocode ready for check")

		w := NewReadyWatcher(dir, DefaultWatcherConfig())
		assert.True(t, w.CheckReady())
		hash, ok := w.LatestCommit()
		assert.True(t, ok)
		assert.Len(t, hash, 40)
	})

	t.Run("near miss", func(t *testing.T) {
		dir := t.TempDir()
		setupTestRepo(t, dir, "main")
		commitFile(t, dir, "done.txt", "Cocode Ready For Check")

		assert.False(t, CheckReadyInWorktree(dir, DefaultReadyMarker))
	})

	t.Run("custom marker", func(t *testing.T) {
		dir := t.TempDir()
		setupTestRepo(t, dir, "main")
		commitFile(t, dir, "done.txt", "all done [ship-it]")

		assert.True(t, CheckReadyInWorktree(dir, "[ship-it]"))
	})

	t.Run("not a repository", func(t *testing.T) {
		w := NewReadyWatcher(t.TempDir(), DefaultWatcherConfig())
		assert.False(t, w.CheckReady())
		assert.False(t, w.HasNewCommit())
	})

	t.Run("no commits", func(t *testing.T) {
		dir := t.TempDir()
		runGit(t, dir, "init", "-b", "main")
		assert.False(t, CheckReadyInWorktree(dir, DefaultReadyMarker))
	})

	t.Run("linked worktree", func(t *testing.T) {
		m, _ := newTestManager(t)
		path, err := m.CreateWorktree(context.Background(), "cocode/1-agent", "agent")
		require.NoError(t, err)

		w := NewReadyWatcher(path, DefaultWatcherConfig())
		assert.False(t, w.CheckReady())
		assert.True(t, w.HasNewCommit())

		commitFile(t, path, "fix.txt", "fix\n\ncocode ready for check")
		assert.True(t, w.HasNewCommit())
		assert.True(t, w.CheckReady())
		assert.FileExists(t, filepath.Join(path, "fix.txt"))
	})
}

// gitCLI answers git invocations by subcommand and records them.
type gitCLI struct {
	replies map[string]string
	calls   [][]string
}

func (g *gitCLI) Run(c *exec.Cmd) error { return nil }

func (g *gitCLI) Output(c *exec.Cmd) ([]byte, error) {
	g.calls = append(g.calls, c.Args)
	for sub, reply := range g.replies {
		if strings.Contains(strings.Join(c.Args, " "), sub) {
			return []byte(reply), nil
		}
	}
	return nil, exec.ErrNotFound
}

func (g *gitCLI) CombinedOutput(c *exec.Cmd) ([]byte, error) { return g.Output(c) }

func (g *gitCLI) LookPath(file string) (string, error) { return "/usr/bin/" + file, nil }

func TestWatcherFallsBackToGitCLI(t *testing.T) {
	dir := t.TempDir()
	// a linked worktree whose gitdir go-git cannot resolve
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: "+filepath.Join(dir, "missing")+"\n"), 0644))

	cli := &gitCLI{replies: map[string]string{
		"rev-parse HEAD": "0123456789abcdef\n",
		"log -1":         "Fix it\n\ncocode ready for check\n",
	}}
	w := NewReadyWatcher(dir, DefaultWatcherConfig(), WatchWithExecutor(cli), WatchWithPool(NewPool(1)))

	hash, ok := w.LatestCommit()
	require.True(t, ok)
	assert.Equal(t, "0123456789abcdef", hash)
	assert.True(t, w.CheckReady())

	require.NotEmpty(t, cli.calls)
	assert.Equal(t, []string{"git", "-C", dir, "rev-parse", "HEAD"}, cli.calls[0])
}
