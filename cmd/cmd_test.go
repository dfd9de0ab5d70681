package cmd

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToString(t *testing.T) {
	assert.Equal(t, "<nil>", ToString(nil))
	assert.Equal(t, "git worktree list --porcelain", ToString(exec.Command("git", "worktree", "list", "--porcelain")))
}

func TestExecOutput(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	dir := t.TempDir()
	c := Command(context.Background(), dir, "echo", "hello")
	assert.Equal(t, dir, c.Dir)

	out, err := MakeExecutor().Output(c)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}
