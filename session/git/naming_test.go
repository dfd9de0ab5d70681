package git

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAgentName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		err      error
	}{
		{name: "plain name", input: "claude-code", expected: "claude-code"},
		{name: "underscores kept", input: "codex_cli", expected: "codex_cli"},
		{name: "at sign", input: "agent@123", expected: "agent_123"},
		{name: "one underscore per char", input: "agent!@#$%", expected: "agent_____"},
		{name: "space", input: "test agent", expected: "test_agent"},
		{name: "dot", input: "my.agent", expected: "my_agent"},
		{name: "empty", input: "", err: ErrInvalidAgentName},
		{name: "forward slash", input: "agent/evil", err: ErrPathSeparator},
		{name: "backslash", input: `agent\evil`, err: ErrPathSeparator},
		{name: "parent traversal", input: "..", err: ErrPathSeparator},
		{name: "embedded traversal", input: "a..b", err: ErrPathSeparator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAgentName(tt.input)
			if tt.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
				assert.True(t, IsBoundaryError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestWorktreeDirName(t *testing.T) {
	name, err := WorktreeDirName("agent@1")
	require.NoError(t, err)
	assert.Equal(t, "cocode_agent_1", name)

	_, err = WorktreeDirName("../x")
	assert.ErrorIs(t, err, ErrPathSeparator)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "cocode/123-claude-code", BranchName(123, "claude-code"))
	assert.Equal(t, "cocode/7-my_agent", BranchName(7, "my.agent"))
}
