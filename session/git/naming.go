package git

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// WorktreePrefix marks directories owned by cocode next to the repository.
	WorktreePrefix = "cocode_"
	// BranchPrefix is the namespace for agent branches.
	BranchPrefix = "cocode/"
)

var unsafeAgentCharsRegex = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ValidateAgentName rejects names that could escape the workspace root and
// returns the filesystem-safe form of the rest.
func ValidateAgentName(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidAgentName
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrPathSeparator, name)
	}
	return unsafeAgentCharsRegex.ReplaceAllString(name, "_"), nil
}

// WorktreeDirName returns the directory name used for agent's worktree.
func WorktreeDirName(agent string) (string, error) {
	sanitized, err := ValidateAgentName(agent)
	if err != nil {
		return "", err
	}
	return WorktreePrefix + sanitized, nil
}

// BranchName returns the branch an agent works on for issue.
func BranchName(issue int, agent string) string {
	if sanitized, err := ValidateAgentName(agent); err == nil {
		agent = sanitized
	}
	return fmt.Sprintf("%s%d-%s", BranchPrefix, issue, agent)
}
