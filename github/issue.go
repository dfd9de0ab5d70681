package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dvelop42/cocode/cmd"
)

// ErrEmptyBody is returned when an issue has no body text for agents to
// work from.
var ErrEmptyBody = errors.New("issue has no body")

// Issue is the subset of a GitHub issue handed to agents.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// Text is the body agents receive: the title as a heading followed by the
// issue body.
func (i Issue) Text() string {
	if i.Title == "" {
		return i.Body
	}
	return "# " + i.Title + "\n\n" + i.Body
}

// Client reads issues through the gh CLI.
type Client struct {
	exec cmd.Executor
	repo string
	dir  string
}

// NewClient returns a client for repo ("owner/name"). An empty repo lets gh
// resolve the repository from the git remote in dir.
func NewClient(exec cmd.Executor, repo, dir string) *Client {
	return &Client{exec: exec, repo: repo, dir: dir}
}

// FetchIssue runs gh issue view and decodes its JSON output.
func (c *Client) FetchIssue(ctx context.Context, number int) (Issue, error) {
	args := []string{"issue", "view", strconv.Itoa(number), "--json", "number,title,body,url"}
	if c.repo != "" {
		args = append(args, "--repo", c.repo)
	}

	out, err := c.exec.Output(cmd.Command(ctx, c.dir, "gh", args...))
	if err != nil {
		return Issue{}, fmt.Errorf("gh issue view %d: %s: %w", number, stderrOf(err), err)
	}

	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return Issue{}, fmt.Errorf("decoding issue %d: %w", number, err)
	}
	if strings.TrimSpace(issue.Body) == "" && strings.TrimSpace(issue.Title) == "" {
		return issue, fmt.Errorf("issue %d: %w", number, ErrEmptyBody)
	}
	return issue, nil
}

// stderrOf extracts what gh printed before failing.
func stderrOf(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) && len(ee.Stderr) > 0 {
		return strings.TrimSpace(string(ee.Stderr))
	}
	return "failed"
}

// URLFor builds the web URL of an issue when gh is not consulted. Without a
// repo it falls back to a local reference so the value is never empty.
func URLFor(repo string, number int) string {
	if repo == "" {
		return fmt.Sprintf("local://issues/%d", number)
	}
	return fmt.Sprintf("https://github.com/%s/issues/%d", repo, number)
}
