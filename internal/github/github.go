package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/relay/internal/retry"
	"github.com/lucasnoah/relay/internal/task"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), classify(string(out), err))
	}
	return strings.TrimSpace(string(out)), nil
}

var httpStatusRe = regexp.MustCompile(`HTTP (\d{3})`)

// classify turns an "HTTP nnn" status in gh output into a retry.HTTPError.
func classify(out string, err error) error {
	m := httpStatusRe.FindStringSubmatch(out)
	if m == nil {
		return err
	}
	code, _ := strconv.Atoi(m[1])
	return fmt.Errorf("%w: %w", &retry.HTTPError{StatusCode: code, Message: strings.TrimSpace(out)}, err)
}

// Options configures a Client.
type Options struct {
	// Repository is the tracker repository as owner/name.
	Repository   string
	TriggerLabel string
	StatusPrefix string
	Timeout      time.Duration
	Policy       retry.Policy
}

// Client implements the task tracker and the code host on top of the gh CLI.
type Client struct {
	cmd  CmdRunner
	opts Options
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.StatusPrefix == "" {
		opts.StatusPrefix = "relay:"
	}
	return &Client{cmd: cmd, opts: opts}
}

// run executes one gh call under the retry policy with a per-attempt timeout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return retry.DoValue(ctx, c.opts.Policy, func(ctx context.Context) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		return c.cmd.Run(cctx, args...)
	})
}

// ValidateTaskID checks that a task id is a positive issue number.
func ValidateTaskID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid task id %q: must be a positive issue number", id)
	}
	return n, nil
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// ListTasks returns open issues carrying the trigger label.
func (c *Client) ListTasks(ctx context.Context) ([]task.Task, error) {
	args := []string{"issue", "list", "--repo", c.opts.Repository, "--state", "open",
		"--json", "number,title,body,url,labels", "--limit", "100"}
	if c.opts.TriggerLabel != "" {
		args = append(args, "--label", c.opts.TriggerLabel)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var issues []ghIssue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue list JSON: %w", err)
	}
	tasks := make([]task.Task, 0, len(issues))
	for _, is := range issues {
		t := task.Task{ID: strconv.Itoa(is.Number), Title: is.Title, Body: is.Body, URL: is.URL}
		for _, l := range is.Labels {
			t.Labels = append(t.Labels, l.Name)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListComments returns the comments on a task's issue, oldest first.
func (c *Client) ListComments(ctx context.Context, taskID string) ([]task.Comment, error) {
	if _, err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	out, err := c.run(ctx, "issue", "view", taskID, "--repo", c.opts.Repository, "--json", "comments")
	if err != nil {
		return nil, fmt.Errorf("list comments on %s: %w", taskID, err)
	}

	var resp struct {
		Comments []struct {
			ID     string `json:"id"`
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			Body      string    `json:"body"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"comments"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("parse comments JSON: %w", err)
	}
	comments := make([]task.Comment, 0, len(resp.Comments))
	for _, cm := range resp.Comments {
		comments = append(comments, task.Comment{ID: cm.ID, Author: cm.Author.Login, Body: cm.Body, CreatedAt: cm.CreatedAt})
	}
	return comments, nil
}

// PostComment adds a comment to a task's issue.
func (c *Client) PostComment(ctx context.Context, taskID, text string) error {
	if _, err := ValidateTaskID(taskID); err != nil {
		return err
	}
	if _, err := c.run(ctx, "issue", "comment", taskID, "--repo", c.opts.Repository, "--body", text); err != nil {
		return fmt.Errorf("comment on %s: %w", taskID, err)
	}
	return nil
}

// UpdateStatus labels the task's issue with the status, e.g. "relay:pr-open".
func (c *Client) UpdateStatus(ctx context.Context, taskID, status string) error {
	if _, err := ValidateTaskID(taskID); err != nil {
		return err
	}
	label := c.opts.StatusPrefix + status
	if _, err := c.run(ctx, "issue", "edit", taskID, "--repo", c.opts.Repository, "--add-label", label); err != nil {
		return fmt.Errorf("update status of %s: %w", taskID, err)
	}
	return nil
}

// FindPullRequest looks up the most recent pull request whose head is branch.
func (c *Client) FindPullRequest(ctx context.Context, owner, repo, branch string) (task.PullRequest, error) {
	if strings.HasPrefix(branch, "-") {
		return task.PullRequest{}, fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	out, err := c.run(ctx, "pr", "list", "--repo", owner+"/"+repo, "--head", branch, "--state", "all",
		"--json", "number,url,state", "--limit", "1")
	if err != nil {
		return task.PullRequest{}, fmt.Errorf("find PR for %s: %w", branch, err)
	}

	var prs []struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return task.PullRequest{}, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return task.PullRequest{}, nil
	}
	return task.PullRequest{Found: true, Number: prs[0].Number, URL: prs[0].URL, State: prs[0].State}, nil
}

// LatestCommit returns the head commit of branch.
func (c *Client) LatestCommit(ctx context.Context, owner, repo, branch string) (task.Commit, error) {
	path := fmt.Sprintf("repos/%s/%s/commits/%s", owner, repo, branch)
	out, err := c.run(ctx, "api", path, "--jq", "{sha: .sha, message: .commit.message}")
	if err != nil {
		return task.Commit{}, fmt.Errorf("latest commit on %s: %w", branch, err)
	}
	var commit task.Commit
	if err := json.Unmarshal([]byte(out), &commit); err != nil {
		return task.Commit{}, fmt.Errorf("parse commit JSON: %w", err)
	}
	return commit, nil
}

// SplitRepository splits "owner/name" into its parts.
func SplitRepository(full string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", full)
	}
	return owner, name, nil
}
