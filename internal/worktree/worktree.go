package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// BranchPrefix prefixes every task branch.
const BranchPrefix = "relay/"

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager handles per-task git worktrees of one repository.
type Manager struct {
	git        GitRunner
	repoDir    string // git repo root
	baseDir    string // where worktrees are created
	baseBranch string
	exists     func(path string) bool
}

// NewManager creates a worktree manager. Worktrees branch from origin/<baseBranch>.
func NewManager(git GitRunner, repoDir, baseDir, baseBranch string) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(repoDir, ".relay-worktrees")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Manager{git: git, repoDir: repoDir, baseDir: baseDir, baseBranch: baseBranch, exists: dirExists}
}

// Worktree is a checked-out task branch.
type Worktree struct {
	Path   string
	Branch string
}

// BranchFor returns the branch name used for a task.
func BranchFor(taskID string) string {
	return sanitizeBranch(BranchPrefix + taskID)
}

// Ensure returns the task's worktree, creating it when it does not exist yet.
// Review and fix stages reuse the worktree created for implementation.
func (m *Manager) Ensure(ctx context.Context, taskID, branch string) (*Worktree, error) {
	if err := validTaskID(taskID); err != nil {
		return nil, err
	}
	if branch == "" {
		branch = BranchFor(taskID)
	} else {
		branch = sanitizeBranch(branch)
	}
	path := m.Path(taskID)
	if m.exists(path) {
		return &Worktree{Path: path, Branch: branch}, nil
	}

	// Best-effort fetch so the branch starts from an up-to-date base.
	m.git.Run(ctx, m.repoDir, "fetch", "origin", m.baseBranch)

	_, err := m.git.Run(ctx, m.repoDir, "worktree", "add", path, "-b", branch, "origin/"+m.baseBranch)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		if _, err := m.git.Run(ctx, m.repoDir, "worktree", "add", path, branch); err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	}
	return &Worktree{Path: path, Branch: branch}, nil
}

// Push publishes the worktree's branch to origin.
func (m *Manager) Push(ctx context.Context, wt *Worktree) error {
	if strings.HasPrefix(wt.Branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", wt.Branch)
	}
	if _, err := m.git.Run(ctx, wt.Path, "push", "-u", "origin", wt.Branch); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// Remove removes a task's worktree and optionally deletes its branch.
func (m *Manager) Remove(ctx context.Context, taskID string, deleteBranch bool) error {
	if err := validTaskID(taskID); err != nil {
		return err
	}
	path := m.Path(taskID)

	var branch string
	if deleteBranch {
		if out, err := m.git.Run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			branch = out
		}
	}

	// No --force: uncommitted work in the worktree is kept.
	if _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", path); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}

	if deleteBranch && branch != "" && branch != m.baseBranch && branch != "main" && branch != "master" {
		if _, err := m.git.Run(ctx, m.repoDir, "branch", "-d", branch); err != nil {
			return fmt.Errorf("delete branch %q: %w", branch, err)
		}
	}
	return nil
}

// Path returns the worktree path for a task.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.baseDir, "task-"+taskID)
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func validTaskID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") || strings.HasPrefix(id, "-") {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
