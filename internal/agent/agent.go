// Package agent runs the external processes that do each stage's work.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/prompt"
	"github.com/lucasnoah/relay/internal/task"
)

// StageContext is what an executor needs beyond the task itself.
type StageContext struct {
	Stage      pipeline.Stage
	Repository string
	Branch     string
	Worktree   string
	Analysis   string
	PRURL      string
	Iteration  int
}

// StageResult is the outcome reported by an executor. Output carries the
// stage-specific payload, e.g. the analysis text.
type StageResult struct {
	Success  bool   `json:"success"`
	Branch   string `json:"branch,omitempty"`
	Worktree string `json:"worktree,omitempty"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Executor performs one stage of work for a task.
type Executor interface {
	Execute(ctx context.Context, t task.Task, sc StageContext) (StageResult, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, t task.Task, sc StageContext) (StageResult, error)

func (f Func) Execute(ctx context.Context, t task.Task, sc StageContext) (StageResult, error) {
	return f(ctx, t, sc)
}

// ProcessRunner starts an external process. Interface for testing.
type ProcessRunner interface {
	Run(ctx context.Context, dir string, stdin string, name string, args ...string) (stdout string, err error)
}

// ExecRunner implements ProcessRunner with exec.CommandContext; the process is
// killed when ctx is done.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, dir, stdin, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %s: %w", name, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// CLIExecutor renders the stage prompt and pipes it to an agent command.
type CLIExecutor struct {
	Runner      ProcessRunner
	Command     string
	Args        []string
	Template    string // template name, see prompt.Load
	TemplateDir string
	Timeout     time.Duration
}

// Execute runs the agent. A non-zero exit is reported as an unsuccessful result;
// a timeout or a failure to start the process is returned as an error.
func (e *CLIExecutor) Execute(ctx context.Context, t task.Task, sc StageContext) (StageResult, error) {
	tmpl, err := prompt.Load(e.Template, e.TemplateDir)
	if err != nil {
		return StageResult{}, fmt.Errorf("load prompt: %w", err)
	}
	text, err := prompt.Render(tmpl, Vars(t, sc))
	if err != nil {
		return StageResult{}, fmt.Errorf("render prompt: %w", err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.Runner.Run(rctx, sc.Worktree, text, e.Command, e.Args...)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return StageResult{}, fmt.Errorf("%s agent timed out after %s", sc.Stage, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return StageResult{Success: false, Branch: sc.Branch, Error: err.Error(), Output: out}, nil
		}
		return StageResult{}, fmt.Errorf("run %s agent: %w", sc.Stage, err)
	}
	return StageResult{Success: true, Branch: sc.Branch, Output: strings.TrimSpace(out)}, nil
}

// Vars builds the prompt variables for a stage.
func Vars(t task.Task, sc StageContext) prompt.Vars {
	return prompt.Vars{
		"task_id":       t.ID,
		"task_title":    t.Title,
		"task_body":     t.Body,
		"repository":    sc.Repository,
		"worktree_path": sc.Worktree,
		"branch":        sc.Branch,
		"analysis":      sc.Analysis,
		"pr_url":        sc.PRURL,
		"iteration":     strconv.Itoa(sc.Iteration),
	}
}

// TemplateFor returns the built-in template name for a stage.
func TemplateFor(stage pipeline.Stage) string {
	switch stage {
	case pipeline.StageAnalyzing:
		return "analyze.md"
	case pipeline.StageImplementing:
		return "implement.md"
	case pipeline.StageReviewing:
		return "review.md"
	case pipeline.StageFixing:
		return "fix.md"
	}
	return ""
}
