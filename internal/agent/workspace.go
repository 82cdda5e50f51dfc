package agent

import (
	"context"
	"fmt"

	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/task"
	"github.com/lucasnoah/relay/internal/worktree"
)

// Workspace provides per-task checkouts.
type Workspace interface {
	Ensure(ctx context.Context, taskID, branch string) (*worktree.Worktree, error)
	Push(ctx context.Context, wt *worktree.Worktree) error
}

// InWorktree runs next inside the task's worktree. When push is set the branch
// is pushed after a successful run.
func InWorktree(next Executor, ws Workspace, push bool) Executor {
	return Func(func(ctx context.Context, t task.Task, sc StageContext) (StageResult, error) {
		wt, err := ws.Ensure(ctx, t.ID, sc.Branch)
		if err != nil {
			return StageResult{}, fmt.Errorf("prepare worktree: %w", err)
		}
		sc.Worktree = wt.Path
		sc.Branch = wt.Branch

		res, err := next.Execute(ctx, t, sc)
		if err != nil || !res.Success {
			return res, err
		}
		if res.Branch == "" {
			res.Branch = wt.Branch
		}
		res.Worktree = wt.Path
		if push {
			if err := ws.Push(ctx, wt); err != nil {
				return StageResult{Success: false, Branch: wt.Branch, Worktree: wt.Path, Error: err.Error(), Output: res.Output}, nil
			}
		}
		return res, nil
	})
}

// Set maps each agent-driven stage to its executor.
type Set map[pipeline.Stage]Executor

// For returns the executor registered for stage, or an error naming the missing stage.
func (s Set) For(stage pipeline.Stage) (Executor, error) {
	e, ok := s[stage]
	if !ok || e == nil {
		return nil, fmt.Errorf("no executor configured for stage %q", stage)
	}
	return e, nil
}
