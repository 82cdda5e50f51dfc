package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/relay/internal/command"
	"github.com/lucasnoah/relay/internal/pipeline"
)

// Poller is the periodic task poll: it starts pipelines for new tasks, feeds
// task comments to the command dispatcher and purges old terminal records.
type Poller struct {
	Orchestrator *Orchestrator
	Tracker      Tracker
	Store        pipeline.Store
	Dispatcher   *command.Dispatcher
	// History, when set, keeps a task whose record was purged by Retention from
	// being started again while the tracker still lists it.
	History   History
	Retention time.Duration
	Logger    *slog.Logger
}

// History reports whether a task was processed before.
type History interface {
	TaskKnown(taskID string) (bool, error)
}

// PollResult summarizes one poll pass.
type PollResult struct {
	Seen      int       `json:"seen"`
	Started   []*Result `json:"started,omitempty"`
	Commands  int       `json:"commands"`
	CleanedUp int       `json:"cleaned_up"`
}

// Poll runs one pass. New tasks are processed one at a time.
func (p *Poller) Poll(ctx context.Context) (*PollResult, error) {
	logger := p.logger()
	tasks, err := p.Tracker.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := &PollResult{Seen: len(tasks)}

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := p.Store.Get(ctx, t.ID)
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			if p.seenBefore(t.ID) {
				logger.Debug("task has history, skipping", "task", t.ID)
				continue
			}
			logger.Info("new task", "task", t.ID, "title", t.Title)
			res, err := p.Orchestrator.ProcessTask(ctx, t)
			if err != nil {
				logger.Error("process task", "task", t.ID, "err", err)
			}
			if res != nil {
				out.Started = append(out.Started, res)
			}
		case err != nil:
			logger.Warn("get pipeline", "task", t.ID, "err", err)
		case p.Dispatcher != nil && rec.Entry(pipeline.StageImplementing) != nil:
			out.Commands += p.dispatch(ctx, t.ID)
		}
	}

	if p.Retention > 0 {
		n, err := p.Store.Cleanup(ctx, p.Retention)
		if err != nil {
			logger.Warn("cleanup pipelines", "err", err)
		}
		out.CleanedUp = n
	}
	return out, nil
}

// seenBefore errs toward skipping: a lookup failure leaves the task for the next poll.
func (p *Poller) seenBefore(taskID string) bool {
	if p.History == nil {
		return false
	}
	known, err := p.History.TaskKnown(taskID)
	if err != nil {
		p.logger().Warn("check task history", "task", taskID, "err", err)
		return true
	}
	return known
}

func (p *Poller) dispatch(ctx context.Context, taskID string) int {
	comments, err := p.Tracker.ListComments(ctx, taskID)
	if err != nil {
		p.logger().Warn("list comments", "task", taskID, "err", err)
		return 0
	}
	n := 0
	for _, c := range comments {
		kind, err := p.Dispatcher.Handle(ctx, taskID, c)
		if err != nil {
			p.logger().Warn("dispatch command", "task", taskID, "comment", c.ID, "err", err)
			continue
		}
		if kind != command.None {
			n++
		}
	}
	return n
}

// Tick adapts Poll to watcher.Loop.
func (p *Poller) Tick(ctx context.Context) error {
	res, err := p.Poll(ctx)
	if err != nil {
		return err
	}
	if len(res.Started) > 0 || res.Commands > 0 || res.CleanedUp > 0 {
		p.logger().Info("poll", "seen", res.Seen, "started", len(res.Started), "commands", res.Commands, "cleaned_up", res.CleanedUp)
	}
	return nil
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
