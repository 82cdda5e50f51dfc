package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/github"
	"github.com/lucasnoah/relay/internal/task"
)

// DefaultPRTimeout is how long a branch may go without a pull request before
// the watch is abandoned.
const DefaultPRTimeout = 30 * time.Minute

// PRStatus is the tracker status set when a pull request is found.
const PRStatus = "pr-open"

// PRWatches is the persisted list the PR watcher works through.
type PRWatches interface {
	PRWatches() ([]db.PRWatch, error)
	RemovePRWatch(taskID string) error
}

// PRWatcher waits for a pull request to appear on each watched branch.
type PRWatcher struct {
	Watches     PRWatches
	Host        Host
	Notifier    Notifier
	Journal     *events.Journal
	Logger      *slog.Logger
	Timeout     time.Duration
	CallTimeout time.Duration

	// OnPRFound runs after the watch has been removed.
	OnPRFound func(ctx context.Context, w db.PRWatch, pr task.PullRequest) error

	now func() time.Time
}

// Tick visits every watch once, newest first.
func (p *PRWatcher) Tick(ctx context.Context) error {
	watches, err := p.Watches.PRWatches()
	if err != nil {
		return fmt.Errorf("load pr watches: %w", err)
	}
	for i := len(watches) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.check(ctx, watches[i])
	}
	return nil
}

func (p *PRWatcher) check(ctx context.Context, w db.PRWatch) {
	logger := p.logger().With("task", w.TaskID, "branch", w.Branch)

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPRTimeout
	}
	if p.clock().Sub(w.StartedAt) > timeout {
		if err := p.Watches.RemovePRWatch(w.TaskID); err != nil {
			logger.Warn("remove timed-out pr watch", "err", err)
			return
		}
		logger.Info("pr watch timed out", "after", timeout)
		p.notify(ctx, w.TaskID, fmt.Sprintf("No pull request appeared on branch `%s` within %s. Stopped watching.", w.Branch, timeout))
		p.Journal.Record(ctx, events.PRTimeout, w.TaskID, "", w.Branch)
		return
	}

	owner, repo, err := github.SplitRepository(w.Repository)
	if err != nil {
		logger.Warn("bad repository on pr watch", "repository", w.Repository, "err", err)
		return
	}
	qctx, cancel := context.WithTimeout(ctx, callTimeout(p.CallTimeout))
	pr, err := p.Host.FindPullRequest(qctx, owner, repo, w.Branch)
	cancel()
	if err != nil {
		logger.Warn("find pull request", "err", err)
		return
	}
	if !pr.Found {
		return
	}

	logger.Info("pull request found", "number", pr.Number, "url", pr.URL)
	p.notify(ctx, w.TaskID, fmt.Sprintf("Pull request opened: %s", pr.URL))
	if err := p.Notifier.UpdateStatus(ctx, w.TaskID, PRStatus); err != nil {
		logger.Warn("update tracker status", "err", err)
	}
	if err := p.Watches.RemovePRWatch(w.TaskID); err != nil {
		logger.Warn("remove pr watch", "err", err)
		return
	}
	p.Journal.Record(ctx, events.PRFound, w.TaskID, "", pr.URL)

	if p.OnPRFound != nil {
		if err := p.OnPRFound(ctx, w, pr); err != nil {
			logger.Warn("pr found callback", "err", err)
		}
	}
}

func (p *PRWatcher) notify(ctx context.Context, taskID, text string) {
	if err := p.Notifier.PostComment(ctx, taskID, text); err != nil {
		p.logger().Warn("post comment", "task", taskID, "err", err)
	}
}

func (p *PRWatcher) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now().UTC()
}

func (p *PRWatcher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
