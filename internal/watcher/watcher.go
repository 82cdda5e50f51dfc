// Package watcher polls the source host for side effects that happen outside
// relay: a pull request appearing on a task branch, and review/fix commits
// landing on that pull request.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/task"
)

// Host is the source-control host queried on every tick.
type Host interface {
	FindPullRequest(ctx context.Context, owner, repo, branch string) (task.PullRequest, error)
	LatestCommit(ctx context.Context, owner, repo, branch string) (task.Commit, error)
}

// Notifier posts user-visible updates to the tracker.
type Notifier interface {
	PostComment(ctx context.Context, taskID, text string) error
	UpdateStatus(ctx context.Context, taskID, status string) error
}

// StageRunner runs a single follow-up stage for a task.
type StageRunner interface {
	RunStage(ctx context.Context, taskID string, stage pipeline.Stage, iteration int) error
}

// DefaultCallTimeout bounds every host call made during a tick.
const DefaultCallTimeout = 30 * time.Second

// Loop calls tick immediately and then on every interval until ctx is done.
// Tick errors are logged and do not stop the loop.
func Loop(ctx context.Context, name string, interval time.Duration, logger *slog.Logger, tick func(ctx context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("tick failed", "loop", name, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// launcher runs follow-up stages off the tick goroutine so a long agent run
// never delays the next poll.
type launcher struct {
	wg     sync.WaitGroup
	inline bool
}

func (l *launcher) launch(fn func()) {
	if l.inline {
		fn()
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// Wait blocks until every launched stage run has returned.
func (l *launcher) Wait() {
	l.wg.Wait()
}

func callTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultCallTimeout
	}
	return d
}
