package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/github"
	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/task"
)

// DefaultMaxIterations caps the review/fix round-trips on one pull request.
const DefaultMaxIterations = 3

// ReviewStatus is the tracker status set when the review cycle finishes.
const ReviewStatus = "review-complete"

// ReviewWatches is the persisted list the review-cycle watcher works through.
type ReviewWatches interface {
	ReviewWatches() ([]db.ReviewWatch, error)
	UpdateReviewWatch(w db.ReviewWatch) error
	RemoveReviewWatch(taskID string) error
}

// ReviewWatcher follows the review/fix round-trips on a pull request by
// watching the head commit of its branch.
type ReviewWatcher struct {
	Watches     ReviewWatches
	Host        Host
	Notifier    Notifier
	Runner      StageRunner
	Classifier  *Classifier
	Journal     *events.Journal
	Logger      *slog.Logger
	CallTimeout time.Duration

	launcher
}

// Tick visits every watch once, newest first.
func (r *ReviewWatcher) Tick(ctx context.Context) error {
	watches, err := r.Watches.ReviewWatches()
	if err != nil {
		return fmt.Errorf("load review watches: %w", err)
	}
	for i := len(watches) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.check(ctx, watches[i])
	}
	return nil
}

func (r *ReviewWatcher) check(ctx context.Context, w db.ReviewWatch) {
	logger := r.logger().With("task", w.TaskID, "branch", w.Branch)

	owner, repo, err := github.SplitRepository(w.Repository)
	if err != nil {
		logger.Warn("bad repository on review watch", "repository", w.Repository, "err", err)
		return
	}
	qctx, cancel := context.WithTimeout(ctx, callTimeout(r.CallTimeout))
	commit, err := r.Host.LatestCommit(qctx, owner, repo, w.Branch)
	cancel()
	if err != nil {
		logger.Warn("latest commit", "err", err)
		return
	}
	if commit.SHA == "" || commit.SHA == w.LastCommitSHA {
		return
	}

	first := w.LastCommitSHA == ""
	w.LastCommitSHA = commit.SHA
	if first {
		r.save(logger, w)
		return
	}

	kind := r.classifier().Classify(commit.Message)
	logger.Info("new commit", "sha", short(commit.SHA), "kind", kind, "state", w.Stage, "iteration", w.Iteration)

	switch {
	case w.Stage == db.WaitingForReview && kind == CommitReview:
		w.Iteration++
		w.Stage = db.WaitingForFixes
		if !r.save(logger, w) {
			return
		}
		r.notify(ctx, w.TaskID, fmt.Sprintf("Review round %d landed (%s). Running fixes.", w.Iteration, short(commit.SHA)))
		r.Journal.Record(ctx, events.ReviewObserved, w.TaskID, string(pipeline.StageReviewing), strconv.Itoa(w.Iteration))
		r.run(ctx, w, pipeline.StageFixing)

	case w.Stage == db.WaitingForFixes && kind == CommitFix:
		r.Journal.Record(ctx, events.FixObserved, w.TaskID, string(pipeline.StageFixing), strconv.Itoa(w.Iteration))
		if w.Iteration < w.MaxIterations {
			w.Stage = db.WaitingForReview
			if !r.save(logger, w) {
				return
			}
			r.notify(ctx, w.TaskID, fmt.Sprintf("Fixes for round %d landed (%s). Starting review round %d.", w.Iteration, short(commit.SHA), w.Iteration+1))
			r.run(ctx, w, pipeline.StageReviewing)
			return
		}
		if err := r.Watches.RemoveReviewWatch(w.TaskID); err != nil {
			logger.Warn("remove review watch", "err", err)
			return
		}
		r.notify(ctx, w.TaskID, fmt.Sprintf("Fixes for round %d landed (%s). Review cycle complete after %d iterations.", w.Iteration, short(commit.SHA), w.Iteration))
		if err := r.Notifier.UpdateStatus(ctx, w.TaskID, ReviewStatus); err != nil {
			logger.Warn("update tracker status", "err", err)
		}
		r.Journal.Record(ctx, events.ReviewComplete, w.TaskID, "", strconv.Itoa(w.Iteration))

	default:
		r.save(logger, w)
	}
}

// run starts the follow-up stage for the current round.
func (r *ReviewWatcher) run(ctx context.Context, w db.ReviewWatch, stage pipeline.Stage) {
	if r.Runner == nil {
		return
	}
	logger := r.logger().With("task", w.TaskID, "stage", stage)
	r.launch(func() {
		if err := r.Runner.RunStage(ctx, w.TaskID, stage, w.Iteration); err != nil {
			logger.Warn("follow-up stage failed", "err", err)
		}
	})
}

func (r *ReviewWatcher) save(logger *slog.Logger, w db.ReviewWatch) bool {
	if err := r.Watches.UpdateReviewWatch(w); err != nil {
		logger.Warn("update review watch", "err", err)
		return false
	}
	return true
}

func (r *ReviewWatcher) notify(ctx context.Context, taskID, text string) {
	if err := r.Notifier.PostComment(ctx, taskID, text); err != nil {
		r.logger().Warn("post comment", "task", taskID, "err", err)
	}
}

func (r *ReviewWatcher) classifier() *Classifier {
	if r.Classifier == nil {
		r.Classifier = DefaultClassifier()
	}
	return r.Classifier
}

func (r *ReviewWatcher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// NewReviewWatch builds the watch registered when a pull request is found.
func NewReviewWatch(w db.PRWatch, pr task.PullRequest, maxIterations int) db.ReviewWatch {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return db.ReviewWatch{
		TaskID:        w.TaskID,
		Branch:        w.Branch,
		Repository:    w.Repository,
		PRNumber:      pr.Number,
		PRURL:         pr.URL,
		Stage:         db.WaitingForReview,
		MaxIterations: maxIterations,
	}
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
