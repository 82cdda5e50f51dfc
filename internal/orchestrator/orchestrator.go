// Package orchestrator drives a task through analysis, implementation,
// review and fixes, and re-enters single stages on request.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/relay/internal/agent"
	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/task"
	"github.com/lucasnoah/relay/internal/watcher"
	"github.com/lucasnoah/relay/internal/worktree"
)

// ErrNotImplemented is returned by a targeted re-run when the task's
// implementation stage has not completed.
var ErrNotImplemented = errors.New("implementation stage not completed")

// Tracker statuses set by the orchestrator.
const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Tracker is the external task tracker.
type Tracker interface {
	ListTasks(ctx context.Context) ([]task.Task, error)
	ListComments(ctx context.Context, taskID string) ([]task.Comment, error)
	PostComment(ctx context.Context, taskID, text string) error
	UpdateStatus(ctx context.Context, taskID, status string) error
}

// Queue receives tasks that need manual processing.
type Queue interface {
	Enqueue(taskID, reason string) error
}

// Watches registers tasks with the completion watchers.
type Watches interface {
	AddPRWatch(w db.PRWatch) error
	AddReviewWatch(w db.ReviewWatch) error
}

// Repository is a repository relay works against.
type Repository struct {
	Name     string // config name, matched against repo: labels
	FullName string // owner/name on the host
}

// Options configures an Orchestrator. Repository is the active repository;
// the rest are optional.
type Options struct {
	Repository    Repository
	Watches       Watches
	Journal       *events.Journal
	Logger        *slog.Logger
	MaxIterations int
}

// Orchestrator composes pipeline lifecycle operations.
type Orchestrator struct {
	store   pipeline.Store
	tracker Tracker
	agents  agent.Set
	queue   Queue
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Orchestrator.
func New(store pipeline.Store, tracker Tracker, agents agent.Set, queue Queue, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		tracker: tracker,
		agents:  agents,
		queue:   queue,
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Result describes how a pipeline run ended.
type Result struct {
	TaskID   string                    `json:"task_id"`
	Success  bool                      `json:"success"`
	Branch   string                    `json:"branch,omitempty"`
	Degraded map[pipeline.Stage]string `json:"degraded,omitempty"` // non-fatal stage failures
	Error    string                    `json:"error,omitempty"`
}

// ProcessTask runs a new task through the full pipeline. Analysis, review and
// fixes failures are logged and skipped; an implementation failure fails the
// pipeline and queues the task for manual processing. The returned error is
// only set for unexpected failures, which are handled the same way.
func (o *Orchestrator) ProcessTask(ctx context.Context, t task.Task) (*Result, error) {
	logger := o.logger.With("task", t.ID)
	repo := o.resolveRepository(t)

	if _, err := o.store.Init(ctx, t.ID, t.Title); err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	o.opts.Journal.Record(ctx, events.PipelineCreated, t.ID, string(pipeline.StageDetected), repo.FullName)
	if err := o.tracker.UpdateStatus(ctx, t.ID, StatusInProgress); err != nil {
		logger.Warn("update tracker status", "err", err)
	}

	res := &Result{TaskID: t.ID}
	if err := o.store.UpdateMetadata(ctx, t.ID, pipeline.Metadata{Repository: repo.FullName}); err != nil {
		return o.abort(ctx, res, err)
	}

	// Analysis is optional input for implementation.
	analysis, failure, err := o.runStage(ctx, t, agent.StageContext{Stage: pipeline.StageAnalyzing, Repository: repo.FullName})
	if err != nil {
		return o.abort(ctx, res, err)
	}
	if failure != "" {
		logger.Warn("analysis failed, continuing without it", "reason", failure)
		res.degrade(pipeline.StageAnalyzing, failure)
	}

	impl, failure, err := o.runStage(ctx, t, agent.StageContext{
		Stage:      pipeline.StageImplementing,
		Repository: repo.FullName,
		Branch:     worktree.BranchFor(t.ID),
		Analysis:   analysis.Output,
	})
	if err != nil {
		return o.abort(ctx, res, err)
	}
	if failure != "" {
		return o.failImplementation(ctx, res, failure)
	}
	res.Branch = impl.Branch
	if res.Branch == "" {
		res.Branch = worktree.BranchFor(t.ID)
	}
	if err := o.store.UpdateMetadata(ctx, t.ID, pipeline.Metadata{Branch: res.Branch, Worktree: impl.Worktree}); err != nil {
		return o.abort(ctx, res, err)
	}
	o.watchForPR(ctx, t.ID, res.Branch, repo.FullName)

	follow := agent.StageContext{Repository: repo.FullName, Branch: res.Branch, Worktree: impl.Worktree, Iteration: 1}
	for _, stage := range []pipeline.Stage{pipeline.StageReviewing, pipeline.StageFixing} {
		follow.Stage = stage
		_, failure, err := o.runStage(ctx, t, follow)
		if errors.Is(err, pipeline.ErrStageBusy) {
			// A watcher or command run owns the stage; leave it to that run.
			logger.Warn("stage already running, skipping", "stage", stage)
			res.degrade(stage, "already running")
			continue
		}
		if err != nil {
			return o.abort(ctx, res, err)
		}
		if failure != "" {
			logger.Warn("stage failed, continuing", "stage", stage, "reason", failure)
			res.degrade(stage, failure)
		}
	}

	if err := o.store.Complete(ctx, t.ID); err != nil {
		return o.abort(ctx, res, err)
	}
	res.Success = true
	o.opts.Journal.Record(ctx, events.PipelineCompleted, t.ID, string(pipeline.StageCompleted), res.Branch)
	logger.Info("pipeline completed", "branch", res.Branch, "degraded", len(res.Degraded))
	o.notify(ctx, t.ID, completionComment(res))
	if err := o.tracker.UpdateStatus(ctx, t.ID, StatusCompleted); err != nil {
		logger.Warn("update tracker status", "err", err)
	}
	return res, nil
}

// RerunReview runs the review stage again on an implemented task.
func (o *Orchestrator) RerunReview(ctx context.Context, taskID string) error {
	return o.rerun(ctx, taskID, pipeline.StageReviewing)
}

// RerunFixes runs the fixes stage again on an implemented task.
func (o *Orchestrator) RerunFixes(ctx context.Context, taskID string) error {
	return o.rerun(ctx, taskID, pipeline.StageFixing)
}

func (o *Orchestrator) rerun(ctx context.Context, taskID string, stage pipeline.Stage) error {
	rec, err := o.implemented(ctx, taskID)
	if err != nil {
		return err
	}
	iteration := rec.Metadata.ReviewIteration
	if iteration == 0 {
		iteration = 1
	}
	_, failure, err := o.runStage(ctx, recordTask(rec), stageContext(rec, stage, iteration))
	if err != nil {
		return fmt.Errorf("rerun %s: %w", stage.Name(), err)
	}
	if failure != "" {
		o.notify(ctx, taskID, fmt.Sprintf("Re-running %s failed: %s", stage.Name(), failure))
		return fmt.Errorf("rerun %s: %s: %w", stage.Name(), failure, pipeline.ErrStageFailed)
	}
	o.notify(ctx, taskID, fmt.Sprintf("Re-running %s finished on branch `%s`.", stage.Name(), rec.Metadata.Branch))
	return nil
}

// RunStage runs one review-cycle stage for a task; the review watcher calls it
// when a review or fix commit lands.
func (o *Orchestrator) RunStage(ctx context.Context, taskID string, stage pipeline.Stage, iteration int) error {
	if stage != pipeline.StageReviewing && stage != pipeline.StageFixing {
		return fmt.Errorf("run stage %q: %w", stage, pipeline.ErrInvalidTransition)
	}
	rec, err := o.implemented(ctx, taskID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateMetadata(ctx, taskID, pipeline.Metadata{ReviewIteration: iteration}); err != nil {
		return fmt.Errorf("record iteration: %w", err)
	}
	_, failure, err := o.runStage(ctx, recordTask(rec), stageContext(rec, stage, iteration))
	if err != nil {
		return fmt.Errorf("run %s: %w", stage.Name(), err)
	}
	if failure != "" {
		return fmt.Errorf("run %s: %s: %w", stage.Name(), failure, pipeline.ErrStageFailed)
	}
	return nil
}

// OnPRFound seeds the review-cycle watch once a pull request exists for the task branch.
func (o *Orchestrator) OnPRFound(ctx context.Context, w db.PRWatch, pr task.PullRequest) error {
	if err := o.store.UpdateMetadata(ctx, w.TaskID, pipeline.Metadata{PRNumber: pr.Number, PRURL: pr.URL}); err != nil {
		return fmt.Errorf("record pull request: %w", err)
	}
	if o.opts.Watches == nil {
		return nil
	}
	if err := o.opts.Watches.AddReviewWatch(watcher.NewReviewWatch(w, pr, o.opts.MaxIterations)); err != nil {
		return fmt.Errorf("add review watch: %w", err)
	}
	return nil
}

// runStage claims the stage, runs its executor and records the outcome.
// failure is set when the stage ran and did not succeed; err is set for
// anything else, including a stage already in progress.
func (o *Orchestrator) runStage(ctx context.Context, t task.Task, sc agent.StageContext) (res agent.StageResult, failure string, err error) {
	logger := o.logger.With("task", t.ID, "stage", sc.Stage)
	if err := o.store.BeginStage(ctx, t.ID, sc.Stage, pipeline.StagePatch{Branch: sc.Branch}); err != nil {
		return res, "", fmt.Errorf("begin %s: %w", sc.Stage.Name(), err)
	}
	o.opts.Journal.Record(ctx, events.StageStarted, t.ID, string(sc.Stage), "")
	logger.Info("stage started")

	started := o.now()
	exec, err := o.agents.For(sc.Stage)
	if err == nil {
		res, err = exec.Execute(ctx, t, sc)
	}
	finished := o.now()

	switch {
	case err != nil:
		failure = err.Error()
	case !res.Success:
		failure = res.Error
		if failure == "" {
			failure = "agent reported failure"
		}
	}

	// Outcomes are recorded even when ctx was cancelled during the run.
	sctx := context.WithoutCancel(ctx)
	run := pipeline.AgentRun{
		Agent:      string(sc.Stage),
		Success:    failure == "",
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Error:      failure,
	}
	if err := o.store.UpdateMetadata(sctx, t.ID, pipeline.Metadata{Agents: map[string]pipeline.AgentRun{string(sc.Stage): run}}); err != nil {
		return res, "", fmt.Errorf("record %s run: %w", sc.Stage.Name(), err)
	}

	if failure != "" {
		if err := o.store.FailStage(sctx, t.ID, sc.Stage, failure); err != nil {
			return res, "", fmt.Errorf("fail %s: %w", sc.Stage.Name(), err)
		}
		o.opts.Journal.Record(sctx, events.StageFailed, t.ID, string(sc.Stage), failure)
		logger.Warn("stage failed", "reason", failure, "duration", run.Duration)
		return res, failure, nil
	}

	if err := o.store.CompleteStage(sctx, t.ID, sc.Stage, pipeline.StagePatch{Branch: res.Branch}); err != nil {
		return res, "", fmt.Errorf("complete %s: %w", sc.Stage.Name(), err)
	}
	o.opts.Journal.Record(sctx, events.StageCompleted, t.ID, string(sc.Stage), res.Branch)
	logger.Info("stage completed", "duration", run.Duration)
	return res, "", nil
}

// failImplementation fails the pipeline after an unsuccessful implementation run.
func (o *Orchestrator) failImplementation(ctx context.Context, res *Result, failure string) (*Result, error) {
	sctx := context.WithoutCancel(ctx)
	reason := "implementation failed: " + failure
	if err := o.store.Fail(sctx, res.TaskID, reason); err != nil {
		return o.abort(ctx, res, err)
	}
	o.enqueue(sctx, res, reason)
	o.notify(sctx, res.TaskID, fmt.Sprintf("Implementation failed: %s\n\nThe task has been queued for manual processing.", failure))
	if err := o.tracker.UpdateStatus(sctx, res.TaskID, StatusFailed); err != nil {
		o.logger.Warn("update tracker status", "task", res.TaskID, "err", err)
	}
	return res, nil
}

// abort handles an unexpected error: the pipeline is failed and the task queued.
func (o *Orchestrator) abort(ctx context.Context, res *Result, cause error) (*Result, error) {
	sctx := context.WithoutCancel(ctx)
	reason := "unexpected error: " + cause.Error()
	o.logger.Error("pipeline aborted", "task", res.TaskID, "err", cause)
	if err := o.store.Fail(sctx, res.TaskID, reason); err != nil {
		o.logger.Error("fail pipeline", "task", res.TaskID, "err", err)
	}
	o.enqueue(sctx, res, reason)
	o.notify(sctx, res.TaskID, fmt.Sprintf("Pipeline aborted: %v\n\nThe task has been queued for manual processing.", cause))
	if err := o.tracker.UpdateStatus(sctx, res.TaskID, StatusFailed); err != nil {
		o.logger.Warn("update tracker status", "task", res.TaskID, "err", err)
	}
	return res, cause
}

func (o *Orchestrator) enqueue(ctx context.Context, res *Result, reason string) {
	res.Success = false
	res.Error = reason
	o.opts.Journal.Record(ctx, events.PipelineFailed, res.TaskID, "", reason)
	if err := o.queue.Enqueue(res.TaskID, reason); err != nil {
		o.logger.Error("enqueue for manual processing", "task", res.TaskID, "err", err)
		return
	}
	o.opts.Journal.Record(ctx, events.TaskQueued, res.TaskID, "", reason)
}

func (o *Orchestrator) watchForPR(ctx context.Context, taskID, branch, repository string) {
	if o.opts.Watches == nil {
		return
	}
	if err := o.opts.Watches.AddPRWatch(db.PRWatch{TaskID: taskID, Branch: branch, Repository: repository}); err != nil {
		o.logger.Warn("add pr watch", "task", taskID, "err", err)
	}
}

// implemented loads a record and checks that its implementation stage completed.
func (o *Orchestrator) implemented(ctx context.Context, taskID string) (*pipeline.Record, error) {
	rec, err := o.store.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", taskID, err)
	}
	e := rec.Entry(pipeline.StageImplementing)
	if e == nil || e.Status != pipeline.StatusCompleted {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotImplemented)
	}
	return rec, nil
}

// resolveRepository picks the repository for a task. A task naming a
// different repository is logged; the active repository always wins.
func (o *Orchestrator) resolveRepository(t task.Task) Repository {
	active := o.opts.Repository
	if named := t.Repository(); named != "" && named != active.Name && named != active.FullName {
		o.logger.Warn("task names a different repository, using the active one",
			"task", t.ID, "requested", named, "active", active.FullName)
	}
	return active
}

func (o *Orchestrator) notify(ctx context.Context, taskID, text string) {
	if err := o.tracker.PostComment(ctx, taskID, text); err != nil {
		o.logger.Warn("post comment", "task", taskID, "err", err)
	}
}

func (r *Result) degrade(stage pipeline.Stage, failure string) {
	if r.Degraded == nil {
		r.Degraded = make(map[pipeline.Stage]string)
	}
	r.Degraded[stage] = failure
}

// --- Helpers ---

func recordTask(rec *pipeline.Record) task.Task {
	return task.Task{ID: rec.TaskID, Title: rec.TaskName}
}

func stageContext(rec *pipeline.Record, stage pipeline.Stage, iteration int) agent.StageContext {
	return agent.StageContext{
		Stage:      stage,
		Repository: rec.Metadata.Repository,
		Branch:     rec.Metadata.Branch,
		Worktree:   rec.Metadata.Worktree,
		PRURL:      rec.Metadata.PRURL,
		Iteration:  iteration,
	}
}

func completionComment(res *Result) string {
	msg := fmt.Sprintf("Pipeline complete. Branch `%s` is pushed; watching for a pull request.", res.Branch)
	for _, stage := range []pipeline.Stage{pipeline.StageAnalyzing, pipeline.StageReviewing, pipeline.StageFixing} {
		if reason, ok := res.Degraded[stage]; ok {
			msg += fmt.Sprintf("\n- %s skipped: %s", stage.Name(), reason)
		}
	}
	return msg
}
