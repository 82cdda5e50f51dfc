package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// errNoChange tells a store's update primitive to skip the write.
var errNoChange = errors.New("no change")

// newRecord builds a fresh in-progress record seeded with a completed detection entry.
func newRecord(taskID, name string, now time.Time) *Record {
	done := now
	return &Record{
		TaskID:       taskID,
		TaskName:     name,
		CurrentStage: StageDetected,
		Status:       StatusInProgress,
		Stages: []StageEntry{{
			Name:        StageDetected.Name(),
			Stage:       StageDetected,
			Status:      StatusCompleted,
			StartedAt:   now,
			CompletedAt: &done,
		}},
		Errors:    []ErrorEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// enter finds or creates the entry for stage after checking terminal and transition rules.
// The returned bool is true when the entry was newly created.
func (r *Record) enter(stage Stage, now time.Time) (*StageEntry, bool, error) {
	if !stage.Valid() || stage == StageCompleted || stage == StageFailed {
		return nil, false, fmt.Errorf("enter stage %q: %w", stage, ErrInvalidTransition)
	}
	if r.Status.Terminal() && !followUps[stage] {
		return nil, false, fmt.Errorf("enter stage %q on %s pipeline: %w", stage, r.Status, ErrTerminal)
	}
	if e := r.Entry(stage); e != nil {
		return e, false, nil
	}
	if !r.Status.Terminal() && !CanEnter(r.CurrentStage, stage) {
		return nil, false, fmt.Errorf("enter %q from %q: %w", stage, r.CurrentStage, ErrInvalidTransition)
	}
	r.Stages = append(r.Stages, StageEntry{
		Name:      stage.Name(),
		Stage:     stage,
		Status:    StatusInProgress,
		StartedAt: now,
	})
	return &r.Stages[len(r.Stages)-1], true, nil
}

// updateStage finds or creates the stage entry, marks a new entry in progress and merges patch.
func (r *Record) updateStage(stage Stage, patch StagePatch, now time.Time) error {
	e, _, err := r.enter(stage, now)
	if err != nil {
		return err
	}
	applyPatch(e, patch)
	if !r.Status.Terminal() {
		r.CurrentStage = stage
	}
	return nil
}

// beginStage claims the stage for one executor run. An entry already in progress is busy
// unless it started more than staleAfter ago (staleAfter > 0), in which case its run is
// taken to be abandoned and the entry is reclaimed. Re-entering a finished entry resets it
// in place.
func (r *Record) beginStage(stage Stage, patch StagePatch, now time.Time, staleAfter time.Duration) error {
	e, created, err := r.enter(stage, now)
	if err != nil {
		return err
	}
	if !created {
		if e.Status == StatusInProgress {
			age := now.Sub(e.StartedAt)
			if staleAfter <= 0 || age < staleAfter {
				return fmt.Errorf("%s for task %s: %w", stage, r.TaskID, ErrStageBusy)
			}
			r.Errors = append(r.Errors, ErrorEntry{
				Stage:     stage,
				Error:     fmt.Sprintf("abandoned run reclaimed after %s", age.Round(time.Second)),
				Timestamp: now,
			})
		}
		e.Status = StatusInProgress
		e.StartedAt = now
		e.CompletedAt = nil
		e.Duration = 0
		e.Error = ""
	}
	applyPatch(e, patch)
	if !r.Status.Terminal() {
		r.CurrentStage = stage
	}
	return nil
}

func (r *Record) finishStage(stage Stage, status Status, patch StagePatch, now time.Time) (*StageEntry, error) {
	if r.Status.Terminal() && !followUps[stage] {
		return nil, fmt.Errorf("finish stage %q on %s pipeline: %w", stage, r.Status, ErrTerminal)
	}
	e := r.Entry(stage)
	if e == nil {
		return nil, fmt.Errorf("stage %q was never entered for task %s", stage, r.TaskID)
	}
	if e.Status == status && e.CompletedAt != nil {
		return nil, errNoChange
	}
	done := now
	e.Status = status
	e.CompletedAt = &done
	e.Duration = now.Sub(e.StartedAt)
	applyPatch(e, patch)
	return e, nil
}

func (r *Record) completeStage(stage Stage, patch StagePatch, now time.Time) error {
	_, err := r.finishStage(stage, StatusCompleted, patch, now)
	return err
}

func (r *Record) failStage(stage Stage, msg string, now time.Time) error {
	e, err := r.finishStage(stage, StatusFailed, StagePatch{Error: msg}, now)
	if err != nil {
		return err
	}
	r.Errors = append(r.Errors, ErrorEntry{Stage: e.Stage, Error: msg, Timestamp: now})
	return nil
}

func (r *Record) complete(now time.Time) error {
	if r.Status.Terminal() {
		return errNoChange
	}
	done := now
	r.Status = StatusCompleted
	r.CurrentStage = StageCompleted
	r.CompletedAt = &done
	r.TotalDuration = now.Sub(r.CreatedAt)
	return nil
}

// fail marks the pipeline failed. CurrentStage keeps naming the stage that failed.
func (r *Record) fail(msg string, now time.Time) error {
	if r.Status.Terminal() {
		return errNoChange
	}
	failed := now
	r.Status = StatusFailed
	r.FailedAt = &failed
	r.TotalDuration = now.Sub(r.CreatedAt)
	r.Errors = append(r.Errors, ErrorEntry{Stage: r.CurrentStage, Error: msg, Timestamp: now})
	return nil
}

func applyPatch(e *StageEntry, patch StagePatch) {
	if patch.Branch != "" {
		e.Branch = patch.Branch
	}
	if patch.Error != "" {
		e.Error = patch.Error
	}
}
