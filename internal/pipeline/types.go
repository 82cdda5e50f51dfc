package pipeline

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a task.
	ErrNotFound = errors.New("pipeline not found")
	// ErrExists is returned by Init when a non-terminal record already exists.
	ErrExists = errors.New("pipeline already exists")
	// ErrTerminal is returned when a mutation would change a completed or failed record's outcome.
	ErrTerminal = errors.New("pipeline is terminal")
	// ErrStageBusy is returned by BeginStage when the stage entry is already in progress.
	ErrStageBusy = errors.New("stage already in progress")
	// ErrInvalidTransition is returned when a stage cannot be entered from the current stage.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrStageFailed marks an executor run that finished unsuccessfully.
	ErrStageFailed = errors.New("stage failed")
)

// Status is the overall status of a pipeline or of a single stage entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the persisted state of one task's pipeline.
type Record struct {
	TaskID        string        `json:"task_id"`
	TaskName      string        `json:"task_name"`
	CurrentStage  Stage         `json:"current_stage"`
	Status        Status        `json:"status"`
	Stages        []StageEntry  `json:"stages"`
	Metadata      Metadata      `json:"metadata"`
	Errors        []ErrorEntry  `json:"errors"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// StageEntry is the single log entry for one stage of a pipeline.
type StageEntry struct {
	Name        string        `json:"name"`
	Stage       Stage         `json:"stage"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
	Branch      string        `json:"branch,omitempty"`
}

// ErrorEntry records one failure against the stage it happened in.
type ErrorEntry struct {
	Stage     Stage     `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata holds the typed per-pipeline bag. Merges are additive: zero values never overwrite.
type Metadata struct {
	Repository      string              `json:"repository,omitempty"`
	Branch          string              `json:"branch,omitempty"`
	Worktree        string              `json:"worktree,omitempty"`
	PRNumber        int                 `json:"pr_number,omitempty"`
	PRURL           string              `json:"pr_url,omitempty"`
	ReviewIteration int                 `json:"review_iteration,omitempty"`
	Agents          map[string]AgentRun `json:"agents,omitempty"`
	Extra           map[string]string   `json:"extra,omitempty"`
}

// AgentRun records one agent execution for a stage.
type AgentRun struct {
	Agent      string        `json:"agent"`
	Success    bool          `json:"success"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Merge shallow-merges patch into m.
func (m *Metadata) Merge(patch Metadata) {
	if patch.Repository != "" {
		m.Repository = patch.Repository
	}
	if patch.Branch != "" {
		m.Branch = patch.Branch
	}
	if patch.Worktree != "" {
		m.Worktree = patch.Worktree
	}
	if patch.PRNumber != 0 {
		m.PRNumber = patch.PRNumber
	}
	if patch.PRURL != "" {
		m.PRURL = patch.PRURL
	}
	if patch.ReviewIteration != 0 {
		m.ReviewIteration = patch.ReviewIteration
	}
	if len(patch.Agents) > 0 {
		if m.Agents == nil {
			m.Agents = make(map[string]AgentRun, len(patch.Agents))
		}
		for k, v := range patch.Agents {
			m.Agents[k] = v
		}
	}
	if len(patch.Extra) > 0 {
		if m.Extra == nil {
			m.Extra = make(map[string]string, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			m.Extra[k] = v
		}
	}
}

// StagePatch carries the fields a caller may set on a stage entry.
type StagePatch struct {
	Branch string
	Error  string
}

// Entry returns the stage entry for stage, or nil.
func (r *Record) Entry(stage Stage) *StageEntry {
	for i := range r.Stages {
		if r.Stages[i].Stage == stage {
			return &r.Stages[i]
		}
	}
	return nil
}

// terminalAt returns the completion or failure timestamp of a terminal record.
func (r *Record) terminalAt() (time.Time, bool) {
	switch {
	case r.CompletedAt != nil:
		return *r.CompletedAt, true
	case r.FailedAt != nil:
		return *r.FailedAt, true
	}
	return time.Time{}, false
}
