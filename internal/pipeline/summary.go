package pipeline

import "time"

// Summary is a read-only view derived from a Record.
type Summary struct {
	TaskID          string        `json:"task_id"`
	TaskName        string        `json:"task_name"`
	Status          Status        `json:"status"`
	CurrentStage    Stage         `json:"current_stage"`
	CompletedStages int           `json:"completed_stages"`
	Progress        float64       `json:"progress"`
	Duration        time.Duration `json:"duration"`
	HasErrors       bool          `json:"has_errors"`
	ErrorCount      int           `json:"error_count"`
}

// Summarize builds the summary of r as of now.
//
// Progress divides the number of completed stage entries by ExpectedStageCount.
// It is an approximation: a pipeline that skips stages never reaches 1.0, and
// the value is clamped so repeated follow-up rounds cannot push it past 1.0.
func Summarize(r *Record, now time.Time) Summary {
	completed := 0
	for _, e := range r.Stages {
		if e.Status == StatusCompleted {
			completed++
		}
	}
	progress := float64(completed) / ExpectedStageCount
	if progress > 1 {
		progress = 1
	}

	end := now
	if at, ok := r.terminalAt(); ok {
		end = at
	}

	return Summary{
		TaskID:          r.TaskID,
		TaskName:        r.TaskName,
		Status:          r.Status,
		CurrentStage:    r.CurrentStage,
		CompletedStages: completed,
		Progress:        progress,
		Duration:        end.Sub(r.CreatedAt),
		HasErrors:       len(r.Errors) > 0,
		ErrorCount:      len(r.Errors),
	}
}
