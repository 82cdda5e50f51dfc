// Package command turns operator comments on a task into targeted stage re-runs.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/task"
)

// Kind is a recognized operator command.
type Kind int

const (
	None Kind = iota
	RerunReview
	RerunFixes
)

func (k Kind) String() string {
	switch k {
	case RerunReview:
		return "rerun-review"
	case RerunFixes:
		return "rerun-fixes"
	}
	return "none"
}

// vocabulary is checked in order; the first phrase found wins.
var vocabulary = []struct {
	phrase string
	kind   Kind
}{
	{"rerun review", RerunReview},
	{"re-run review", RerunReview},
	{"/review", RerunReview},
	{"rerun fixes", RerunFixes},
	{"re-run fixes", RerunFixes},
	{"rerun fix", RerunFixes},
	{"re-run fix", RerunFixes},
	{"/fix", RerunFixes},
}

// Parse classifies comment text by case-insensitive substring match.
func Parse(text string) Kind {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return None
	}
	for _, v := range vocabulary {
		if strings.Contains(lower, v.phrase) {
			return v.kind
		}
	}
	return None
}

// Rerunner re-enters a single stage on an already-processed task.
type Rerunner interface {
	RerunReview(ctx context.Context, taskID string) error
	RerunFixes(ctx context.Context, taskID string) error
}

// Seen records which comments have already been acted on.
type Seen interface {
	MarkCommentProcessed(commentID, taskID string) (bool, error)
}

// Poster posts tracker comments.
type Poster interface {
	PostComment(ctx context.Context, taskID, text string) error
}

// Dispatcher acts on operator commands found in task comments.
type Dispatcher struct {
	Rerunner Rerunner
	Seen     Seen
	Tracker  Poster
	Journal  *events.Journal
	Logger   *slog.Logger

	// Self is the author relay posts as; its comments are never parsed.
	Self string
}

// Handle parses one comment and runs the matching re-run at most once per comment id.
// Re-run failures are reported on the task and never returned; the error result only
// covers the dedup store.
func (d *Dispatcher) Handle(ctx context.Context, taskID string, c task.Comment) (Kind, error) {
	if d.Self != "" && strings.EqualFold(c.Author, d.Self) {
		return None, nil
	}
	kind := Parse(c.Body)
	if kind == None {
		return None, nil
	}

	fresh, err := d.Seen.MarkCommentProcessed(c.ID, taskID)
	if err != nil {
		return kind, fmt.Errorf("mark comment %s processed: %w", c.ID, err)
	}
	if !fresh {
		return None, nil
	}

	logger := d.logger().With("task", taskID, "command", kind, "comment", c.ID)
	logger.Info("command received")
	d.Journal.Record(ctx, events.CommandReceived, taskID, "", kind.String())
	d.post(ctx, taskID, fmt.Sprintf("Acknowledged `%s` from @%s. Starting now.", kind, c.Author))

	var runErr error
	switch kind {
	case RerunReview:
		runErr = d.Rerunner.RerunReview(ctx, taskID)
	case RerunFixes:
		runErr = d.Rerunner.RerunFixes(ctx, taskID)
	}
	if runErr != nil {
		logger.Warn("command failed", "err", runErr)
		// Stage failures are reported on the task by the re-run itself.
		if !errors.Is(runErr, pipeline.ErrStageFailed) {
			d.post(ctx, taskID, fmt.Sprintf("`%s` failed: %v", kind, runErr))
		}
	}
	return kind, nil
}

func (d *Dispatcher) post(ctx context.Context, taskID, text string) {
	if d.Tracker == nil {
		return
	}
	if err := d.Tracker.PostComment(ctx, taskID, text); err != nil {
		d.logger().Warn("post comment", "task", taskID, "err", err)
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
