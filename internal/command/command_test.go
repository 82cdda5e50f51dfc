package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/task"
)

func TestParse(t *testing.T) {
	tests := []struct {
		text string
		want Kind
	}{
		{"please rerun review", RerunReview},
		{"Re-Run Review when you can", RerunReview},
		{"/review", RerunReview},
		{"RERUN FIXES", RerunFixes},
		{"could you re-run fixes?", RerunFixes},
		{"/fix", RerunFixes},
		{"looks good to me", None},
		{"", None},
		{"   ", None},
	}
	for _, tt := range tests {
		if got := Parse(tt.text); got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestAcknowledgementsDoNotParse(t *testing.T) {
	for _, k := range []Kind{RerunReview, RerunFixes} {
		for _, text := range []string{
			"Acknowledged `" + k.String() + "` from @alice. Starting now.",
			"`" + k.String() + "` failed: boom",
		} {
			if got := Parse(text); got != None {
				t.Errorf("Parse(%q) = %s, want none", text, got)
			}
		}
	}
}

// --- Helpers ---

type mockRerunner struct {
	reviews, fixes []string
	err            error
}

func (m *mockRerunner) RerunReview(_ context.Context, taskID string) error {
	m.reviews = append(m.reviews, taskID)
	return m.err
}

func (m *mockRerunner) RerunFixes(_ context.Context, taskID string) error {
	m.fixes = append(m.fixes, taskID)
	return m.err
}

type memSeen struct {
	seen map[string]bool
	err  error
}

func (s *memSeen) MarkCommentProcessed(commentID, _ string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.seen[commentID] {
		return false, nil
	}
	s.seen[commentID] = true
	return true, nil
}

type mockPoster struct {
	posted []string
}

func (p *mockPoster) PostComment(_ context.Context, _ string, text string) error {
	p.posted = append(p.posted, text)
	return nil
}

func newDispatcher(r *mockRerunner) (*Dispatcher, *mockPoster) {
	p := &mockPoster{}
	return &Dispatcher{Rerunner: r, Seen: &memSeen{seen: map[string]bool{}}, Tracker: p, Self: "relay-bot"}, p
}

func TestHandle_RunsOnce(t *testing.T) {
	r := &mockRerunner{}
	d, p := newDispatcher(r)
	c := task.Comment{ID: "c1", Author: "alice", Body: "rerun review please"}

	for i := 0; i < 2; i++ {
		if _, err := d.Handle(context.Background(), "42", c); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(r.reviews) != 1 {
		t.Errorf("reviews = %v, want one run", r.reviews)
	}
	if len(p.posted) != 1 || !strings.Contains(p.posted[0], "Acknowledged") {
		t.Errorf("posted = %v", p.posted)
	}
}

func TestHandle_Fixes(t *testing.T) {
	r := &mockRerunner{}
	d, _ := newDispatcher(r)
	kind, err := d.Handle(context.Background(), "42", task.Comment{ID: "c2", Author: "bob", Body: "/fix"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if kind != RerunFixes || len(r.fixes) != 1 {
		t.Errorf("kind = %s, fixes = %v", kind, r.fixes)
	}
}

func TestHandle_FailureReported(t *testing.T) {
	r := &mockRerunner{err: errors.New("implementation stage not completed")}
	d, p := newDispatcher(r)

	kind, err := d.Handle(context.Background(), "42", task.Comment{ID: "c3", Author: "alice", Body: "re-run review"})
	if err != nil {
		t.Fatalf("Handle returned %v, want nil", err)
	}
	if kind != RerunReview {
		t.Errorf("kind = %s", kind)
	}
	if len(p.posted) != 2 || !strings.Contains(p.posted[1], "implementation stage not completed") {
		t.Errorf("posted = %v", p.posted)
	}
}

func TestHandle_StageFailureNotReportedTwice(t *testing.T) {
	r := &mockRerunner{err: fmt.Errorf("review: %w", pipeline.ErrStageFailed)}
	d, p := newDispatcher(r)

	if _, err := d.Handle(context.Background(), "42", task.Comment{ID: "c7", Author: "alice", Body: "/review"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(p.posted) != 1 {
		t.Errorf("posted = %v, want only the acknowledgement", p.posted)
	}
}

func TestHandle_IgnoresNoiseAndSelf(t *testing.T) {
	r := &mockRerunner{}
	d, p := newDispatcher(r)

	d.Handle(context.Background(), "42", task.Comment{ID: "c4", Author: "alice", Body: "nice work"})
	d.Handle(context.Background(), "42", task.Comment{ID: "c5", Author: "relay-bot", Body: "rerun review"})

	if len(r.reviews)+len(r.fixes) != 0 {
		t.Errorf("unexpected runs: %v %v", r.reviews, r.fixes)
	}
	if len(p.posted) != 0 {
		t.Errorf("posted = %v", p.posted)
	}
}

func TestHandle_DedupError(t *testing.T) {
	r := &mockRerunner{}
	d, _ := newDispatcher(r)
	d.Seen = &memSeen{err: errors.New("database is locked")}

	if _, err := d.Handle(context.Background(), "42", task.Comment{ID: "c6", Author: "alice", Body: "/review"}); err == nil {
		t.Fatal("expected dedup error")
	}
	if len(r.reviews) != 0 {
		t.Error("re-run must not happen when dedup fails")
	}
}
