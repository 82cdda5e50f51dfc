package worktree

import (
	"context"
	"fmt"
	"testing"
)

type mockGit struct {
	calls   []gitCall
	results []mockResult
	idx     int
}

type gitCall struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Output string
	Err    error
}

func (m *mockGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.Output, r.Err
}

func newTestManager(git *mockGit, existing ...string) *Manager {
	m := NewManager(git, "/repo", "/repo/wt", "main")
	m.exists = func(path string) bool {
		for _, e := range existing {
			if e == path {
				return true
			}
		}
		return false
	}
	return m
}

func TestEnsure_Creates(t *testing.T) {
	git := &mockGit{}
	wt, err := newTestManager(git).Ensure(context.Background(), "42", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if wt.Path != "/repo/wt/task-42" {
		t.Errorf("Path = %q, want /repo/wt/task-42", wt.Path)
	}
	if wt.Branch != "relay/42" {
		t.Errorf("Branch = %q, want relay/42", wt.Branch)
	}
	if len(git.calls) != 2 {
		t.Fatalf("got %d git calls, want 2", len(git.calls))
	}
	assertArgs(t, git.calls[0].Args, "fetch", "origin", "main")
	assertArgs(t, git.calls[1].Args, "worktree", "add", "/repo/wt/task-42", "-b", "relay/42", "origin/main")
	if git.calls[1].Dir != "/repo" {
		t.Errorf("Dir = %q, want /repo", git.calls[1].Dir)
	}
}

func TestEnsure_ReusesExisting(t *testing.T) {
	git := &mockGit{}
	wt, err := newTestManager(git, "/repo/wt/task-42").Ensure(context.Background(), "42", "relay/42")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if wt.Path != "/repo/wt/task-42" {
		t.Errorf("Path = %q", wt.Path)
	}
	if len(git.calls) != 0 {
		t.Errorf("got %d git calls, want 0", len(git.calls))
	}
}

func TestEnsure_BranchAlreadyExists(t *testing.T) {
	git := &mockGit{results: []mockResult{
		{},
		{Err: fmt.Errorf("fatal: a branch named 'relay/42' already exists")},
		{},
	}}
	if _, err := newTestManager(git).Ensure(context.Background(), "42", ""); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(git.calls) != 3 {
		t.Fatalf("got %d git calls, want 3", len(git.calls))
	}
	assertArgs(t, git.calls[2].Args, "worktree", "add", "/repo/wt/task-42", "relay/42")
}

func TestEnsure_Error(t *testing.T) {
	git := &mockGit{results: []mockResult{{}, {Err: fmt.Errorf("disk full")}}}
	if _, err := newTestManager(git).Ensure(context.Background(), "42", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnsure_InvalidTaskID(t *testing.T) {
	for _, id := range []string{"", "../x", "-rf"} {
		if _, err := newTestManager(&mockGit{}).Ensure(context.Background(), id, ""); err == nil {
			t.Errorf("Ensure(%q) should fail", id)
		}
	}
}

func TestPush(t *testing.T) {
	git := &mockGit{}
	err := newTestManager(git).Push(context.Background(), &Worktree{Path: "/repo/wt/task-42", Branch: "relay/42"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	assertArgs(t, git.calls[0].Args, "push", "-u", "origin", "relay/42")
	if git.calls[0].Dir != "/repo/wt/task-42" {
		t.Errorf("Dir = %q", git.calls[0].Dir)
	}
}

func TestRemove_DeletesBranch(t *testing.T) {
	git := &mockGit{results: []mockResult{{Output: "relay/42"}, {}, {}}}
	if err := newTestManager(git).Remove(context.Background(), "42", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(git.calls) != 3 {
		t.Fatalf("got %d git calls, want 3", len(git.calls))
	}
	assertArgs(t, git.calls[1].Args, "worktree", "remove", "/repo/wt/task-42")
	assertArgs(t, git.calls[2].Args, "branch", "-d", "relay/42")
}

func TestRemove_ProtectsBaseBranch(t *testing.T) {
	git := &mockGit{results: []mockResult{{Output: "main"}, {}}}
	if err := newTestManager(git).Remove(context.Background(), "42", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(git.calls) != 2 {
		t.Errorf("got %d git calls, want 2 (no branch delete)", len(git.calls))
	}
}

func TestSanitizeBranch(t *testing.T) {
	tests := map[string]string{
		"relay/42":        "relay/42",
		"relay/add login": "relay/add-login",
		"--weird--":       "weird",
	}
	for in, want := range tests {
		if got := sanitizeBranch(in); got != want {
			t.Errorf("sanitizeBranch(%q) = %q, want %q", in, got, want)
		}
	}
}

func assertArgs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
