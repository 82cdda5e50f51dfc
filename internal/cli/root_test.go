package cli

import (
	"bytes"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "poll", "watch", "pipeline", "status", "rerun",
		"queue", "events", "worktree", "serve", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestPipelineSubcommands(t *testing.T) {
	subcmds := []string{"list", "status", "summary", "history", "cleanup", "delete"}
	for _, sub := range subcmds {
		out, err := executeCommand("pipeline", sub, "--help")
		if err != nil {
			t.Errorf("pipeline %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("pipeline %s --help produced no output", sub)
		}
	}
}

func TestWatchSubcommands(t *testing.T) {
	subcmds := []string{"tick", "list", "remove"}
	for _, sub := range subcmds {
		out, err := executeCommand("watch", sub, "--help")
		if err != nil {
			t.Errorf("watch %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("watch %s --help produced no output", sub)
		}
	}
}

func TestRerunSubcommands(t *testing.T) {
	for _, sub := range []string{"review", "fixes"} {
		out, err := executeCommand("rerun", sub, "--help")
		if err != nil {
			t.Errorf("rerun %s --help failed: %v", sub, err)
		}
		if !strings.Contains(out, "<task>") {
			t.Errorf("rerun %s --help missing <task> arg:\n%s", sub, out)
		}
	}
}

func TestRerunRequiresTask(t *testing.T) {
	_, err := executeCommand("rerun", "review")
	if err == nil {
		t.Fatal("expected error when task id is missing")
	}
}

func TestRunHelp_DescribesLoops(t *testing.T) {
	out, err := executeCommand("run", "--help")
	if err != nil {
		t.Fatalf("run --help: %v", err)
	}
	for _, want := range []string{"task poll", "PR watcher", "review watcher", "--http"} {
		if !strings.Contains(out, want) {
			t.Errorf("run --help missing %q", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is far too long", 10, "this is..."},
		{"line\nbreak", 20, "line break"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
