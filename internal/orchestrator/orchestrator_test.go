package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/relay/internal/agent"
	"github.com/lucasnoah/relay/internal/command"
	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/task"
)

// --- Mocks ---

type mockTracker struct {
	mu       sync.Mutex
	tasks    []task.Task
	comments map[string][]task.Comment
	posted   map[string][]string
	statuses map[string][]string
}

func newMockTracker(tasks ...task.Task) *mockTracker {
	return &mockTracker{
		tasks:    tasks,
		comments: map[string][]task.Comment{},
		posted:   map[string][]string{},
		statuses: map[string][]string{},
	}
}

func (m *mockTracker) ListTasks(context.Context) ([]task.Task, error) {
	return m.tasks, nil
}

func (m *mockTracker) ListComments(_ context.Context, taskID string) ([]task.Comment, error) {
	return m.comments[taskID], nil
}

func (m *mockTracker) PostComment(_ context.Context, taskID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted[taskID] = append(m.posted[taskID], text)
	return nil
}

func (m *mockTracker) UpdateStatus(_ context.Context, taskID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[taskID] = append(m.statuses[taskID], status)
	return nil
}

// mockAgents scripts one result per stage and records every call.
type mockAgents struct {
	mu      sync.Mutex
	results map[pipeline.Stage]agent.StageResult
	errs    map[pipeline.Stage]error
	calls   []agent.StageContext
}

func newMockAgents() *mockAgents {
	return &mockAgents{
		results: map[pipeline.Stage]agent.StageResult{
			pipeline.StageAnalyzing:    {Success: true, Output: "touch auth.go"},
			pipeline.StageImplementing: {Success: true, Branch: "relay/1", Worktree: "/wt/task-1"},
			pipeline.StageReviewing:    {Success: true},
			pipeline.StageFixing:       {Success: true},
		},
		errs: map[pipeline.Stage]error{},
	}
}

func (m *mockAgents) set() agent.Set {
	s := agent.Set{}
	for _, stage := range []pipeline.Stage{pipeline.StageAnalyzing, pipeline.StageImplementing, pipeline.StageReviewing, pipeline.StageFixing} {
		stage := stage
		s[stage] = agent.Func(func(_ context.Context, _ task.Task, sc agent.StageContext) (agent.StageResult, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.calls = append(m.calls, sc)
			return m.results[stage], m.errs[stage]
		})
	}
	return s
}

func (m *mockAgents) called(stage pipeline.Stage) []agent.StageContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.StageContext
	for _, sc := range m.calls {
		if sc.Stage == stage {
			out = append(out, sc)
		}
	}
	return out
}

// failingStore fails CompleteStage for one stage.
type failingStore struct {
	pipeline.Store
	stage pipeline.Stage
}

func (s *failingStore) CompleteStage(ctx context.Context, taskID string, stage pipeline.Stage, patch pipeline.StagePatch) error {
	if stage == s.stage {
		return errors.New("disk full")
	}
	return s.Store.CompleteStage(ctx, taskID, stage, patch)
}

// --- Test helpers ---

type testEnv struct {
	orch     *Orchestrator
	store    pipeline.Store
	database *db.DB
	tracker  *mockTracker
	agents   *mockAgents
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()
	store := pipeline.NewFileStore(filepath.Join(tmpDir, "pipelines"))

	database, err := db.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	env := &testEnv{
		store:    store,
		database: database,
		tracker:  newMockTracker(),
		agents:   newMockAgents(),
	}
	env.orch = env.build(store)
	return env
}

func (e *testEnv) build(store pipeline.Store) *Orchestrator {
	return New(store, e.tracker, e.agents.set(), e.database, Options{
		Repository:    Repository{Name: "web", FullName: "acme/web"},
		Watches:       e.database,
		MaxIterations: 3,
	})
}

func (e *testEnv) get(t *testing.T, id string) *pipeline.Record {
	t.Helper()
	rec, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func (e *testEnv) queued(t *testing.T) []string {
	t.Helper()
	items, err := e.database.QueueList("pending")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.TaskID)
	}
	return ids
}

func stageStatus(rec *pipeline.Record, stage pipeline.Stage) pipeline.Status {
	if e := rec.Entry(stage); e != nil {
		return e.Status
	}
	return ""
}

var task1 = task.Task{ID: "1", Title: "Add login"}

// --- ProcessTask ---

func TestProcessTask_HappyPath(t *testing.T) {
	env := setupTest(t)

	res, err := env.orch.ProcessTask(context.Background(), task1)
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !res.Success || res.Branch != "relay/1" || len(res.Degraded) != 0 {
		t.Errorf("result = %+v", res)
	}

	rec := env.get(t, "1")
	if rec.Status != pipeline.StatusCompleted || rec.CurrentStage != pipeline.StageCompleted {
		t.Errorf("status = %s, stage = %s", rec.Status, rec.CurrentStage)
	}
	want := []pipeline.Stage{pipeline.StageDetected, pipeline.StageAnalyzing, pipeline.StageImplementing, pipeline.StageReviewing, pipeline.StageFixing}
	if len(rec.Stages) != len(want) {
		t.Fatalf("stages = %+v", rec.Stages)
	}
	for i, s := range want {
		if rec.Stages[i].Stage != s || rec.Stages[i].Status != pipeline.StatusCompleted {
			t.Errorf("stage %d = %s/%s, want %s/completed", i, rec.Stages[i].Stage, rec.Stages[i].Status, s)
		}
	}
	if rec.Metadata.Repository != "acme/web" || rec.Metadata.Branch != "relay/1" || rec.Metadata.Worktree != "/wt/task-1" {
		t.Errorf("metadata = %+v", rec.Metadata)
	}
	if len(rec.Metadata.Agents) != 4 {
		t.Errorf("agent runs = %d, want 4", len(rec.Metadata.Agents))
	}

	watches, _ := env.database.PRWatches()
	if len(watches) != 1 || watches[0].Branch != "relay/1" || watches[0].Repository != "acme/web" {
		t.Errorf("pr watches = %+v", watches)
	}
	if got := strings.Join(env.tracker.statuses["1"], ","); got != "in-progress,completed" {
		t.Errorf("statuses = %s", got)
	}
	impl := env.agents.called(pipeline.StageImplementing)
	if len(impl) != 1 || impl[0].Analysis != "touch auth.go" || impl[0].Branch != "relay/1" {
		t.Errorf("implementation calls = %+v", impl)
	}
}

func TestProcessTask_ImplementationFailureIsFatal(t *testing.T) {
	env := setupTest(t)
	env.agents.results[pipeline.StageImplementing] = agent.StageResult{Success: false, Error: "tests fail"}

	res, err := env.orch.ProcessTask(context.Background(), task.Task{ID: "T1", Title: "Broken"})
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if res.Success {
		t.Error("result should not be successful")
	}

	rec := env.get(t, "T1")
	if rec.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.CurrentStage != pipeline.StageImplementing {
		t.Errorf("current stage = %s, want implementing", rec.CurrentStage)
	}
	if rec.Entry(pipeline.StageReviewing) != nil || rec.Entry(pipeline.StageFixing) != nil {
		t.Errorf("review/fix entries created: %+v", rec.Stages)
	}
	if len(env.agents.called(pipeline.StageReviewing)) != 0 {
		t.Error("review ran after failed implementation")
	}
	if q := env.queued(t); len(q) != 1 || q[0] != "T1" {
		t.Errorf("queue = %v, want [T1]", q)
	}
	watches, _ := env.database.PRWatches()
	if len(watches) != 0 {
		t.Errorf("pr watches = %+v, want none", watches)
	}
	posted := env.tracker.posted["T1"]
	if len(posted) == 0 || !strings.Contains(posted[len(posted)-1], "tests fail") {
		t.Errorf("posted = %v", posted)
	}
}

func TestProcessTask_AnalysisErrorIsNonFatal(t *testing.T) {
	env := setupTest(t)
	env.agents.errs[pipeline.StageAnalyzing] = errors.New("agent crashed")

	res, err := env.orch.ProcessTask(context.Background(), task.Task{ID: "T2", Title: "Degraded"})
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	rec := env.get(t, "T2")
	if rec.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if got := stageStatus(rec, pipeline.StageAnalyzing); got != pipeline.StatusFailed {
		t.Errorf("analyzing = %s, want failed", got)
	}
	if len(rec.Errors) == 0 {
		t.Error("errors should not be empty")
	}
	impl := env.agents.called(pipeline.StageImplementing)
	if len(impl) != 1 || impl[0].Analysis != "" {
		t.Errorf("implementation calls = %+v, want one without analysis", impl)
	}
	if _, ok := res.Degraded[pipeline.StageAnalyzing]; !ok {
		t.Errorf("degraded = %v", res.Degraded)
	}
}

func TestProcessTask_ReviewAndFixFailuresAreNonFatal(t *testing.T) {
	env := setupTest(t)
	env.agents.results[pipeline.StageReviewing] = agent.StageResult{Success: false, Error: "reviewer unavailable"}
	env.agents.errs[pipeline.StageFixing] = errors.New("timed out")

	res, err := env.orch.ProcessTask(context.Background(), task1)
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	rec := env.get(t, "1")
	if rec.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if stageStatus(rec, pipeline.StageReviewing) != pipeline.StatusFailed || stageStatus(rec, pipeline.StageFixing) != pipeline.StatusFailed {
		t.Errorf("stages = %+v", rec.Stages)
	}
	if len(res.Degraded) != 2 {
		t.Errorf("degraded = %v", res.Degraded)
	}
	posted := env.tracker.posted["1"]
	if !strings.Contains(posted[len(posted)-1], "review skipped: reviewer unavailable") {
		t.Errorf("completion comment = %q", posted[len(posted)-1])
	}
}

func TestProcessTask_BusyFollowUpStageIsSkipped(t *testing.T) {
	env := setupTest(t)
	agents := env.agents.set()
	// The review watcher starts fixes while the pipeline's own review is still running.
	agents[pipeline.StageReviewing] = agent.Func(func(ctx context.Context, tk task.Task, _ agent.StageContext) (agent.StageResult, error) {
		if err := env.store.BeginStage(ctx, tk.ID, pipeline.StageFixing, pipeline.StagePatch{}); err != nil {
			t.Errorf("claim fixing: %v", err)
		}
		return agent.StageResult{Success: true}, nil
	})
	orch := New(env.store, env.tracker, agents, env.database, Options{
		Repository: Repository{Name: "web", FullName: "acme/web"},
		Watches:    env.database,
	})

	res, err := orch.ProcessTask(context.Background(), task1)
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !res.Success || res.Degraded[pipeline.StageFixing] != "already running" {
		t.Errorf("result = %+v", res)
	}
	rec := env.get(t, "1")
	if rec.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if len(env.agents.called(pipeline.StageFixing)) != 0 {
		t.Error("fixes ran a second time while busy")
	}
	if q := env.queued(t); len(q) != 0 {
		t.Errorf("queue = %v, want empty", q)
	}
}

func TestProcessTask_UnexpectedErrorFailsAndQueues(t *testing.T) {
	env := setupTest(t)
	orch := env.build(&failingStore{Store: env.store, stage: pipeline.StageImplementing})

	res, err := orch.ProcessTask(context.Background(), task1)
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Success {
		t.Errorf("result = %+v", res)
	}
	rec := env.get(t, "1")
	if rec.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if q := env.queued(t); len(q) != 1 {
		t.Errorf("queue = %v", q)
	}
	if len(env.agents.called(pipeline.StageReviewing)) != 0 {
		t.Error("review ran after abort")
	}
}

func TestProcessTask_ExistingPipeline(t *testing.T) {
	env := setupTest(t)
	if _, err := env.store.Init(context.Background(), "1", "Add login"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := env.orch.ProcessTask(context.Background(), task1); !errors.Is(err, pipeline.ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}
	if len(env.agents.calls) != 0 {
		t.Errorf("agents ran: %+v", env.agents.calls)
	}
}

func TestProcessTask_RepositoryMismatchUsesActive(t *testing.T) {
	env := setupTest(t)
	tk := task.Task{ID: "1", Title: "Other repo", Labels: []string{"repo:api"}}

	if _, err := env.orch.ProcessTask(context.Background(), tk); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if got := env.get(t, "1").Metadata.Repository; got != "acme/web" {
		t.Errorf("repository = %q, want acme/web", got)
	}
}

// --- Targeted re-runs ---

func TestRerunReview_RejectsUnimplemented(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.store.Init(ctx, "T3", "Half done")
	if err := env.store.UpdateStage(ctx, "T3", pipeline.StageImplementing, pipeline.StagePatch{}); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	if err := env.orch.RerunReview(ctx, "T3"); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("err = %v, want ErrNotImplemented", err)
	}
	if len(env.agents.calls) != 0 {
		t.Errorf("executor invoked: %+v", env.agents.calls)
	}
}

func TestRerunReview_RejectsPendingImplementation(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	rec, err := env.store.Init(ctx, "T3", "Queued")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// No store operation leaves an entry pending, so write the record directly.
	rec.Stages = append(rec.Stages, pipeline.StageEntry{
		Name:   pipeline.StageImplementing.Name(),
		Stage:  pipeline.StageImplementing,
		Status: pipeline.StatusPending,
	})
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(env.store.(*pipeline.FileStore).BaseDir(), "T3", "pipeline.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}

	for name, rerun := range map[string]func(context.Context, string) error{
		"review": env.orch.RerunReview,
		"fixes":  env.orch.RerunFixes,
	} {
		if err := rerun(ctx, "T3"); !errors.Is(err, ErrNotImplemented) {
			t.Errorf("%s: err = %v, want ErrNotImplemented", name, err)
		}
	}
	if len(env.agents.calls) != 0 {
		t.Errorf("executor invoked: %+v", env.agents.calls)
	}
}

func TestRerunFixes_NotFound(t *testing.T) {
	env := setupTest(t)
	if err := env.orch.RerunFixes(context.Background(), "404"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRerunFixes_ReusesEntry(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	if _, err := env.orch.ProcessTask(ctx, task1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if err := env.orch.RerunFixes(ctx, "1"); err != nil {
		t.Fatalf("RerunFixes: %v", err)
	}
	fixes := env.agents.called(pipeline.StageFixing)
	if len(fixes) != 2 || fixes[1].Branch != "relay/1" || fixes[1].Repository != "acme/web" {
		t.Errorf("fix calls = %+v", fixes)
	}

	rec := env.get(t, "1")
	n := 0
	for _, e := range rec.Stages {
		if e.Stage == pipeline.StageFixing {
			n++
		}
	}
	if n != 1 {
		t.Errorf("fixing entries = %d, want 1", n)
	}
	if rec.Status != pipeline.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	posted := env.tracker.posted["1"]
	if !strings.Contains(posted[len(posted)-1], "Re-running fixes finished") {
		t.Errorf("last comment = %q", posted[len(posted)-1])
	}
}

func TestRerunReview_StageFailure(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.orch.ProcessTask(ctx, task1)
	env.agents.results[pipeline.StageReviewing] = agent.StageResult{Success: false, Error: "no diff"}

	err := env.orch.RerunReview(ctx, "1")
	if !errors.Is(err, pipeline.ErrStageFailed) {
		t.Fatalf("err = %v, want ErrStageFailed", err)
	}
	posted := env.tracker.posted["1"]
	if !strings.Contains(posted[len(posted)-1], "no diff") {
		t.Errorf("last comment = %q", posted[len(posted)-1])
	}
}

func TestRerunReview_BusyStage(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.orch.ProcessTask(ctx, task1)
	if err := env.store.BeginStage(ctx, "1", pipeline.StageReviewing, pipeline.StagePatch{}); err != nil {
		t.Fatalf("BeginStage: %v", err)
	}
	before := len(env.agents.called(pipeline.StageReviewing))

	if err := env.orch.RerunReview(ctx, "1"); !errors.Is(err, pipeline.ErrStageBusy) {
		t.Errorf("err = %v, want ErrStageBusy", err)
	}
	if got := len(env.agents.called(pipeline.StageReviewing)); got != before {
		t.Errorf("review ran while busy")
	}
}

// --- Watcher hooks ---

func TestRunStage_RecordsIteration(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.orch.ProcessTask(ctx, task1)

	if err := env.orch.RunStage(ctx, "1", pipeline.StageFixing, 2); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	fixes := env.agents.called(pipeline.StageFixing)
	if fixes[len(fixes)-1].Iteration != 2 {
		t.Errorf("iteration = %d, want 2", fixes[len(fixes)-1].Iteration)
	}
	if got := env.get(t, "1").Metadata.ReviewIteration; got != 2 {
		t.Errorf("review iteration = %d, want 2", got)
	}
	if err := env.orch.RunStage(ctx, "1", pipeline.StageAnalyzing, 1); err == nil {
		t.Error("RunStage should reject non-review stages")
	}
}

func TestOnPRFound(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.orch.ProcessTask(ctx, task1)

	w := db.PRWatch{TaskID: "1", Branch: "relay/1", Repository: "acme/web"}
	pr := task.PullRequest{Found: true, Number: 12, URL: "https://example.com/pull/12"}
	if err := env.orch.OnPRFound(ctx, w, pr); err != nil {
		t.Fatalf("OnPRFound: %v", err)
	}

	rec := env.get(t, "1")
	if rec.Metadata.PRNumber != 12 || rec.Metadata.PRURL != pr.URL {
		t.Errorf("metadata = %+v", rec.Metadata)
	}
	watches, _ := env.database.ReviewWatches()
	if len(watches) != 1 || watches[0].PRNumber != 12 || watches[0].MaxIterations != 3 || watches[0].Stage != db.WaitingForReview {
		t.Errorf("review watches = %+v", watches)
	}
}

// --- Poller ---

func TestPoll_StartsNewTasksAndDispatchesCommands(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.orch.ProcessTask(ctx, task.Task{ID: "2", Title: "Done already"})
	callsBefore := len(env.agents.called(pipeline.StageReviewing))

	env.tracker.tasks = []task.Task{task1, {ID: "2", Title: "Done already"}}
	env.tracker.comments["2"] = []task.Comment{
		{ID: "c1", Author: "alice", Body: "please rerun review"},
		{ID: "c2", Author: "alice", Body: "thanks"},
	}
	p := &Poller{
		Orchestrator: env.orch,
		Tracker:      env.tracker,
		Store:        env.store,
		Dispatcher:   &command.Dispatcher{Rerunner: env.orch, Seen: env.database, Tracker: env.tracker},
	}

	res, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Seen != 2 || len(res.Started) != 1 || res.Started[0].TaskID != "1" {
		t.Errorf("result = %+v", res)
	}
	if res.Commands != 1 {
		t.Errorf("commands = %d, want 1", res.Commands)
	}
	if got := len(env.agents.called(pipeline.StageReviewing)) - callsBefore; got != 2 {
		t.Errorf("review runs = %d, want 2 (task 1 plus the re-run)", got)
	}

	// A second pass neither restarts task 1 nor repeats the command.
	res, err = p.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Started) != 0 || res.Commands != 0 {
		t.Errorf("second poll = %+v", res)
	}
}

func TestPoll_PurgedTasksAreNotRestarted(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.agents.results[pipeline.StageImplementing] = agent.StageResult{Success: false, Error: "tests fail"}
	orch := New(env.store, env.tracker, env.agents.set(), env.database, Options{
		Repository: Repository{Name: "web", FullName: "acme/web"},
		Watches:    env.database,
		Journal:    &events.Journal{Log: env.database},
	})
	env.tracker.tasks = []task.Task{task1}
	p := &Poller{
		Orchestrator: orch,
		Tracker:      env.tracker,
		Store:        env.store,
		History:      env.database,
	}

	if _, err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := env.get(t, "1").Status; got != pipeline.StatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}

	// Let the failed record age past retention, then purge it while the tracker still lists the task.
	time.Sleep(5 * time.Millisecond)
	p.Retention = time.Millisecond
	for i := 0; i < 2; i++ {
		res, err := p.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
		if len(res.Started) != 0 {
			t.Errorf("poll %d restarted %d task(s)", i, len(res.Started))
		}
	}
	if _, err := env.store.Get(ctx, "1"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("Get after cleanup err = %v, want ErrNotFound", err)
	}
	if got := len(env.agents.called(pipeline.StageImplementing)); got != 1 {
		t.Errorf("implementation runs = %d, want 1", got)
	}
	if got := env.queued(t); len(got) != 1 || got[0] != "1" {
		t.Errorf("queued = %v, want [1]", got)
	}
}

func TestPoll_ForgottenTaskStartsAgain(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	env.tracker.tasks = []task.Task{task1}
	p := &Poller{Orchestrator: env.orch, Tracker: env.tracker, Store: env.store, History: env.database}

	if err := env.database.Enqueue("1", "abandoned"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	res, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Started) != 0 {
		t.Fatalf("queued task was started: %+v", res)
	}

	if err := env.database.ForgetTask("1"); err != nil {
		t.Fatalf("ForgetTask: %v", err)
	}
	res, err = p.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Started) != 1 || !res.Started[0].Success {
		t.Errorf("result = %+v, want one successful start", res)
	}
}
