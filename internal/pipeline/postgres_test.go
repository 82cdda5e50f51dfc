package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// newPostgresTestStore connects to RELAY_TEST_DATABASE_URL, skipping when unset.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELAY_TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("OpenPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// pgTaskID returns a task id unique to this test run and removes its row afterwards.
func pgTaskID(t *testing.T, s *PostgresStore) string {
	t.Helper()
	id := fmt.Sprintf("pgtest-%d", time.Now().UnixNano())
	t.Cleanup(func() { s.Delete(context.Background(), id) })
	return id
}

func TestPostgres_Lifecycle(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	id := pgTaskID(t, s)

	mustInit(t, s, id)
	if _, err := s.Init(ctx, id, "again"); !errors.Is(err, ErrExists) {
		t.Errorf("second Init err = %v, want ErrExists", err)
	}

	if err := s.BeginStage(ctx, id, StageImplementing, StagePatch{Branch: "relay/" + id}); err != nil {
		t.Fatalf("BeginStage: %v", err)
	}
	if err := s.BeginStage(ctx, id, StageImplementing, StagePatch{}); !errors.Is(err, ErrStageBusy) {
		t.Errorf("BeginStage twice err = %v, want ErrStageBusy", err)
	}
	if err := s.FailStage(ctx, id, StageImplementing, "tests red"); err != nil {
		t.Fatalf("FailStage: %v", err)
	}
	if err := s.Fail(ctx, id, "implementation failed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	first := mustGet(t, s, id)
	if err := s.Fail(ctx, id, "again"); err != nil {
		t.Fatalf("second Fail: %v", err)
	}

	r := mustGet(t, s, id)
	if r.Status != StatusFailed || r.CurrentStage != StageImplementing {
		t.Errorf("Status/CurrentStage = %q/%q, want failed/implementing", r.Status, r.CurrentStage)
	}
	if r.TotalDuration != first.TotalDuration {
		t.Errorf("TotalDuration changed from %v to %v", first.TotalDuration, r.TotalDuration)
	}
	if r.Entry(StageReviewing) != nil {
		t.Error("reviewing entry should not exist")
	}
	if err := s.UpdateStage(ctx, id, StageAnalyzing, StagePatch{}); !errors.Is(err, ErrTerminal) {
		t.Errorf("UpdateStage on failed record err = %v, want ErrTerminal", err)
	}

	if _, err := s.Get(ctx, id+"-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_MetadataMerge(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	id := pgTaskID(t, s)
	mustInit(t, s, id)

	s.UpdateMetadata(ctx, id, Metadata{Extra: map[string]string{"a": "1"}})
	s.UpdateMetadata(ctx, id, Metadata{Extra: map[string]string{"b": "2"}})

	m := mustGet(t, s, id).Metadata
	if m.Extra["a"] != "1" || m.Extra["b"] != "2" {
		t.Errorf("Extra = %v, want map[a:1 b:2]", m.Extra)
	}
}

func TestPostgres_ConcurrentUpdatesNoLostWrites(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	id := pgTaskID(t, s)
	mustInit(t, s, id)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			if err := s.UpdateMetadata(ctx, id, Metadata{Extra: map[string]string{key: "v"}}); err != nil {
				t.Errorf("UpdateMetadata %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(mustGet(t, s, id).Metadata.Extra); got != n {
		t.Errorf("Extra has %d keys, want %d", got, n)
	}
}
