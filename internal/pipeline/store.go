package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the durable pipeline state store. Every mutation is an atomic
// read-modify-write of a single task's record.
type Store interface {
	Init(ctx context.Context, taskID, name string) (*Record, error)
	Get(ctx context.Context, taskID string) (*Record, error)
	UpdateStage(ctx context.Context, taskID string, stage Stage, patch StagePatch) error
	BeginStage(ctx context.Context, taskID string, stage Stage, patch StagePatch) error
	CompleteStage(ctx context.Context, taskID string, stage Stage, patch StagePatch) error
	FailStage(ctx context.Context, taskID string, stage Stage, msg string) error
	UpdateMetadata(ctx context.Context, taskID string, patch Metadata) error
	Complete(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID string, reason string) error
	Active(ctx context.Context) ([]Record, error)
	List(ctx context.Context, status Status) ([]Record, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	Summary(ctx context.Context, taskID string) (*Summary, error)
	Delete(ctx context.Context, taskID string) error
}

type updateFunc func(ctx context.Context, taskID string, fn func(r *Record, now time.Time) error) error

// mutations implements the record operations on top of a store's update primitive.
type mutations struct {
	update     updateFunc
	staleAfter time.Duration
}

// SetStaleAfter lets BeginStage reclaim an in-progress entry that started more than d ago,
// e.g. after a crash mid-run. Zero (the default) never reclaims.
func (m *mutations) SetStaleAfter(d time.Duration) {
	m.staleAfter = d
}

func (m mutations) UpdateStage(ctx context.Context, taskID string, stage Stage, patch StagePatch) error {
	return m.update(ctx, taskID, func(r *Record, now time.Time) error {
		return r.updateStage(stage, patch, now)
	})
}

// BeginStage claims a stage before an executor runs. It returns ErrStageBusy when the
// stage entry is already in progress and not stale.
func (m mutations) BeginStage(ctx context.Context, taskID string, stage Stage, patch StagePatch) error {
	return m.update(ctx, taskID, func(r *Record, now time.Time) error {
		return r.beginStage(stage, patch, now, m.staleAfter)
	})
}

func (m mutations) CompleteStage(ctx context.Context, taskID string, stage Stage, patch StagePatch) error {
	return m.update(ctx, taskID, func(r *Record, now time.Time) error {
		return r.completeStage(stage, patch, now)
	})
}

func (m mutations) FailStage(ctx context.Context, taskID string, stage Stage, msg string) error {
	return m.update(ctx, taskID, func(r *Record, now time.Time) error {
		return r.failStage(stage, msg, now)
	})
}

func (m mutations) UpdateMetadata(ctx context.Context, taskID string, patch Metadata) error {
	return m.update(ctx, taskID, func(r *Record, _ time.Time) error {
		r.Metadata.Merge(patch)
		return nil
	})
}

// Complete marks the pipeline completed. It is a no-op on a terminal record.
func (m mutations) Complete(ctx context.Context, taskID string) error {
	return m.update(ctx, taskID, func(r *Record, now time.Time) error {
		return r.complete(now)
	})
}

// Fail marks the pipeline failed. It is a no-op on a terminal record.
func (m mutations) Fail(ctx context.Context, taskID string, reason string) error {
	return m.update(ctx, taskID, func(r *Record, now time.Time) error {
		return r.fail(reason, now)
	})
}

// FileStore keeps one pipeline.json per task under baseDir.
type FileStore struct {
	mutations
	baseDir string
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	s := &FileStore{
		baseDir: baseDir,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
	s.mutations = mutations{update: s.update}
	return s
}

// DefaultFileStore returns a FileStore at ~/.relay/pipelines, creating the directory if needed.
func DefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".relay", "pipelines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewFileStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) recordPath(taskID string) string {
	return filepath.Join(s.baseDir, taskID, "pipeline.json")
}

// lock takes the per-task mutex and returns its unlock func.
func (s *FileStore) lock(taskID string) func() {
	s.mu.Lock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *FileStore) read(taskID string) (*Record, error) {
	var r Record
	if err := readJSON(s.recordPath(taskID), &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pipeline %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("read pipeline %s: %w", taskID, err)
	}
	return &r, nil
}

func (s *FileStore) write(r *Record) error {
	if err := writeJSON(s.recordPath(r.TaskID), r); err != nil {
		return fmt.Errorf("write pipeline %s: %w", r.TaskID, err)
	}
	return nil
}

// update is the single read-modify-write primitive behind every mutation.
func (s *FileStore) update(ctx context.Context, taskID string, fn func(*Record, time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validTaskID(taskID); err != nil {
		return err
	}
	unlock := s.lock(taskID)
	defer unlock()

	r, err := s.read(taskID)
	if err != nil {
		return err
	}
	now := s.now()
	if err := fn(r, now); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	r.UpdatedAt = now
	return s.write(r)
}

// Init creates a new record. A terminal record for the same task is replaced.
func (s *FileStore) Init(ctx context.Context, taskID, name string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validTaskID(taskID); err != nil {
		return nil, err
	}
	unlock := s.lock(taskID)
	defer unlock()

	existing, err := s.read(taskID)
	switch {
	case err == nil && !existing.Status.Terminal():
		return nil, fmt.Errorf("pipeline %s: %w", taskID, ErrExists)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, err
	}

	r := newRecord(taskID, name, s.now())
	if err := s.write(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get reads the record for a task.
func (s *FileStore) Get(ctx context.Context, taskID string) (*Record, error) {
	if err := validTaskID(taskID); err != nil {
		return nil, err
	}
	unlock := s.lock(taskID)
	defer unlock()
	return s.read(taskID)
}

// Active returns all records whose status is in progress.
func (s *FileStore) Active(ctx context.Context) ([]Record, error) {
	return s.List(ctx, StatusInProgress)
}

// List returns all records, optionally filtered by status. Pass "" for all.
func (s *FileStore) List(ctx context.Context, status Status) ([]Record, error) {
	ids, err := s.taskIDs()
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			continue // skip broken entries
		}
		if status == "" || r.Status == status {
			records = append(records, *r)
		}
	}
	sortRecords(records)
	return records, nil
}

// Cleanup removes terminal records whose terminal timestamp is older than olderThan.
func (s *FileStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.taskIDs()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := s.removeIfExpired(id, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *FileStore) removeIfExpired(taskID string, cutoff time.Time) (bool, error) {
	unlock := s.lock(taskID)
	defer unlock()
	r, err := s.read(taskID)
	if err != nil {
		return false, nil
	}
	at, ok := r.terminalAt()
	if !ok || !at.Before(cutoff) {
		return false, nil
	}
	if err := os.RemoveAll(filepath.Join(s.baseDir, taskID)); err != nil {
		return false, fmt.Errorf("remove pipeline %s: %w", taskID, err)
	}
	return true, nil
}

// Summary derives the read-only summary view of a task's record.
func (s *FileStore) Summary(ctx context.Context, taskID string) (*Summary, error) {
	r, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sum := Summarize(r, s.now())
	return &sum, nil
}

// Delete removes all data for a pipeline.
func (s *FileStore) Delete(ctx context.Context, taskID string) error {
	if err := validTaskID(taskID); err != nil {
		return err
	}
	unlock := s.lock(taskID)
	defer unlock()
	dir := filepath.Join(s.baseDir, taskID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("pipeline %s: %w", taskID, ErrNotFound)
	}
	return os.RemoveAll(dir)
}

func (s *FileStore) taskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && validTaskID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// --- Helpers ---

func validTaskID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].TaskID < records[j].TaskID
	})
}
