package db

import (
	"fmt"
	"time"
)

// PRWatch is a task waiting for a pull request to appear on its branch.
type PRWatch struct {
	ID         int
	TaskID     string
	Branch     string
	Repository string
	StartedAt  time.Time
}

// ReviewStage is the review-cycle watch state.
type ReviewStage string

const (
	WaitingForReview ReviewStage = "waiting_for_review"
	WaitingForFixes  ReviewStage = "waiting_for_fixes"
)

// ReviewWatch is a task whose PR is cycling between review and fix commits.
type ReviewWatch struct {
	ID            int
	TaskID        string
	Branch        string
	Repository    string
	StartedAt     time.Time
	PRNumber      int
	PRURL         string
	Stage         ReviewStage
	Iteration     int
	MaxIterations int
	LastCommitSHA string
}

// AddPRWatch registers a PR watch. An existing watch for the task is restarted.
func (d *DB) AddPRWatch(w PRWatch) error {
	started := w.StartedAt
	if started.IsZero() {
		started = d.now()
	}
	_, err := d.conn.Exec(
		`INSERT INTO pr_watches (task_id, branch, repository, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET branch = excluded.branch, repository = excluded.repository,
		     started_at = excluded.started_at`,
		w.TaskID, w.Branch, w.Repository, formatTime(started))
	if err != nil {
		return fmt.Errorf("add pr watch %s: %w", w.TaskID, err)
	}
	return nil
}

// PRWatches returns all PR watches in insertion order.
func (d *DB) PRWatches() ([]PRWatch, error) {
	rows, err := d.conn.Query(`SELECT id, task_id, branch, repository, started_at FROM pr_watches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pr watches: %w", err)
	}
	defer rows.Close()

	var out []PRWatch
	for rows.Next() {
		var w PRWatch
		var started string
		if err := rows.Scan(&w.ID, &w.TaskID, &w.Branch, &w.Repository, &started); err != nil {
			return nil, fmt.Errorf("scan pr watch: %w", err)
		}
		w.StartedAt = parseTime(started)
		out = append(out, w)
	}
	return out, rows.Err()
}

// RemovePRWatch deletes the PR watch for a task. Removing a missing watch is not an error.
func (d *DB) RemovePRWatch(taskID string) error {
	if _, err := d.conn.Exec(`DELETE FROM pr_watches WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("remove pr watch %s: %w", taskID, err)
	}
	return nil
}

// AddReviewWatch registers a review-cycle watch, replacing any existing one for the task.
func (d *DB) AddReviewWatch(w ReviewWatch) error {
	started := w.StartedAt
	if started.IsZero() {
		started = d.now()
	}
	if w.Stage == "" {
		w.Stage = WaitingForReview
	}
	_, err := d.conn.Exec(
		`INSERT INTO review_watches (task_id, branch, repository, started_at, pr_number, pr_url, stage, iteration, max_iterations, last_commit_sha)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET branch = excluded.branch, repository = excluded.repository,
		     started_at = excluded.started_at, pr_number = excluded.pr_number, pr_url = excluded.pr_url,
		     stage = excluded.stage, iteration = excluded.iteration, max_iterations = excluded.max_iterations,
		     last_commit_sha = excluded.last_commit_sha`,
		w.TaskID, w.Branch, w.Repository, formatTime(started), w.PRNumber, w.PRURL,
		string(w.Stage), w.Iteration, w.MaxIterations, w.LastCommitSHA)
	if err != nil {
		return fmt.Errorf("add review watch %s: %w", w.TaskID, err)
	}
	return nil
}

// ReviewWatches returns all review-cycle watches in insertion order.
func (d *DB) ReviewWatches() ([]ReviewWatch, error) {
	rows, err := d.conn.Query(
		`SELECT id, task_id, branch, repository, started_at, pr_number, pr_url, stage, iteration, max_iterations, last_commit_sha
		 FROM review_watches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list review watches: %w", err)
	}
	defer rows.Close()

	var out []ReviewWatch
	for rows.Next() {
		var w ReviewWatch
		var started, stage string
		if err := rows.Scan(&w.ID, &w.TaskID, &w.Branch, &w.Repository, &started, &w.PRNumber, &w.PRURL,
			&stage, &w.Iteration, &w.MaxIterations, &w.LastCommitSHA); err != nil {
			return nil, fmt.Errorf("scan review watch: %w", err)
		}
		w.StartedAt = parseTime(started)
		w.Stage = ReviewStage(stage)
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateReviewWatch writes back the mutable fields of a review-cycle watch.
func (d *DB) UpdateReviewWatch(w ReviewWatch) error {
	res, err := d.conn.Exec(
		`UPDATE review_watches SET stage = ?, iteration = ?, last_commit_sha = ? WHERE task_id = ?`,
		string(w.Stage), w.Iteration, w.LastCommitSHA, w.TaskID)
	if err != nil {
		return fmt.Errorf("update review watch %s: %w", w.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("review watch %s not found", w.TaskID)
	}
	return nil
}

// RemoveReviewWatch deletes the review-cycle watch for a task.
func (d *DB) RemoveReviewWatch(taskID string) error {
	if _, err := d.conn.Exec(`DELETE FROM review_watches WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("remove review watch %s: %w", taskID, err)
	}
	return nil
}
