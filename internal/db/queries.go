package db

import (
	"database/sql"
	"fmt"
	"time"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	TaskID    string
	Event     string
	Stage     string
	Detail    string
	Timestamp time.Time
}

// LogPipelineEvent appends an event to the pipeline event log.
func (d *DB) LogPipelineEvent(taskID, event, stage, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO pipeline_events (task_id, event, stage, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		taskID, event, stage, detail, formatTime(d.now()),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all events for a task, oldest first.
func (d *DB) GetPipelineHistory(taskID string) ([]PipelineEvent, error) {
	return d.queryEvents(
		`SELECT id, task_id, event, stage, detail, timestamp
		 FROM pipeline_events WHERE task_id = ? ORDER BY id ASC`, taskID)
}

// RecentEvents returns events with an id greater than afterID, oldest first, capped at limit.
func (d *DB) RecentEvents(afterID, limit int) ([]PipelineEvent, error) {
	return d.queryEvents(
		`SELECT id, task_id, event, stage, detail, timestamp
		 FROM pipeline_events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (d *DB) queryEvents(query string, args ...any) ([]PipelineEvent, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Event, &stage, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// QueueItem represents a row in the manual_queue table.
type QueueItem struct {
	ID         int
	TaskID     string
	Reason     string
	Status     string
	AddedAt    time.Time
	ResolvedAt *time.Time
}

// Enqueue routes a task to manual processing. Re-enqueueing a task reopens it
// with the new reason.
func (d *DB) Enqueue(taskID, reason string) error {
	_, err := d.conn.Exec(
		`INSERT INTO manual_queue (task_id, reason, status, added_at) VALUES (?, ?, 'pending', ?)
		 ON CONFLICT(task_id) DO UPDATE SET reason = excluded.reason, status = 'pending',
		     added_at = excluded.added_at, resolved_at = NULL`,
		taskID, reason, formatTime(d.now()),
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return nil
}

// QueueList returns queue items ordered by insertion. Pass "" for every status.
func (d *DB) QueueList(status string) ([]QueueItem, error) {
	rows, err := d.conn.Query(
		`SELECT id, task_id, reason, status, added_at, resolved_at
		 FROM manual_queue WHERE (? = '' OR status = ?) ORDER BY id`, status, status)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var addedAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Reason, &item.Status, &addedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.AddedAt = parseTime(addedAt)
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			item.ResolvedAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// QueueResolve marks a queued task as handled.
func (d *DB) QueueResolve(taskID string) error {
	res, err := d.conn.Exec(
		`UPDATE manual_queue SET status = 'resolved', resolved_at = ? WHERE task_id = ? AND status = 'pending'`,
		formatTime(d.now()), taskID)
	if err != nil {
		return fmt.Errorf("resolve queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s is not pending in the queue", taskID)
	}
	return nil
}

// MarkCommentProcessed records a comment id. It returns false when the comment
// was already recorded.
func (d *DB) MarkCommentProcessed(commentID, taskID string) (bool, error) {
	res, err := d.conn.Exec(
		`INSERT OR IGNORE INTO processed_comments (comment_id, task_id, processed_at) VALUES (?, ?, ?)`,
		commentID, taskID, formatTime(d.now()))
	if err != nil {
		return false, fmt.Errorf("mark comment %s: %w", commentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// CommentProcessed reports whether a comment id was already recorded.
func (d *DB) CommentProcessed(commentID string) (bool, error) {
	var n int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM processed_comments WHERE comment_id = ?`, commentID).Scan(&n); err != nil {
		return false, fmt.Errorf("check comment %s: %w", commentID, err)
	}
	return n > 0, nil
}

// TaskKnown reports whether a task has pipeline history or was ever queued for
// manual processing. The store may have purged its record since.
func (d *DB) TaskKnown(taskID string) (bool, error) {
	var known bool
	err := d.conn.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM pipeline_events WHERE task_id = ?)
		     OR EXISTS (SELECT 1 FROM manual_queue WHERE task_id = ?)`,
		taskID, taskID).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("check history for task %s: %w", taskID, err)
	}
	return known, nil
}

// ForgetTask drops a task's event history and queue entry so the poller treats
// it as new again.
func (d *DB) ForgetTask(taskID string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin forget: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM pipeline_events WHERE task_id = ?`,
		`DELETE FROM manual_queue WHERE task_id = ?`,
	} {
		if _, err := tx.Exec(q, taskID); err != nil {
			return fmt.Errorf("forget task %s: %w", taskID, err)
		}
	}
	return tx.Commit()
}
