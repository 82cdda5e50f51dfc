package web

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/relay/internal/db"
)

// recentActivity returns the most recent pipeline events across all tasks, newest first.
func (s *Server) recentActivity(limit int) ([]db.PipelineEvent, error) {
	rows, err := s.db.Conn().Query(
		`SELECT id, task_id, event, stage, detail, timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var events []db.PipelineEvent
	for rows.Next() {
		var e db.PipelineEvent
		var stage, detail sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Event, &stage, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
