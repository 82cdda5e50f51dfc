// Package events publishes pipeline transitions to an event bus and the event log.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names a pipeline event.
type Type string

const (
	PipelineCreated   Type = "pipeline.created"
	PipelineCompleted Type = "pipeline.completed"
	PipelineFailed    Type = "pipeline.failed"
	StageStarted      Type = "stage.started"
	StageCompleted    Type = "stage.completed"
	StageFailed       Type = "stage.failed"
	PRFound           Type = "pr.found"
	PRTimeout         Type = "pr.timeout"
	ReviewObserved    Type = "review.observed"
	FixObserved       Type = "fix.observed"
	ReviewComplete    Type = "review.complete"
	CommandReceived   Type = "command.received"
	TaskQueued        Type = "task.queued"
)

// DefaultSubject is the bus subject pipeline events are published on.
const DefaultSubject = "relay.pipeline"

// Envelope is one event on the bus.
type Envelope struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id"`
	Stage     string    `json:"stage,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an envelope with a fresh id.
func New(typ Type, taskID, stage, detail string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    taskID,
		Stage:     stage,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// ParseEnvelope decodes a JSON envelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse event envelope: %w", err)
	}
	if env.Type == "" || env.TaskID == "" {
		return Envelope{}, fmt.Errorf("parse event envelope: missing type or task id")
	}
	return env, nil
}
