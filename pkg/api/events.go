package api

import "time"

// EventType identifies a workflow lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"

	EventHandoff EventType = "handoff"
)

// WorkflowEvent is a minimal lifecycle record for audit and downstream
// consumers. It is intentionally small and stable.
type WorkflowEvent struct {
	WorkflowID string    `json:"workflow_id"`
	At         time.Time `json:"at"`
	Type       EventType `json:"type"`
	Status     Status    `json:"status"`
	Stage      Stage     `json:"stage,omitempty"`
	Version    int64     `json:"version"`

	// Small, human-oriented details (error string, hand-off outcome).
	// Keep this low-volume: do NOT dump payloads here.
	Detail string `json:"detail,omitempty"`
}
