package api

import "time"

// HandoffPayload carries one stage's output towards the next stage.
// It is transient: only its Data is persisted, as the source stage payload.
type HandoffPayload struct {
	FromStage  Stage     `json:"from_stage"`
	ToStage    Stage     `json:"to_stage"`
	WorkflowID string    `json:"workflow_id"`
	Data       Document  `json:"data"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidationResult lists the violations found in a payload.
// An empty list means the payload is valid.
type ValidationResult struct {
	Stage      Stage       `json:"stage"`
	Violations []Violation `json:"violations,omitempty"`
}

// Valid reports whether no violation was found.
func (r ValidationResult) Valid() bool {
	return len(r.Violations) == 0
}

// Err returns a *ValidationError for an invalid result, nil otherwise.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Stage: r.Stage, Violations: r.Violations}
}

// HandoffOutcome is the result of a hand-off attempt.
type HandoffOutcome string

const (
	HandoffSucceeded       HandoffOutcome = "succeeded"
	HandoffInvalid         HandoffOutcome = "invalid"
	HandoffTransformFailed HandoffOutcome = "transform_failed"
)

// HandoffEvent is one entry of the append-only hand-off history.
type HandoffEvent struct {
	WorkflowID string         `json:"workflow_id"`
	FromStage  Stage          `json:"from_stage"`
	ToStage    Stage          `json:"to_stage"`
	At         time.Time      `json:"at"`
	Outcome    HandoffOutcome `json:"outcome"`

	// Detail is a short human-oriented note (violations, reason).
	Detail string `json:"detail,omitempty"`
}
