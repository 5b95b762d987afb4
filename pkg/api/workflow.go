package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow.
type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusResearching    Status = "RESEARCHING"
	StatusHandoffPending Status = "HANDOFF_PENDING"
	StatusWriting        Status = "WRITING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight reports whether a stage owns the workflow in status s.
func (s Status) IsInFlight() bool {
	return s == StatusResearching || s == StatusHandoffPending || s == StatusWriting
}

// rank orders the non-failed statuses along the pipeline.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusResearching:
		return 1
	case StatusHandoffPending:
		return 2
	case StatusWriting:
		return 3
	case StatusCompleted:
		return 4
	}
	return -1
}

// CanTransition reports whether from -> to is an edge of the workflow
// state machine. Every non-terminal status may move to FAILED; otherwise
// only the next status along the pipeline is reachable.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fr, tr := from.rank(), to.rank()
	return fr >= 0 && tr == fr+1
}

// Stage identifies a pipeline phase and the executor that owns it.
type Stage string

const (
	StageNone     Stage = ""
	StageResearch Stage = "researcher"
	StageWriter   Stage = "writer"
)

// Stages lists the pipeline phases in execution order.
var Stages = []Stage{StageResearch, StageWriter}

// StageFor returns the stage that owns a workflow in status s.
// HANDOFF_PENDING is still owned by the researcher: the hand-off has not
// yet moved the workflow to the writer.
func StageFor(s Status) Stage {
	switch s {
	case StatusResearching, StatusHandoffPending:
		return StageResearch
	case StatusWriting:
		return StageWriter
	}
	return StageNone
}

// Document is an opaque, JSON-shaped stage input or output.
type Document map[string]any

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out, _ := cloneValue(map[string]any(d)).(map[string]any)
	return Document(out)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case Document:
		return cloneValue(map[string]any(t))
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ErrorKind classifies an ErrorEntry.
type ErrorKind string

const (
	ErrorKindExecutor       ErrorKind = "executor"
	ErrorKindPersistence    ErrorKind = "persistence"
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindTransformation ErrorKind = "transformation"
	ErrorKindCircuitOpen    ErrorKind = "circuit_open"
	ErrorKindCancelled      ErrorKind = "cancelled"
	ErrorKindInternal       ErrorKind = "internal"
)

// ErrorEntry is one recorded failure of a workflow.
type ErrorEntry struct {
	Kind      ErrorKind `json:"kind"`
	Stage     Stage     `json:"stage,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Metadata carries the originating request of a workflow.
type Metadata struct {
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WorkflowState is the durable record of one submitted request.
type WorkflowState struct {
	ID            string             `json:"workflow_id"`
	Status        Status             `json:"status"`
	CurrentStage  Stage              `json:"current_stage,omitempty"`
	StagePayloads map[Stage]Document `json:"stage_payloads,omitempty"`
	ErrorLog      []ErrorEntry       `json:"error_log,omitempty"`
	Metadata      Metadata           `json:"metadata"`
	Version       int64              `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the state; mutations on the copy never
// leak into the original.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.StagePayloads != nil {
		cp.StagePayloads = make(map[Stage]Document, len(s.StagePayloads))
		for k, v := range s.StagePayloads {
			cp.StagePayloads[k] = v.Clone()
		}
	}
	cp.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	if s.Metadata.Parameters != nil {
		cp.Metadata.Parameters = Document(s.Metadata.Parameters).Clone()
	}
	return &cp
}

// SetPayload attaches the output of stage. A stage payload is written once.
func (s *WorkflowState) SetPayload(stage Stage, doc Document) error {
	if _, ok := s.StagePayloads[stage]; ok {
		return fmt.Errorf("payload for stage %q already committed", stage)
	}
	if s.StagePayloads == nil {
		s.StagePayloads = make(map[Stage]Document)
	}
	s.StagePayloads[stage] = doc.Clone()
	return nil
}

// AppendError records a failure.
func (s *WorkflowState) AppendError(e ErrorEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.ErrorLog = append(s.ErrorLog, e)
}

// LastError returns the most recent error entry, if any.
func (s *WorkflowState) LastError() (ErrorEntry, bool) {
	if len(s.ErrorLog) == 0 {
		return ErrorEntry{}, false
	}
	return s.ErrorLog[len(s.ErrorLog)-1], true
}

// MarshalState encodes a state for the persistence port.
func MarshalState(s *WorkflowState) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a state read from the persistence port.
func UnmarshalState(data []byte) (*WorkflowState, error) {
	var s WorkflowState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WorkflowRequest is a caller submission.
// WorkflowID is optional; the engine assigns one when empty.
type WorkflowRequest struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Query      string         `json:"query" validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WorkflowResult is the outcome of a workflow as seen by callers.
type WorkflowResult struct {
	WorkflowID string       `json:"workflow_id"`
	Status     Status       `json:"status"`
	Output     Document     `json:"output,omitempty"`
	Errors     []ErrorEntry `json:"errors,omitempty"`

	// Pending is true while the workflow has not reached a terminal status.
	Pending bool `json:"pending"`
}

// ResultOf builds the caller-facing result of a state.
func ResultOf(s *WorkflowState) *WorkflowResult {
	res := &WorkflowResult{
		WorkflowID: s.ID,
		Status:     s.Status,
		Pending:    !s.Status.IsTerminal(),
	}
	switch s.Status {
	case StatusCompleted:
		res.Output = s.StagePayloads[StageWriter].Clone()
	case StatusFailed:
		res.Errors = append([]ErrorEntry(nil), s.ErrorLog...)
	}
	return res
}

// StatusView is a read-only projection of a workflow's progress.
type StatusView struct {
	WorkflowID      string      `json:"workflow_id"`
	Status          Status      `json:"status"`
	CurrentStage    Stage       `json:"current_stage,omitempty"`
	CompletedStages []Stage     `json:"completed_stages,omitempty"`
	Version         int64       `json:"version"`
	ErrorCount      int         `json:"error_count"`
	LastError       *ErrorEntry `json:"last_error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ViewOf builds the status projection of a state.
func ViewOf(s *WorkflowState) *StatusView {
	v := &StatusView{
		WorkflowID:   s.ID,
		Status:       s.Status,
		CurrentStage: s.CurrentStage,
		Version:      s.Version,
		ErrorCount:   len(s.ErrorLog),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	for _, st := range Stages {
		if _, ok := s.StagePayloads[st]; ok {
			v.CompletedStages = append(v.CompletedStages, st)
		}
	}
	if last, ok := s.LastError(); ok {
		v.LastError = &last
	}
	return v
}

// WorkflowFilter controls how workflows are listed.
// Zero values mean "no filter" for that field.
type WorkflowFilter struct {
	Status Status
}
