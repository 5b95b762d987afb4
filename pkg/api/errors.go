package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a workflow does not exist.
	ErrNotFound = errors.New("workflow not found")

	// ErrAlreadyExists is returned when creating a workflow whose id is taken.
	ErrAlreadyExists = errors.New("workflow already exists")

	// ErrVersionConflict is returned by a conditional write whose expected
	// version no longer matches. Callers re-read and retry; it is never
	// backoff-retried.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned when a mutation would move a workflow
	// along an edge the state machine does not have.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCancelled is recorded when a workflow is cancelled by a caller.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrUnknownStage is returned when no executor is registered for a stage.
	ErrUnknownStage = errors.New("unknown stage")
)

// ExecutorError is a stage executor failure. It is retryable unless the
// executor marked it permanent.
type ExecutorError struct {
	Stage     Stage
	Err       error
	Permanent bool
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// permanentError marks an executor error as not worth retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the resilience layer does not retry it.
// Stage executors use it for failures caused by their input.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PersistenceError is a failure of the persistence port (store unavailable,
// I/O error). Conditional-write misses are reported as ErrVersionConflict.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Violation is a single structural problem found during hand-off validation.
type Violation struct {
	Field       string `json:"field"`
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Description
}

// ValidationError is a hand-off structural failure. Terminal for the workflow.
type ValidationError struct {
	Stage      Stage
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Stage, strings.Join(parts, "; "))
}

// TransformationError is a hand-off semantic failure: the payload is
// schema-valid but lacks what the next stage needs. Terminal for the workflow.
type TransformationError struct {
	From   Stage
	To     Stage
	Reason string
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("cannot transform %s output into %s input: %s", e.From, e.To, e.Reason)
}

// CircuitOpenError is returned without invoking the operation when the
// breaker of a failure domain is open.
type CircuitOpenError struct {
	Domain     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open (retry after %s)", e.Domain, e.RetryAfter)
}

// LockConflictError means another holder drives the workflow. Callers back
// off and re-check; it is not a workflow failure.
type LockConflictError struct {
	WorkflowID string
	Holder     string
	ExpiresAt  time.Time
}

func (e *LockConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("workflow %s is locked by another holder", e.WorkflowID)
	}
	return fmt.Sprintf("workflow %s is locked by %s until %s", e.WorkflowID, e.Holder, e.ExpiresAt.Format(time.RFC3339Nano))
}

// RetryExhaustedError wraps the last failure once a retry policy has used
// all of its attempts.
type RetryExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IsRetryable classifies err for the resilience layer.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidTransition) {
		return false
	}
	if IsPermanent(err) {
		return false
	}

	var (
		execErr *ExecutorError
		valErr  *ValidationError
		trErr   *TransformationError
		openErr *CircuitOpenError
		lockErr *LockConflictError
		exhErr  *RetryExhaustedError
	)
	switch {
	case errors.As(err, &exhErr), errors.As(err, &openErr), errors.As(err, &lockErr),
		errors.As(err, &valErr), errors.As(err, &trErr):
		return false
	case errors.As(err, &execErr):
		return !execErr.Permanent
	}
	return true
}

// KindOf maps err onto the error-log taxonomy.
func KindOf(err error) ErrorKind {
	var (
		valErr  *ValidationError
		trErr   *TransformationError
		openErr *CircuitOpenError
		execErr *ExecutorError
		perErr  *PersistenceError
	)
	switch {
	case errors.Is(err, ErrCancelled):
		return ErrorKindCancelled
	case errors.As(err, &valErr):
		return ErrorKindValidation
	case errors.As(err, &trErr):
		return ErrorKindTransformation
	case errors.As(err, &openErr):
		return ErrorKindCircuitOpen
	case errors.As(err, &execErr):
		return ErrorKindExecutor
	case errors.As(err, &perErr):
		return ErrorKindPersistence
	}
	return ErrorKindInternal
}

// AttemptsOf returns how many attempts produced err (1 unless a retry
// policy gave up).
func AttemptsOf(err error) int {
	var exh *RetryExhaustedError
	if errors.As(err, &exh) {
		return exh.Attempts
	}
	return 1
}
