// Package taskqueue holds the work queues that feed workers: an in-memory
// queue for tests and local runs, and durable queues on SQLite, PostgreSQL,
// Redis and MongoDB.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeExecute drives a submitted workflow to a terminal status.
	TaskTypeExecute TaskType = "execute"

	// TaskTypeCancel cancels a workflow.
	TaskTypeCancel TaskType = "cancel"
)

// Task represents a unit of work for the worker. It only refers to a
// workflow; the workflow itself is durably stored before it is enqueued.
type Task struct {
	ID         string   `json:"id"`
	Type       TaskType `json:"type"`
	WorkflowID string   `json:"workflow_id"`

	// Attempts counts how many times the task was handed back to the
	// queue, for example because another holder was driving the workflow.
	Attempts int `json:"attempts"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `json:"not_before"`
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled. Tasks are handed out in
	// NotBefore order.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// prepare fills in the fields every queue needs before storing t.
func prepare(t Task, now time.Time) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	t.EnqueuedAt = t.EnqueuedAt.UTC()
	t.NotBefore = t.NotBefore.UTC()
	return t
}

// pollWait sleeps for d on a reusable timer, returning early with the
// context error if ctx is cancelled.
func pollWait(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// newStoppedTimer returns a timer that is not running. Stopped or reset
// timers never deliver a stale value (Go 1.23+).
func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	return tmr
}
