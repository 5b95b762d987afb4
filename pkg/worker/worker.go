package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/stagewise/internal/taskqueue"
	"github.com/petrijr/stagewise/pkg/api"
)

// Config configures a Worker. Zero values fall back to defaults.
type Config struct {
	// Concurrency is the number of tasks Run handles in parallel. Default 1.
	Concurrency int

	// LockRetryDelay delays a task whose workflow is locked by another
	// holder. Default 1s.
	LockRetryDelay time.Duration

	// MaxAttempts bounds how often such a task is handed back. Default 10.
	MaxAttempts int

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue

	concurrency    int
	lockRetryDelay time.Duration
	maxAttempts    int
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a new Worker with default settings.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a new Worker configured by cfg.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	w := &Worker{
		engine:         engine,
		queue:          queue,
		concurrency:    cfg.Concurrency,
		lockRetryDelay: cfg.LockRetryDelay,
		maxAttempts:    cfg.MaxAttempts,
		logger:         cfg.Logger,
		now:            time.Now,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.lockRetryDelay <= 0 {
		w.lockRetryDelay = time.Second
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 10
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Submit durably creates the workflow and enqueues a task to drive it.
// It does NOT run the workflow itself; that is done by ProcessOne.
func (w *Worker) Submit(ctx context.Context, req api.WorkflowRequest) (string, error) {
	id, err := w.engine.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	if err := w.EnqueueExecute(ctx, id); err != nil {
		return id, fmt.Errorf("enqueue workflow %s: %w", id, err)
	}
	return id, nil
}

// EnqueueExecute enqueues a task to drive an existing workflow.
func (w *Worker) EnqueueExecute(ctx context.Context, workflowID string) error {
	return w.EnqueueExecuteAt(ctx, workflowID, time.Time{})
}

// EnqueueExecuteAt enqueues a task to drive an existing workflow no earlier
// than at.
func (w *Worker) EnqueueExecuteAt(ctx context.Context, workflowID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeExecute,
		WorkflowID: workflowID,
		EnqueuedAt: w.now(),
		NotBefore:  at,
	})
}

// EnqueueCancel enqueues a task to cancel a workflow.
func (w *Worker) EnqueueCancel(ctx context.Context, workflowID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeCancel,
		WorkflowID: workflowID,
		EnqueuedAt: w.now(),
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or the queue failed).
//   - processed == true: a task was processed; err indicates whether the handler succeeded.
//
// A task whose workflow is locked by another holder is handed back to the
// queue with a delay and counts as processed without error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeExecute:
		res, err := w.engine.ExecuteWorkflow(ctx, api.WorkflowRequest{WorkflowID: task.WorkflowID})
		var lockErr *api.LockConflictError
		if errors.As(err, &lockErr) {
			return w.requeue(ctx, task, lockErr)
		}
		if err != nil {
			return fmt.Errorf("execute workflow %s: %w", task.WorkflowID, err)
		}
		w.logger.Info("task_processed",
			slog.String("task_id", task.ID),
			slog.String("workflow_id", task.WorkflowID),
			slog.String("status", string(res.Status)),
		)
		return nil

	case taskqueue.TaskTypeCancel:
		cancelled, err := w.engine.Cancel(ctx, task.WorkflowID)
		if err != nil {
			return fmt.Errorf("cancel workflow %s: %w", task.WorkflowID, err)
		}
		w.logger.Info("task_processed",
			slog.String("task_id", task.ID),
			slog.String("workflow_id", task.WorkflowID),
			slog.Bool("cancelled", cancelled),
		)
		return nil

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return errors.New("unknown task type: " + string(task.Type))
	}
}

func (w *Worker) requeue(ctx context.Context, task *taskqueue.Task, cause error) error {
	if task.Attempts+1 >= w.maxAttempts {
		return fmt.Errorf("giving up on workflow %s after %d attempts: %w", task.WorkflowID, task.Attempts+1, cause)
	}

	next := *task
	next.Attempts++
	next.NotBefore = w.now().Add(w.lockRetryDelay)
	if err := w.queue.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("requeue workflow %s: %w", task.WorkflowID, err)
	}
	w.logger.Info("task_requeued",
		slog.String("task_id", task.ID),
		slog.String("workflow_id", task.WorkflowID),
		slog.Int("attempts", next.Attempts),
		slog.Time("not_before", next.NotBefore),
	)
	return nil
}

// Run processes tasks with the configured concurrency until ctx is
// cancelled. Task failures are logged and do not stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err == nil {
					continue
				}
				w.logger.Error("task_failed", slog.String("error", err.Error()))
				if !processed {
					// The queue itself failed; back off before polling again.
					select {
					case <-ctx.Done():
						return
					case <-time.After(w.lockRetryDelay):
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}
