package stagewise

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/stagewise/internal/taskqueue"
	"github.com/petrijr/stagewise/pkg/worker"
)

// Runner bundles an Engine, a task queue and a Worker so workflows can be
// submitted asynchronously and driven in the background.
//
// Typical usage:
//
//	runner, err := stagewise.NewLocalRunner(stagewise.Options{})
//	...
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.SubmitAsync(ctx, stagewise.WorkflowRequest{Query: "auto policy limits"})
//	...
//	runner.Stop()
type Runner struct {
	// Engine drives the workflows.
	Engine Engine

	// Queue holds the pending tasks.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	cfg worker.Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a Runner backed by an in-memory engine and an
// in-memory queue. It is not crash-durable and is intended for local
// development, tests and single-process deployments.
func NewLocalRunner(opts Options) (*Runner, error) {
	eng, err := NewInMemoryEngine(opts)
	if err != nil {
		return nil, err
	}
	return NewRunner(eng, taskqueue.NewInMemoryQueue(), worker.Config{Logger: opts.Logger}), nil
}

// NewRunner constructs a Runner from its parts.
func NewRunner(eng Engine, queue taskqueue.Queue, cfg worker.Config) *Runner {
	return &Runner{
		Engine: eng,
		Queue:  queue,
		Worker: worker.NewWithConfig(eng, queue, cfg),
		cfg:    cfg,
	}
}

// StartWorkers starts concurrency workers that process tasks until Stop is
// called; concurrency <= 0 keeps the configured value. If StartWorkers is called more than once without Stop, it
// returns an error.
func (r *Runner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stagewise: runner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	w := r.Worker
	if concurrency > 0 {
		cfg := r.cfg
		cfg.Concurrency = concurrency
		w = worker.NewWithConfig(r.Engine, r.Queue, cfg)
	}
	done := r.done
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit. A task in progress is abandoned mid-drive; its workflow stays in
// flight and is resumed by the next drive or recovery sweep.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// SubmitAsync durably creates a workflow and enqueues it for the workers.
func (r *Runner) SubmitAsync(ctx context.Context, req WorkflowRequest) (string, error) {
	return r.Worker.Submit(ctx, req)
}

// CancelAsync enqueues a cancellation of a workflow.
func (r *Runner) CancelAsync(ctx context.Context, id string) error {
	return r.Worker.EnqueueCancel(ctx, id)
}
