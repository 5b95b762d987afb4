package worker

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/stagewise/internal/engine"
	"github.com/petrijr/stagewise/internal/handoff"
	"github.com/petrijr/stagewise/internal/persistence"
	"github.com/petrijr/stagewise/internal/state"
	"github.com/petrijr/stagewise/internal/taskqueue"
	"github.com/petrijr/stagewise/pkg/api"
)

type stageFunc struct {
	stage api.Stage
	fn    func(ctx context.Context, input api.Document) (api.Document, error)
}

func (s stageFunc) Stage() api.Stage { return s.stage }

func (s stageFunc) Execute(ctx context.Context, input api.Document) (api.Document, error) {
	return s.fn(ctx, input)
}

func newEngine(t *testing.T, port persistence.Port) *engine.Engine {
	t.Helper()

	states := state.NewManager(state.Config{Port: port})
	protocol, err := handoff.New(handoff.Config{Log: states})
	if err != nil {
		t.Fatalf("handoff.New failed: %v", err)
	}
	eng, err := engine.New(engine.Config{
		States:  states,
		Handoff: protocol,
		Executors: []api.StageExecutor{
			stageFunc{stage: api.StageResearch, fn: func(ctx context.Context, in api.Document) (api.Document, error) {
				return api.Document{"topic": in["query"]}, nil
			}},
			stageFunc{stage: api.StageWriter, fn: func(ctx context.Context, in api.Document) (api.Document, error) {
				return api.Document{"summary": "about " + in["query"].(string)}, nil
			}},
		},
	})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	return eng
}

type engineFactory func(t *testing.T) api.Engine

func inMemoryEngine(t *testing.T) api.Engine {
	t.Helper()
	return newEngine(t, persistence.NewInMemoryStore())
}

func sqliteEngine(t *testing.T) api.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return newEngine(t, store)
}

func quietConfig() Config {
	return Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func processOne(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatalf("expected a task to be processed")
	}
}

func TestWorker_DrivesSubmittedWorkflows(t *testing.T) {
	factories := map[string]engineFactory{
		"in-memory": inMemoryEngine,
		"sqlite":    sqliteEngine,
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)
			queue := taskqueue.NewInMemoryQueue()
			w := NewWithConfig(eng, queue, quietConfig())

			id, err := w.Submit(ctx, api.WorkflowRequest{Query: "queues"})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}

			// Submitting must not run the workflow.
			res, err := eng.Result(ctx, id)
			if err != nil {
				t.Fatalf("Result failed: %v", err)
			}
			if res.Status != api.StatusCreated || queue.Len() != 1 {
				t.Fatalf("expected queued CREATED workflow, got %s (queue %d)", res.Status, queue.Len())
			}

			processOne(t, w)

			res, err = eng.Result(ctx, id)
			if err != nil {
				t.Fatalf("Result failed: %v", err)
			}
			if res.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED status, got %q", res.Status)
			}
			if res.Output["summary"] != "about queues" {
				t.Fatalf("unexpected output: %#v", res.Output)
			}
		})
	}
}

func TestWorker_CancelTask(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	w := NewWithConfig(eng, taskqueue.NewInMemoryQueue(), quietConfig())

	id, err := eng.Submit(ctx, api.WorkflowRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := w.EnqueueCancel(ctx, id); err != nil {
		t.Fatalf("EnqueueCancel failed: %v", err)
	}
	if err := w.EnqueueExecute(ctx, id); err != nil {
		t.Fatalf("EnqueueExecute failed: %v", err)
	}

	processOne(t, w)
	processOne(t, w)

	res, err := eng.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.Status != api.StatusFailed || res.Errors[0].Kind != api.ErrorKindCancelled {
		t.Fatalf("expected cancelled workflow, got %+v", res)
	}
}

func TestWorker_UnknownTaskType(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	w := NewWithConfig(inMemoryEngine(t), queue, quietConfig())

	if err := queue.Enqueue(context.Background(), taskqueue.Task{Type: "bogus", WorkflowID: "wf"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	processed, err := w.ProcessOne(context.Background())
	if !processed || err == nil {
		t.Fatalf("expected processed task with error, got processed=%v err=%v", processed, err)
	}
}

func TestWorker_ProcessOneRespectsContext(t *testing.T) {
	w := New(inMemoryEngine(t), taskqueue.NewInMemoryQueue())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	processed, err := w.ProcessOne(ctx)
	if processed || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no task and deadline error, got processed=%v err=%v", processed, err)
	}
}

// lockedEngine reports every workflow as locked by another holder.
type lockedEngine struct {
	api.Engine

	mu    sync.Mutex
	calls int
}

func (e *lockedEngine) ExecuteWorkflow(ctx context.Context, req api.WorkflowRequest) (*api.WorkflowResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return nil, &api.LockConflictError{WorkflowID: req.WorkflowID, Holder: "other"}
}

func TestWorker_RequeuesLockedWorkflows(t *testing.T) {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue()
	cfg := quietConfig()
	cfg.LockRetryDelay = 10 * time.Millisecond
	cfg.MaxAttempts = 3
	w := NewWithConfig(&lockedEngine{}, queue, cfg)

	if err := w.EnqueueExecute(ctx, "wf-locked"); err != nil {
		t.Fatalf("EnqueueExecute failed: %v", err)
	}

	processOne(t, w)
	if queue.Len() != 1 {
		t.Fatalf("expected the task to be handed back, queue has %d", queue.Len())
	}
	processOne(t, w)

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	processed, err := w.ProcessOne(dctx)
	var lockErr *api.LockConflictError
	if !processed || !errors.As(err, &lockErr) {
		t.Fatalf("expected to give up with lock conflict, got processed=%v err=%v", processed, err)
	}
	if queue.Len() != 0 {
		t.Fatalf("task must not be requeued after giving up")
	}
}

func TestWorker_RunProcessesUntilCancelled(t *testing.T) {
	eng := inMemoryEngine(t)
	cfg := quietConfig()
	cfg.Concurrency = 3
	w := NewWithConfig(eng, taskqueue.NewInMemoryQueue(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := w.Submit(ctx, api.WorkflowRequest{Query: "q"})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, id)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		completed, err := eng.ListWorkflows(context.Background(), api.WorkflowFilter{Status: api.StatusCompleted})
		if err != nil {
			t.Fatalf("ListWorkflows failed: %v", err)
		}
		if len(completed) == len(ids) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d workflows completed", len(completed), len(ids))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
