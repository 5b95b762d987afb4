package stagewise

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stagewise/pkg/api"
)

type engineFactory func(t *testing.T, opts Options) Engine

var engineFactories = map[string]engineFactory{
	"in-memory": func(t *testing.T, opts Options) Engine {
		eng, err := NewInMemoryEngine(opts)
		if err != nil {
			t.Fatalf("NewInMemoryEngine failed: %v", err)
		}
		return eng
	},
	"sqlite": func(t *testing.T, opts Options) Engine {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		eng, err := NewSQLiteEngine(db, opts)
		if err != nil {
			t.Fatalf("NewSQLiteEngine failed: %v", err)
		}
		return eng
	},
}

func forEachEngine(t *testing.T, fn func(t *testing.T, newEngine engineFactory)) {
	for name, f := range engineFactories {
		t.Run(name, func(t *testing.T) { fn(t, f) })
	}
}

func fastResilience() map[Domain]DomainConfig {
	d := DomainDefaults()
	d.Retry = Retry(3).Immediate().Policy()
	return map[Domain]DomainConfig{
		DomainStageExecutor: d,
		DomainPersistence:   d,
	}
}

func TestRun_AutoPolicyLimits(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newEngine engineFactory) {
		metrics := &BasicMetrics{}
		eng := newEngine(t, Options{Observer: metrics, Resilience: fastResilience()})
		ctx := context.Background()

		res, err := Run(ctx, eng, "auto policy limits", map[string]any{"state": "CA"})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != StatusCompleted || res.Pending {
			t.Fatalf("expected COMPLETED, got %+v", res)
		}

		summary, _ := res.Output["summary"].(string)
		if summary != `Research on "auto policy limits" covers coverage types, limits, sources.` {
			t.Fatalf("unexpected summary: %q", summary)
		}
		recs, _ := res.Output["recommendations"].([]any)
		if len(recs) != 3 || !strings.HasPrefix(recs[0].(string), "Review coverage types: bodily injury liability") {
			t.Fatalf("unexpected recommendations: %#v", recs)
		}

		view, err := GetStatus(ctx, eng, res.WorkflowID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if len(view.CompletedStages) != 2 || view.ErrorCount != 0 {
			t.Fatalf("unexpected status view: %+v", view)
		}

		history, err := eng.History(ctx, res.WorkflowID)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != 1 || history[0].Outcome != api.HandoffSucceeded {
			t.Fatalf("expected one successful hand-off, got %+v", history)
		}

		snap := metrics.Snapshot()
		if snap.WorkflowsCompleted != 1 || snap.WorkflowsFailed != 0 {
			t.Fatalf("unexpected metrics: %+v", snap)
		}
	})
}

func TestRun_NoMaterialFailsWithoutRetry(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newEngine engineFactory) {
		eng := newEngine(t, Options{Resilience: fastResilience()})

		res, err := Run(context.Background(), eng, "quantum chromodynamics", nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != StatusFailed {
			t.Fatalf("expected FAILED, got %s", res.Status)
		}
		if len(res.Errors) != 1 {
			t.Fatalf("expected one error entry, got %+v", res.Errors)
		}
		e := res.Errors[0]
		if e.Kind != api.ErrorKindExecutor || e.Stage != StageResearch || e.Attempts != 1 {
			t.Fatalf("unexpected error entry: %+v", e)
		}
	})
}

func TestResume_TerminalReturnsStoredResult(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newEngine engineFactory) {
		eng := newEngine(t, Options{Resilience: fastResilience()})
		ctx := context.Background()

		first, err := Run(ctx, eng, "homeowners dwelling coverage", nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		again, err := Resume(ctx, eng, first.WorkflowID)
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		if again.Status != StatusCompleted || again.Output["summary"] != first.Output["summary"] {
			t.Fatalf("expected the stored result, got %+v", again)
		}

		view, err := GetStatus(ctx, eng, first.WorkflowID)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if view.Version != 4 {
			t.Fatalf("expected no further writes (version 4), got %d", view.Version)
		}
	})
}

func TestListWorkflows_FiltersByStatus(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newEngine engineFactory) {
		eng := newEngine(t, Options{Resilience: fastResilience()})
		ctx := context.Background()

		if _, err := Run(ctx, eng, "umbrella policy", nil); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		id, err := eng.Submit(ctx, WorkflowRequest{Query: "auto policy limits"})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		created, err := ListWorkflows(ctx, eng, WorkflowFilter{Status: StatusCreated})
		if err != nil {
			t.Fatalf("ListWorkflows failed: %v", err)
		}
		if len(created) != 1 || created[0].ID != id {
			t.Fatalf("expected only %s in CREATED, got %+v", id, created)
		}

		all, err := ListWorkflows(ctx, eng, WorkflowFilter{})
		if err != nil {
			t.Fatalf("ListWorkflows failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 workflows, got %d", len(all))
		}
	})
}

func TestNewEngine_CustomExecutorsAndSchemas(t *testing.T) {
	research := stageFunc{stage: StageResearch, fn: func(ctx context.Context, in Document) (Document, error) {
		return Document{"notes": "n"}, nil
	}}
	writer := stageFunc{stage: StageWriter, fn: func(ctx context.Context, in Document) (Document, error) {
		return Document{"summary": "s"}, nil
	}}

	// The writer schema demands a field the writer never produces.
	eng, err := NewInMemoryEngine(Options{
		Executors:  []StageExecutor{research, writer},
		Schemas:    map[Stage]string{StageWriter: `{"type": "object", "required": ["verdict"]}`},
		Resilience: fastResilience(),
		LockTTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}

	res, err := Run(context.Background(), eng, "anything", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusFailed || res.Errors[0].Kind != api.ErrorKindValidation {
		t.Fatalf("expected a validation failure, got %+v", res)
	}

	_, err = NewInMemoryEngine(Options{Schemas: map[Stage]string{StageWriter: `{"type": 7}`}})
	if err == nil {
		t.Fatalf("expected an invalid schema to be rejected")
	}
}

func TestRecoverStuckWorkflows_NothingToRecover(t *testing.T) {
	eng := engineFactories["in-memory"](t, Options{})
	n, err := RecoverStuckWorkflows(context.Background(), eng)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestResume_UnknownWorkflowWithoutQuery(t *testing.T) {
	eng := engineFactories["in-memory"](t, Options{})
	_, err := Resume(context.Background(), eng, "missing")
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected a request validation error, got %v", err)
	}
}

type stageFunc struct {
	stage Stage
	fn    func(ctx context.Context, in Document) (Document, error)
}

func (s stageFunc) Stage() Stage { return s.stage }

func (s stageFunc) Execute(ctx context.Context, in Document) (Document, error) {
	return s.fn(ctx, in)
}
