package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/stagewise/pkg/api"
)

func newRecordedObserver() (*TracingObserver, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewTracingObserverWithTracer(tp.Tracer("test")), sr
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingObserver_CompletedWorkflow(t *testing.T) {
	obs, sr := newRecordedObserver()
	ctx := context.Background()
	st := &api.WorkflowState{ID: "wf-1", Status: api.StatusCreated}

	obs.OnWorkflowStart(ctx, st)
	obs.OnStageStart(ctx, st, api.StageResearch)
	obs.OnStageCompleted(ctx, st, api.StageResearch, nil, 5*time.Millisecond)
	obs.OnHandoff(ctx, api.HandoffEvent{
		WorkflowID: "wf-1",
		FromStage:  api.StageResearch,
		ToStage:    api.StageWriter,
		Outcome:    api.HandoffSucceeded,
	})
	obs.OnStageStart(ctx, st, api.StageWriter)
	obs.OnStageCompleted(ctx, st, api.StageWriter, nil, time.Millisecond)

	done := &api.WorkflowState{ID: "wf-1", Status: api.StatusCompleted, Version: 4}
	obs.OnWorkflowCompleted(ctx, done)

	spans := sr.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 ended spans, got %d", len(spans))
	}

	wf := spans[2]
	if wf.Name() != "stagewise.workflow" {
		t.Fatalf("expected workflow span last, got %q", wf.Name())
	}
	if wf.Status().Code != codes.Ok {
		t.Fatalf("expected Ok status, got %v", wf.Status().Code)
	}
	if v, ok := attr(wf, StatusKey); !ok || v.AsString() != string(api.StatusCompleted) {
		t.Fatalf("expected status attribute COMPLETED, got %v", v)
	}
	if len(wf.Events()) != 1 || wf.Events()[0].Name != "handoff" {
		t.Fatalf("expected one handoff event, got %+v", wf.Events())
	}

	for _, stage := range spans[:2] {
		if stage.Name() != "stagewise.stage" {
			t.Fatalf("expected stage span, got %q", stage.Name())
		}
		if stage.Parent().SpanID() != wf.SpanContext().SpanID() {
			t.Fatalf("stage span is not a child of the workflow span")
		}
	}
}

func TestTracingObserver_FailedStageAndWorkflow(t *testing.T) {
	obs, sr := newRecordedObserver()
	ctx := context.Background()
	st := &api.WorkflowState{ID: "wf-2", Status: api.StatusResearching}
	boom := &api.ExecutorError{Stage: api.StageResearch, Err: errors.New("boom")}

	obs.OnWorkflowStart(ctx, st)
	obs.OnStageStart(ctx, st, api.StageResearch)
	obs.OnStageCompleted(ctx, st, api.StageResearch, boom, time.Millisecond)
	obs.OnWorkflowFailed(ctx, &api.WorkflowState{ID: "wf-2", Status: api.StatusFailed}, boom)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	for _, s := range spans {
		if s.Status().Code != codes.Error {
			t.Fatalf("expected Error status on %q, got %v", s.Name(), s.Status().Code)
		}
	}
	if v, ok := attr(spans[1], ErrorKindKey); !ok || v.AsString() != string(api.ErrorKindExecutor) {
		t.Fatalf("expected error kind executor, got %v", v)
	}
}

func TestTracingObserver_RestartEndsStaleSpan(t *testing.T) {
	obs, sr := newRecordedObserver()
	ctx := context.Background()
	st := &api.WorkflowState{ID: "wf-3", Status: api.StatusResearching}

	obs.OnWorkflowStart(ctx, st)
	obs.OnWorkflowStart(ctx, st)
	if got := len(sr.Ended()); got != 1 {
		t.Fatalf("expected the stale span to be ended, got %d ended", got)
	}

	obs.OnWorkflowCompleted(ctx, &api.WorkflowState{ID: "wf-3", Status: api.StatusCompleted})
	if got := len(sr.Ended()); got != 2 {
		t.Fatalf("expected 2 ended spans, got %d", got)
	}
}

func TestTracingObserver_FailureWithoutDrive(t *testing.T) {
	obs, sr := newRecordedObserver()

	obs.OnWorkflowFailed(context.Background(),
		&api.WorkflowState{ID: "wf-4", Status: api.StatusFailed}, api.ErrCancelled)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	if v, _ := attr(spans[0], WorkflowIDKey); v.AsString() != "wf-4" {
		t.Fatalf("expected workflow id attribute, got %v", v)
	}
}
