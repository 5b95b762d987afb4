// Package observability adapts engine lifecycle callbacks to OpenTelemetry
// traces and to a watermill event stream.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/stagewise/pkg/api"
)

// tracerName is the instrumentation scope name for stagewise tracing.
const tracerName = "github.com/petrijr/stagewise"

// Span attribute keys.
const (
	WorkflowIDKey = "stagewise.workflow.id"
	StatusKey     = "stagewise.workflow.status"
	StageKey      = "stagewise.stage"
	VersionKey    = "stagewise.workflow.version"
	ErrorKindKey  = "stagewise.error.kind"
	OutcomeKey    = "stagewise.handoff.outcome"
)

// TracingObserver records one span per workflow drive and one child span
// per stage call.
type TracingObserver struct {
	tracer trace.Tracer

	mu        sync.Mutex
	workflows map[string]trace.Span
	stages    map[stageKey]trace.Span
}

type stageKey struct {
	workflowID string
	stage      api.Stage
}

var _ api.Observer = (*TracingObserver)(nil)

// NewTracingObserver uses the global tracer provider.
func NewTracingObserver() *TracingObserver {
	return NewTracingObserverWithTracer(otel.Tracer(tracerName))
}

// NewTracingObserverWithTracer uses tracer; tests pass one backed by a
// span recorder.
func NewTracingObserverWithTracer(tracer trace.Tracer) *TracingObserver {
	return &TracingObserver{
		tracer:    tracer,
		workflows: make(map[string]trace.Span),
		stages:    make(map[stageKey]trace.Span),
	}
}

func (o *TracingObserver) OnWorkflowStart(ctx context.Context, st *api.WorkflowState) {
	_, span := o.tracer.Start(ctx, "stagewise.workflow",
		trace.WithAttributes(
			attribute.String(WorkflowIDKey, st.ID),
			attribute.String(StatusKey, string(st.Status)),
			attribute.Int64(VersionKey, st.Version),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	o.mu.Lock()
	prev := o.workflows[st.ID]
	o.workflows[st.ID] = span
	o.mu.Unlock()

	// A drive that ended without reaching a terminal status leaves its
	// span open; close it when the next drive starts.
	if prev != nil {
		prev.SetStatus(codes.Unset, "interrupted")
		prev.End()
	}
}

func (o *TracingObserver) OnWorkflowCompleted(ctx context.Context, st *api.WorkflowState) {
	span := o.workflowSpan(ctx, st)
	span.SetAttributes(attribute.String(StatusKey, string(st.Status)), attribute.Int64(VersionKey, st.Version))
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (o *TracingObserver) OnWorkflowFailed(ctx context.Context, st *api.WorkflowState, err error) {
	span := o.workflowSpan(ctx, st)
	span.SetAttributes(
		attribute.String(StatusKey, string(st.Status)),
		attribute.Int64(VersionKey, st.Version),
		attribute.String(ErrorKindKey, string(api.KindOf(err))),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// workflowSpan removes and returns the open span of st, or starts one when
// the event arrives outside a drive (for example a cancellation).
func (o *TracingObserver) workflowSpan(ctx context.Context, st *api.WorkflowState) trace.Span {
	o.mu.Lock()
	span, ok := o.workflows[st.ID]
	delete(o.workflows, st.ID)
	o.mu.Unlock()
	if ok {
		return span
	}
	_, span = o.tracer.Start(ctx, "stagewise.workflow",
		trace.WithAttributes(attribute.String(WorkflowIDKey, st.ID)),
	)
	return span
}

func (o *TracingObserver) OnStageStart(ctx context.Context, st *api.WorkflowState, stage api.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	parent := ctx
	if ws, ok := o.workflows[st.ID]; ok {
		parent = trace.ContextWithSpan(ctx, ws)
	}
	_, span := o.tracer.Start(parent, "stagewise.stage",
		trace.WithAttributes(
			attribute.String(WorkflowIDKey, st.ID),
			attribute.String(StageKey, string(stage)),
		),
	)
	o.stages[stageKey{st.ID, stage}] = span
}

func (o *TracingObserver) OnStageCompleted(ctx context.Context, st *api.WorkflowState, stage api.Stage, err error, d time.Duration) {
	key := stageKey{st.ID, stage}
	o.mu.Lock()
	span, ok := o.stages[key]
	delete(o.stages, key)
	o.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int64("stagewise.stage.duration_ms", d.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (o *TracingObserver) OnHandoff(ctx context.Context, ev api.HandoffEvent) {
	o.mu.Lock()
	span, ok := o.workflows[ev.WorkflowID]
	o.mu.Unlock()
	if !ok {
		return
	}
	span.AddEvent("handoff", trace.WithAttributes(
		attribute.String(OutcomeKey, string(ev.Outcome)),
		attribute.String("stagewise.handoff.from", string(ev.FromStage)),
		attribute.String("stagewise.handoff.to", string(ev.ToStage)),
	))
}

// NewTracerProvider builds an OTLP/HTTP exporting tracer provider and
// installs it globally. The exporter is configured from the standard
// OTEL_EXPORTER_OTLP_* environment variables. Callers Shutdown the
// provider on exit.
func NewTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}
