package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution. The state passed to
// a callback is a snapshot and must not be mutated.
type Observer interface {
	// OnWorkflowStart is called when a drive of a workflow begins, both for
	// new and for resumed workflows.
	OnWorkflowStart(ctx context.Context, st *WorkflowState)

	// OnWorkflowCompleted is called when a workflow reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, st *WorkflowState)

	// OnWorkflowFailed is called when a workflow transitions to StatusFailed.
	OnWorkflowFailed(ctx context.Context, st *WorkflowState, err error)

	// OnStageStart is called before invoking a stage executor.
	OnStageStart(ctx context.Context, st *WorkflowState, stage Stage)

	// OnStageCompleted is called after a stage executor returns (after
	// retries), for both successes and failures (err != nil).
	OnStageCompleted(ctx context.Context, st *WorkflowState, stage Stage, err error, duration time.Duration)

	// OnHandoff is called after every hand-off attempt is recorded.
	OnHandoff(ctx context.Context, ev HandoffEvent)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, st *WorkflowState)             {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, st *WorkflowState)         {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, st *WorkflowState, err error) {}
func (NoopObserver) OnStageStart(ctx context.Context, st *WorkflowState, stage Stage)   {}
func (NoopObserver) OnHandoff(ctx context.Context, ev HandoffEvent)                     {}
func (NoopObserver) OnStageCompleted(ctx context.Context, st *WorkflowState, stage Stage, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, st *WorkflowState) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, st)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, st *WorkflowState) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, st)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, st *WorkflowState, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, st, err)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, st *WorkflowState, stage Stage) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, st, stage)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, st *WorkflowState, stage Stage, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, st, stage, err, d)
	}
}

func (c *CompositeObserver) OnHandoff(ctx context.Context, ev HandoffEvent) {
	for _, o := range c.observers {
		o.OnHandoff(ctx, ev)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / stage lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, st *WorkflowState) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", st.ID),
		slog.String("status", string(st.Status)),
		slog.Int64("version", st.Version),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, st *WorkflowState) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", st.ID),
		slog.Int64("version", st.Version),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, st *WorkflowState, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", st.ID),
		slog.Int("errors", len(st.ErrorLog)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, st *WorkflowState, stage Stage) {
	o.Logger.DebugContext(ctx, "stage_start",
		slog.String("workflow_id", st.ID),
		slog.String("stage", string(stage)),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, st *WorkflowState, stage Stage, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "stage_completed",
		slog.String("workflow_id", st.ID),
		slog.String("stage", string(stage)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnHandoff(ctx context.Context, ev HandoffEvent) {
	level := slog.LevelInfo
	if ev.Outcome != HandoffSucceeded {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "handoff",
		slog.String("workflow_id", ev.WorkflowID),
		slog.String("from", string(ev.FromStage)),
		slog.String("to", string(ev.ToStage)),
		slog.String("outcome", string(ev.Outcome)),
		slog.String("detail", ev.Detail),
	)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	stagesCompleted    atomic.Int64
	stagesFailed       atomic.Int64
	handoffsRejected   atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64

	StagesCompleted  int64
	StagesFailed     int64
	HandoffsRejected int64
	AvgStageDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, st *WorkflowState) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, st *WorkflowState) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, st *WorkflowState, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, st *WorkflowState, stage Stage, err error, d time.Duration) {
	// Only successful stages count towards the average duration.
	if err != nil {
		m.stagesFailed.Add(1)
		return
	}
	m.stagesCompleted.Add(1)
	m.totalStageDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnHandoff(ctx context.Context, ev HandoffEvent) {
	if ev.Outcome != HandoffSucceeded {
		m.handoffsRejected.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   m.workflowsStarted.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		StagesCompleted:    stages,
		StagesFailed:       m.stagesFailed.Load(),
		HandoffsRejected:   m.handoffsRejected.Load(),
		AvgStageDuration:   avg,
	}
}
