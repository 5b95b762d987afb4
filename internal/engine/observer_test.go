package engine

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/stagewise/pkg/api"
)

// fakeObserver records all calls from the engine so we can assert on them.
type fakeObserver struct {
	mu sync.Mutex

	workflowStarts    []workflowEvent
	workflowCompletes []workflowEvent
	workflowFails     []workflowEvent

	stageStarts    []stageEvent
	stageCompletes []stageEvent

	handoffs []api.HandoffEvent
}

type workflowEvent struct {
	WorkflowID string
	Status     api.Status
	Err        error
}

type stageEvent struct {
	WorkflowID string
	Stage      api.Stage
	Err        error
	Duration   time.Duration
}

var _ api.Observer = (*fakeObserver)(nil)

func (o *fakeObserver) OnWorkflowStart(ctx context.Context, st *api.WorkflowState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowStarts = append(o.workflowStarts, workflowEvent{WorkflowID: st.ID, Status: st.Status})
}

func (o *fakeObserver) OnWorkflowCompleted(ctx context.Context, st *api.WorkflowState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowCompletes = append(o.workflowCompletes, workflowEvent{WorkflowID: st.ID, Status: st.Status})
}

func (o *fakeObserver) OnWorkflowFailed(ctx context.Context, st *api.WorkflowState, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflowFails = append(o.workflowFails, workflowEvent{WorkflowID: st.ID, Status: st.Status, Err: err})
}

func (o *fakeObserver) OnStageStart(ctx context.Context, st *api.WorkflowState, stage api.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageStarts = append(o.stageStarts, stageEvent{WorkflowID: st.ID, Stage: stage})
}

func (o *fakeObserver) OnStageCompleted(ctx context.Context, st *api.WorkflowState, stage api.Stage, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stageCompletes = append(o.stageCompletes, stageEvent{
		WorkflowID: st.ID,
		Stage:      stage,
		Err:        err,
		Duration:   d,
	})
}

func (o *fakeObserver) OnHandoff(ctx context.Context, ev api.HandoffEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handoffs = append(o.handoffs, ev)
}
