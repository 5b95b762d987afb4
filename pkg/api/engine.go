package api

import "context"

// Engine is the request-facing API of the workflow orchestration engine.
type Engine interface {
	// Submit durably creates a workflow in StatusCreated and returns its id
	// without driving it. A worker (or a later ExecuteWorkflow call) drives it.
	Submit(ctx context.Context, req WorkflowRequest) (string, error)

	// ExecuteWorkflow drives a workflow from its current status to a terminal
	// status and returns the result.
	//
	// Semantics:
	//   - Unknown (or empty) WorkflowID: the workflow is created first.
	//   - Terminal workflow: the stored result is returned, nothing is re-run.
	//   - In-flight workflow: execution resumes from its current stage.
	//
	// A *LockConflictError is returned while another holder drives the same
	// workflow; it does not affect the workflow itself.
	ExecuteWorkflow(ctx context.Context, req WorkflowRequest) (*WorkflowResult, error)

	// GetWorkflowStatus returns a read-only view of the workflow.
	GetWorkflowStatus(ctx context.Context, id string) (*StatusView, error)

	// Result returns the workflow result; Pending is set while the workflow
	// has not reached a terminal status.
	Result(ctx context.Context, id string) (*WorkflowResult, error)

	// Cancel moves a non-terminal workflow to StatusFailed with a cancellation
	// entry. It returns false when the workflow was already terminal.
	// An executor call in flight is not interrupted; the driver observes the
	// cancellation at the next stage boundary.
	Cancel(ctx context.Context, id string) (bool, error)

	// History returns the recorded hand-offs of a workflow, oldest first.
	History(ctx context.Context, id string) ([]HandoffEvent, error)

	// ListWorkflows returns workflows matching filter. It requires a
	// persistence backend that supports scanning.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowState, error)

	// RecoverStuckWorkflows resumes every in-flight workflow whose lock has
	// expired (for example after a process crash) and returns how many were
	// driven to a terminal status.
	//
	// It is intended to be called on process startup, before starting
	// workers or accepting new work.
	RecoverStuckWorkflows(ctx context.Context) (int, error)
}
