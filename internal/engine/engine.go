// Package engine drives workflows through the research -> writer pipeline.
//
// A drive holds the workflow's advisory lock from start to finish and
// renews it in the background. Every state change is a version-conditional
// write through the state manager; every executor and persistence call goes
// through the resilience layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/petrijr/stagewise/internal/handoff"
	"github.com/petrijr/stagewise/internal/resilience"
	"github.com/petrijr/stagewise/internal/state"
	"github.com/petrijr/stagewise/pkg/api"
)

// DefaultLockTTL is the lock lifetime used when Config.LockTTL is zero.
const DefaultLockTTL = 30 * time.Second

// Config describes how to construct an Engine.
type Config struct {
	States    *state.Manager
	Handoff   *handoff.Protocol
	Layer     *resilience.Layer
	Executors []api.StageExecutor

	Observer api.Observer
	Logger   *slog.Logger

	// LockTTL bounds how long a crashed driver keeps a workflow locked.
	LockTTL time.Duration

	// NewID generates workflow ids and lock holder ids. Defaults to uuid.
	NewID func() string
	Now   func() time.Time
}

// Engine is the workflow orchestration engine.
type Engine struct {
	states    *state.Manager
	handoff   *handoff.Protocol
	layer     *resilience.Layer
	executors *executorRegistry
	observer  api.Observer
	logger    *slog.Logger
	validate  *validator.Validate
	lockTTL   time.Duration
	newID     func() string
	now       func() time.Time
}

var _ api.Engine = (*Engine)(nil)

// New returns an Engine configured by cfg. States, Handoff and one executor
// per stage are required.
func New(cfg Config) (*Engine, error) {
	if cfg.States == nil {
		return nil, errors.New("engine: state manager is required")
	}
	if cfg.Handoff == nil {
		return nil, errors.New("engine: hand-off protocol is required")
	}
	execs, err := newExecutorRegistry(cfg.Executors...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		states:    cfg.States,
		handoff:   cfg.Handoff,
		layer:     cfg.Layer,
		executors: execs,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		lockTTL:   cfg.LockTTL,
		newID:     cfg.NewID,
		now:       cfg.Now,
	}
	if e.layer == nil {
		e.layer = resilience.NewLayer(resilience.Config{Logger: cfg.Logger})
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.lockTTL <= 0 {
		e.lockTTL = DefaultLockTTL
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Submit validates req and durably creates the workflow in StatusCreated.
func (e *Engine) Submit(ctx context.Context, req api.WorkflowRequest) (string, error) {
	st, err := e.create(ctx, req)
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

func (e *Engine) create(ctx context.Context, req api.WorkflowRequest) (*api.WorkflowState, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid workflow request: %w", err)
	}
	id := req.WorkflowID
	if id == "" {
		id = e.newID()
	}
	return e.states.Create(ctx, id, api.Metadata{
		Query:      req.Query,
		Parameters: req.Parameters,
	})
}

// ExecuteWorkflow drives the workflow named by req to a terminal status.
// See api.Engine for the re-entry semantics.
func (e *Engine) ExecuteWorkflow(ctx context.Context, req api.WorkflowRequest) (*api.WorkflowResult, error) {
	if req.WorkflowID != "" {
		res, err := e.drive(ctx, req.WorkflowID)
		if !errors.Is(err, api.ErrNotFound) {
			return res, err
		}
	}

	st, err := e.create(ctx, req)
	if errors.Is(err, api.ErrAlreadyExists) {
		// Created concurrently by another caller; join it.
		return e.drive(ctx, req.WorkflowID)
	}
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, st.ID)
}

// Drive resumes the workflow id from its current status. It is the entry
// point used by workers for submitted workflows.
func (e *Engine) Drive(ctx context.Context, id string) (*api.WorkflowResult, error) {
	return e.drive(ctx, id)
}

// GetWorkflowStatus returns a read-only view of the workflow.
func (e *Engine) GetWorkflowStatus(ctx context.Context, id string) (*api.StatusView, error) {
	st, err := e.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return api.ViewOf(st), nil
}

// Result returns the caller-facing result of the workflow.
func (e *Engine) Result(ctx context.Context, id string) (*api.WorkflowResult, error) {
	st, err := e.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return api.ResultOf(st), nil
}

// Cancel moves a non-terminal workflow to StatusFailed with a cancellation
// entry. It does not take the workflow lock: a running driver notices the
// version change at its next commit and stops.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	for {
		st, err := e.states.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if st.Status.IsTerminal() {
			return false, nil
		}

		next, err := e.states.CompareAndUpdate(ctx, id, st.Version, func(s *api.WorkflowState) error {
			s.AppendError(api.ErrorEntry{
				Kind:      api.ErrorKindCancelled,
				Stage:     s.CurrentStage,
				Message:   api.ErrCancelled.Error(),
				Timestamp: e.now().UTC(),
			})
			s.Status = api.StatusFailed
			s.CurrentStage = api.StageNone
			return nil
		})
		if errors.Is(err, api.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		e.observer.OnWorkflowFailed(ctx, next, api.ErrCancelled)
		return true, nil
	}
}

// History returns the recorded hand-offs of a workflow, oldest first.
func (e *Engine) History(ctx context.Context, id string) ([]api.HandoffEvent, error) {
	if _, err := e.states.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.handoff.History(ctx, id)
}

// ListWorkflows returns the workflows matching filter, oldest first.
func (e *Engine) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.WorkflowState, error) {
	return e.states.List(ctx, filter)
}

// RecoverStuckWorkflows drives every in-flight workflow whose lock has
// expired and returns how many reached a terminal status. Workflows picked
// up by another driver in the meantime are skipped.
func (e *Engine) RecoverStuckWorkflows(ctx context.Context) (int, error) {
	stale, err := e.states.Stale(ctx)
	if err != nil {
		return 0, err
	}

	var (
		recovered int
		errs      []error
	)
	for _, st := range stale {
		res, err := e.drive(ctx, st.ID)
		var lockErr *api.LockConflictError
		switch {
		case errors.As(err, &lockErr):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("recover %s: %w", st.ID, err))
			continue
		}
		if !res.Pending {
			recovered++
		}
		e.logger.Info("workflow_recovered",
			slog.String("workflow_id", st.ID),
			slog.String("status", string(res.Status)),
		)
	}
	return recovered, errors.Join(errs...)
}
