package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/stagewise/internal/resilience"
	"github.com/petrijr/stagewise/pkg/api"
)

// drive runs workflow id to a terminal status while holding its lock.
//
// A terminal workflow is returned as is, without taking the lock. If ctx is
// cancelled (or the lock is lost) mid-way, the workflow is left in its
// current in-flight status for a later drive to resume.
func (e *Engine) drive(ctx context.Context, id string) (*api.WorkflowResult, error) {
	st, err := e.states.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return api.ResultOf(st), nil
	}

	holder := e.newID()
	ok, err := e.states.AcquireLock(ctx, id, holder, e.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		lk, _ := e.states.Lock(ctx, id)
		return nil, &api.LockConflictError{WorkflowID: id, Holder: lk.Holder, ExpiresAt: lk.ExpiresAt}
	}
	defer func() {
		if _, err := e.states.ReleaseLock(context.WithoutCancel(ctx), id, holder); err != nil {
			e.logger.Warn("lock_release_failed",
				slog.String("workflow_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := e.heartbeat(runCtx, cancel, id, holder)
	defer stop()

	st, err = e.states.Recover(runCtx, id, holder)
	if err != nil {
		return nil, err
	}

	e.observer.OnWorkflowStart(runCtx, st)
	st, err = e.run(runCtx, st)
	if err != nil {
		return nil, err
	}
	return api.ResultOf(st), nil
}

const minHeartbeat = time.Millisecond

// heartbeat renews the lock every third of its TTL until stop is called.
// Losing the lock to another holder cancels the drive.
func (e *Engine) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, id, holder string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(e.lockTTL/3, minHeartbeat))
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := e.states.RenewLock(ctx, id, holder, e.lockTTL)
			var lockErr *api.LockConflictError
			switch {
			case err == nil:
			case errors.As(err, &lockErr):
				e.logger.Warn("lock_lost",
					slog.String("workflow_id", id),
					slog.String("holder", lockErr.Holder),
				)
				cancel(lockErr)
				return
			case ctx.Err() == nil:
				e.logger.Warn("lock_renew_failed",
					slog.String("workflow_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// run advances st one transition at a time until it is terminal.
func (e *Engine) run(ctx context.Context, st *api.WorkflowState) (*api.WorkflowState, error) {
	for !st.Status.IsTerminal() {
		if ctx.Err() != nil {
			return st, context.Cause(ctx)
		}

		var err error
		switch st.Status {
		case api.StatusCreated:
			st, _, err = e.commit(ctx, st, func(s *api.WorkflowState) error {
				s.Status = api.StatusResearching
				s.CurrentStage = api.StageResearch
				return nil
			})
		case api.StatusResearching:
			st, err = e.research(ctx, st)
		case api.StatusHandoffPending:
			st, err = e.handOff(ctx, st)
		case api.StatusWriting:
			st, err = e.write(ctx, st)
		default:
			err = fmt.Errorf("workflow %s has unknown status %q", st.ID, st.Status)
		}
		if err != nil {
			return st, err
		}
	}
	return st, nil
}

func (e *Engine) research(ctx context.Context, st *api.WorkflowState) (*api.WorkflowState, error) {
	if fresh, moved, err := e.refresh(ctx, st); err != nil || moved {
		return fresh, err
	}

	input := api.Document{"query": st.Metadata.Query}
	if len(st.Metadata.Parameters) > 0 {
		input["parameters"] = map[string]any(api.Document(st.Metadata.Parameters).Clone())
	}

	out, err := e.runStage(ctx, st, api.StageResearch, input)
	if err != nil {
		return e.fail(ctx, st, api.StageResearch, err)
	}

	next, _, err := e.commit(ctx, st, func(s *api.WorkflowState) error {
		s.Status = api.StatusHandoffPending
		return s.SetPayload(api.StageResearch, out)
	})
	return next, err
}

func (e *Engine) handOff(ctx context.Context, st *api.WorkflowState) (*api.WorkflowState, error) {
	_, ev, herr := e.handoff.Handoff(e.handoffPayload(st))
	if err := e.handoff.Record(ctx, ev); err != nil {
		return st, err
	}
	e.observer.OnHandoff(ctx, ev)
	if herr != nil {
		return e.fail(ctx, st, api.StageResearch, herr)
	}

	next, _, err := e.commit(ctx, st, func(s *api.WorkflowState) error {
		s.Status = api.StatusWriting
		s.CurrentStage = api.StageWriter
		return nil
	})
	return next, err
}

func (e *Engine) write(ctx context.Context, st *api.WorkflowState) (*api.WorkflowState, error) {
	if fresh, moved, err := e.refresh(ctx, st); err != nil || moved {
		return fresh, err
	}

	// The writer input is derived again from the committed research payload,
	// so a resumed workflow sees the same input as the original drive.
	input, err := e.handoff.Transform(e.handoffPayload(st), api.StageWriter)
	if err != nil {
		return e.fail(ctx, st, api.StageWriter, err)
	}

	out, err := e.runStage(ctx, st, api.StageWriter, input)
	if err != nil {
		return e.fail(ctx, st, api.StageWriter, err)
	}
	if err := e.handoff.Validate(api.StageWriter, out).Err(); err != nil {
		return e.fail(ctx, st, api.StageWriter, err)
	}

	next, applied, err := e.commit(ctx, st, func(s *api.WorkflowState) error {
		s.Status = api.StatusCompleted
		s.CurrentStage = api.StageNone
		return s.SetPayload(api.StageWriter, out)
	})
	if err != nil {
		return st, err
	}
	if applied {
		e.observer.OnWorkflowCompleted(ctx, next)
	}
	return next, nil
}

// refresh re-reads st before an executor is invoked. A Cancel lands without
// the lock, so the stored version may have moved on since the last commit.
func (e *Engine) refresh(ctx context.Context, st *api.WorkflowState) (*api.WorkflowState, bool, error) {
	fresh, err := e.states.Get(ctx, st.ID)
	if err != nil {
		return st, false, err
	}
	if fresh.Version != st.Version {
		return fresh, true, nil
	}
	return st, false, nil
}

func (e *Engine) handoffPayload(st *api.WorkflowState) api.HandoffPayload {
	return api.HandoffPayload{
		FromStage:  api.StageResearch,
		ToStage:    api.StageWriter,
		WorkflowID: st.ID,
		Data:       st.StagePayloads[api.StageResearch].Clone(),
		Metadata:   st.Metadata,
		CreatedAt:  e.now().UTC(),
	}
}

// runStage invokes the executor of stage through the resilience layer.
func (e *Engine) runStage(ctx context.Context, st *api.WorkflowState, stage api.Stage, input api.Document) (api.Document, error) {
	ex, err := e.executors.Get(stage)
	if err != nil {
		return nil, err
	}

	e.observer.OnStageStart(ctx, st, stage)
	start := time.Now()

	var out api.Document
	err = e.layer.Call(ctx, resilience.DomainStageExecutor, func(ctx context.Context) error {
		doc, err := ex.Execute(ctx, input.Clone())
		if err != nil {
			return &api.ExecutorError{Stage: stage, Err: err, Permanent: api.IsPermanent(err)}
		}
		out = doc
		return nil
	})

	e.observer.OnStageCompleted(ctx, st, stage, err, time.Since(start))
	return out, err
}

// fail moves st to StatusFailed and records cause. When ctx is done the
// failure is the drive's, not the workflow's: the state is left untouched
// and the context cause is returned.
func (e *Engine) fail(ctx context.Context, st *api.WorkflowState, stage api.Stage, cause error) (*api.WorkflowState, error) {
	if ctx.Err() != nil {
		return st, context.Cause(ctx)
	}

	next, applied, err := e.commit(ctx, st, func(s *api.WorkflowState) error {
		s.AppendError(api.ErrorEntry{
			Kind:      api.KindOf(cause),
			Stage:     stage,
			Message:   cause.Error(),
			Timestamp: e.now().UTC(),
			Attempts:  api.AttemptsOf(cause),
		})
		s.Status = api.StatusFailed
		s.CurrentStage = api.StageNone
		return nil
	})
	if err != nil {
		return st, err
	}
	if applied {
		e.observer.OnWorkflowFailed(ctx, next, cause)
	}
	return next, nil
}

// commit applies mutate to st with a version-conditional write. On a
// version conflict the workflow is re-read: if its status moved on (for
// example it was cancelled), the fresh state is returned unapplied;
// otherwise the mutation is retried against the fresh version.
func (e *Engine) commit(
	ctx context.Context,
	st *api.WorkflowState,
	mutate func(s *api.WorkflowState) error,
) (*api.WorkflowState, bool, error) {
	cur := st
	for {
		next, err := e.states.CompareAndUpdate(ctx, cur.ID, cur.Version, mutate)
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, api.ErrVersionConflict) {
			return cur, false, err
		}

		fresh, gerr := e.states.Get(ctx, cur.ID)
		if gerr != nil {
			return cur, false, gerr
		}
		if fresh.Status != cur.Status {
			return fresh, false, nil
		}
		cur = fresh
	}
}
