// Package state owns the durable lifecycle of workflows: creation,
// version-conditional mutation, advisory locking and crash recovery.
//
// All changes to a workflow go through CompareAndUpdate. There is no
// unconditional update path.
package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/petrijr/stagewise/internal/persistence"
	"github.com/petrijr/stagewise/internal/resilience"
	"github.com/petrijr/stagewise/pkg/api"
)

var (
	// ErrIllegalMutation is returned when a mutation touches something the
	// workflow invariants freeze: the id, the creation time, a committed
	// stage payload, or an existing error-log entry.
	ErrIllegalMutation = errors.New("illegal workflow mutation")

	// ErrListUnsupported is returned by List when the persistence port
	// cannot enumerate records.
	ErrListUnsupported = errors.New("persistence port does not support listing")
)

const (
	workflowPrefix = "workflow:"
	lockPrefix     = "lock:"
	handoffPrefix  = "handoff:"
)

// WorkflowKey returns the record key of a workflow.
func WorkflowKey(id string) string { return workflowPrefix + id }

// LockKey returns the record key of a workflow's lock.
func LockKey(id string) string { return lockPrefix + id }

// HandoffLogKey returns the log key of a workflow's hand-off history.
func HandoffLogKey(id string) string { return handoffPrefix + id }

// Config configures a Manager.
type Config struct {
	Port persistence.Port

	// Layer wraps every port call in the persistence failure domain.
	// Defaults to a Layer with default settings.
	Layer *resilience.Layer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager persists and locks workflow state on top of a persistence.Port.
type Manager struct {
	port  persistence.Port
	layer *resilience.Layer
	now   func() time.Time
}

// NewManager returns a Manager configured by cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		port:  cfg.Port,
		layer: cfg.Layer,
		now:   cfg.Now,
	}
	if m.layer == nil {
		m.layer = resilience.NewLayer(resilience.Config{})
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Create persists a new workflow in StatusCreated with version 0.
// It fails with api.ErrAlreadyExists if id is taken.
func (m *Manager) Create(ctx context.Context, id string, meta api.Metadata) (*api.WorkflowState, error) {
	if id == "" {
		return nil, errors.New("workflow id is required")
	}

	now := m.now().UTC()
	st := &api.WorkflowState{
		ID:        id,
		Status:    api.StatusCreated,
		Metadata:  meta,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := api.MarshalState(st)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", id, err)
	}

	ok, err := m.put(ctx, WorkflowKey(id), data, persistence.NoVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrAlreadyExists, id)
	}
	return st, nil
}

// Get returns the current state of a workflow, or api.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*api.WorkflowState, error) {
	rec, found, err := m.read(ctx, WorkflowKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", api.ErrNotFound, id)
	}
	return decodeState(rec)
}

func decodeState(rec persistence.Record) (*api.WorkflowState, error) {
	st, err := api.UnmarshalState(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.Key, err)
	}
	// The record version is authoritative.
	st.Version = rec.Version
	return st, nil
}

// CompareAndUpdate applies mutate to a copy of the current state and
// writes it back only if the stored version still equals expected. On
// success the version is incremented and the new state returned.
//
// It fails with api.ErrVersionConflict when the version moved,
// api.ErrInvalidTransition when the status change is not an edge of the
// state machine, and ErrIllegalMutation when a frozen field changed. An
// error returned by mutate is passed through and nothing is written.
func (m *Manager) CompareAndUpdate(
	ctx context.Context,
	id string,
	expected int64,
	mutate func(st *api.WorkflowState) error,
) (*api.WorkflowState, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expected {
		return nil, fmt.Errorf("%w: workflow %s is at version %d, expected %d",
			api.ErrVersionConflict, id, cur.Version, expected)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkMutation(cur, next); err != nil {
		return nil, err
	}

	next.Version = expected + 1
	next.UpdatedAt = m.now().UTC()

	data, err := api.MarshalState(next)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", id, err)
	}
	ok, err := m.put(ctx, WorkflowKey(id), data, expected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s changed concurrently", api.ErrVersionConflict, id)
	}
	return next, nil
}

func checkMutation(cur, next *api.WorkflowState) error {
	if next.ID != cur.ID {
		return fmt.Errorf("%w: workflow id changed", ErrIllegalMutation)
	}
	if !next.CreatedAt.Equal(cur.CreatedAt) {
		return fmt.Errorf("%w: created_at changed", ErrIllegalMutation)
	}
	if next.Status != cur.Status && !api.CanTransition(cur.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", api.ErrInvalidTransition, cur.Status, next.Status)
	}
	for stage, doc := range cur.StagePayloads {
		got, ok := next.StagePayloads[stage]
		if !ok || !reflect.DeepEqual(got, doc) {
			return fmt.Errorf("%w: committed %s payload changed", ErrIllegalMutation, stage)
		}
	}
	if n := len(cur.ErrorLog); n > 0 {
		if len(next.ErrorLog) < n || !reflect.DeepEqual(next.ErrorLog[:n], cur.ErrorLog) {
			return fmt.Errorf("%w: error log is append-only", ErrIllegalMutation)
		}
	}

	switch next.Status {
	case api.StatusCreated, api.StatusCompleted, api.StatusFailed:
		if next.CurrentStage != api.StageNone {
			return fmt.Errorf("%w: %s workflow cannot be owned by %s", ErrIllegalMutation, next.Status, next.CurrentStage)
		}
	default:
		if next.CurrentStage == api.StageNone {
			return fmt.Errorf("%w: %s workflow must be owned by a stage", ErrIllegalMutation, next.Status)
		}
	}
	return nil
}

// Recover returns the state of a workflow so its driver can resume it.
//
// An in-flight workflow whose lock is held by someone other than holder is
// still being driven and yields *api.LockConflictError. Otherwise the state
// is returned unchanged: a stage payload is only committed together with
// the status change that follows it, so re-running the current stage never
// duplicates a committed payload.
func (m *Manager) Recover(ctx context.Context, id, holder string) (*api.WorkflowState, error) {
	st, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.Status.IsInFlight() {
		return st, nil
	}

	lk, err := m.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	if lk.HeldAt(m.now()) && lk.Holder != holder {
		return nil, &api.LockConflictError{WorkflowID: id, Holder: lk.Holder, ExpiresAt: lk.ExpiresAt}
	}
	return st, nil
}

// List returns the workflows matching filter, oldest first.
func (m *Manager) List(ctx context.Context, filter api.WorkflowFilter) ([]*api.WorkflowState, error) {
	scanner, ok := m.port.(persistence.Scanner)
	if !ok {
		return nil, ErrListUnsupported
	}

	var recs []persistence.Record
	err := m.layer.Call(ctx, resilience.DomainPersistence, func(ctx context.Context) error {
		var err error
		recs, err = scanner.Scan(ctx, workflowPrefix)
		return portErr("scan", workflowPrefix, err)
	})
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowState
	for _, rec := range recs {
		st, err := decodeState(rec)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Stale returns the in-flight workflows nobody currently holds a lock on,
// typically left behind by a crashed process.
func (m *Manager) Stale(ctx context.Context) ([]*api.WorkflowState, error) {
	all, err := m.List(ctx, api.WorkflowFilter{})
	if err != nil {
		return nil, err
	}

	now := m.now()
	var out []*api.WorkflowState
	for _, st := range all {
		if !st.Status.IsInFlight() {
			continue
		}
		lk, err := m.Lock(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		if lk.HeldAt(now) {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Delete removes a workflow together with its lock and hand-off history.
// It is an administrative operation; the engine never deletes workflows.
func (m *Manager) Delete(ctx context.Context, id string) error {
	deleter, ok := m.port.(persistence.Deleter)
	if !ok {
		return errors.New("persistence port does not support deletion")
	}
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	for _, key := range []string{WorkflowKey(id), LockKey(id), HandoffLogKey(id)} {
		err := m.layer.Call(ctx, resilience.DomainPersistence, func(ctx context.Context) error {
			return portErr("delete", key, deleter.Delete(ctx, key))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AppendLog appends entry to the log stored under logKey.
func (m *Manager) AppendLog(ctx context.Context, logKey string, entry []byte) error {
	return m.layer.Call(ctx, resilience.DomainPersistence, func(ctx context.Context) error {
		return portErr("append", logKey, m.port.Append(ctx, logKey, entry))
	})
}

// Log returns the entries of logKey in append order.
func (m *Manager) Log(ctx context.Context, logKey string) ([][]byte, error) {
	var entries [][]byte
	err := m.layer.Call(ctx, resilience.DomainPersistence, func(ctx context.Context) error {
		var err error
		entries, err = m.port.Entries(ctx, logKey)
		return portErr("entries", logKey, err)
	})
	return entries, err
}

func (m *Manager) read(ctx context.Context, key string) (rec persistence.Record, found bool, err error) {
	err = m.layer.Call(ctx, resilience.DomainPersistence, func(ctx context.Context) error {
		r, err := m.port.Get(ctx, key)
		if errors.Is(err, persistence.ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return portErr("get", key, err)
		}
		rec, found = r, true
		return nil
	})
	return rec, found, err
}

func (m *Manager) put(ctx context.Context, key string, data []byte, expected int64) (bool, error) {
	var ok bool
	err := m.layer.Call(ctx, resilience.DomainPersistence, func(ctx context.Context) error {
		var err error
		ok, err = m.port.PutIfVersion(ctx, key, data, expected)
		return portErr("put", key, err)
	})
	return ok, err
}

func portErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &api.PersistenceError{Op: op, Key: key, Err: err}
}
