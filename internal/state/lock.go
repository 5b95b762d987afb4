package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stagewise/internal/persistence"
	"github.com/petrijr/stagewise/pkg/api"
)

// Lock is the advisory lock record of a workflow. A released lock is kept
// as a record with an empty Holder so later writes stay conditional.
type Lock struct {
	Holder     string    `json:"holder"`
	ExpiresAt  time.Time `json:"expires_at"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// HeldAt reports whether the lock is owned and unexpired at t.
func (l Lock) HeldAt(t time.Time) bool {
	return l.Holder != "" && t.Before(l.ExpiresAt)
}

// Lock returns the lock record of a workflow; a zero Lock if none exists.
func (m *Manager) Lock(ctx context.Context, id string) (Lock, error) {
	lk, _, _, err := m.readLock(ctx, id)
	return lk, err
}

func (m *Manager) readLock(ctx context.Context, id string) (lk Lock, version int64, found bool, err error) {
	rec, found, err := m.read(ctx, LockKey(id))
	if err != nil || !found {
		return Lock{}, persistence.NoVersion, false, err
	}
	if err := json.Unmarshal(rec.Data, &lk); err != nil {
		return Lock{}, 0, false, fmt.Errorf("decode lock %s: %w", id, err)
	}
	return lk, rec.Version, true, nil
}

func (m *Manager) writeLock(ctx context.Context, id string, lk Lock, expected int64) (bool, error) {
	data, err := json.Marshal(lk)
	if err != nil {
		return false, err
	}
	return m.put(ctx, LockKey(id), data, expected)
}

// AcquireLock takes the advisory lock of a workflow for ttl. It returns
// false if another holder owns an unexpired lock. Acquiring a lock already
// owned by holder extends it.
//
// The lock record is written conditionally, so of several callers racing
// for a free or expired lock at most one succeeds.
func (m *Manager) AcquireLock(ctx context.Context, id, holder string, ttl time.Duration) (bool, error) {
	if holder == "" {
		return false, errors.New("lock holder is required")
	}
	if ttl <= 0 {
		return false, errors.New("lock ttl must be > 0")
	}

	cur, version, found, err := m.readLock(ctx, id)
	if err != nil {
		return false, err
	}

	now := m.now().UTC()
	acquiredAt := now
	if found && cur.HeldAt(now) {
		if cur.Holder != holder {
			return false, nil
		}
		acquiredAt = cur.AcquiredAt
	}

	return m.writeLock(ctx, id, Lock{
		Holder:     holder,
		ExpiresAt:  now.Add(ttl),
		AcquiredAt: acquiredAt,
	}, version)
}

// RenewLock extends a lock owned by holder. It fails with
// *api.LockConflictError if holder no longer owns the lock.
func (m *Manager) RenewLock(ctx context.Context, id, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("lock ttl must be > 0")
	}

	cur, version, found, err := m.readLock(ctx, id)
	if err != nil {
		return err
	}
	if !found || cur.Holder != holder {
		return &api.LockConflictError{WorkflowID: id, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt}
	}

	now := m.now().UTC()
	cur.ExpiresAt = now.Add(ttl)
	ok, err := m.writeLock(ctx, id, cur, version)
	if err != nil {
		return err
	}
	if !ok {
		latest, _ := m.Lock(ctx, id)
		return &api.LockConflictError{WorkflowID: id, Holder: latest.Holder, ExpiresAt: latest.ExpiresAt}
	}
	return nil
}

// ReleaseLock releases a lock owned by holder. Releasing a lock that is
// already free succeeds. A lock owned by another holder is never released;
// ReleaseLock returns false instead.
func (m *Manager) ReleaseLock(ctx context.Context, id, holder string) (bool, error) {
	cur, version, found, err := m.readLock(ctx, id)
	if err != nil {
		return false, err
	}
	if !found || cur.Holder == "" {
		return true, nil
	}
	if cur.Holder != holder {
		return false, nil
	}
	return m.writeLock(ctx, id, Lock{}, version)
}
