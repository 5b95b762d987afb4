package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/stagewise/pkg/api"
)

// State is the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitState is a snapshot of a breaker.
type CircuitState struct {
	Domain      Domain
	State       State
	Failures    int
	LastFailure time.Time
	OpenedAt    time.Time
}

// Breaker is the circuit breaker of one failure domain. It is safe for
// concurrent use; all state changes happen under its mutex.
type Breaker struct {
	domain Domain
	cfg    CircuitConfig
	now    func() time.Time

	// onChange, if set, is called after every state transition, outside
	// the lock.
	onChange func(domain Domain, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	windowStart time.Time
	lastFailure time.Time
	openedAt    time.Time
	trial       bool
}

// NewBreaker returns a closed breaker for domain.
func NewBreaker(domain Domain, cfg CircuitConfig) *Breaker {
	return &Breaker{
		domain: domain,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Execute runs op if the breaker admits it and records the outcome.
//
// CLOSED admits every call. OPEN rejects with *api.CircuitOpenError until
// Timeout has elapsed, then becomes HALF_OPEN and admits exactly one trial,
// bounded by HalfOpenTimeout. Other calls are rejected while the trial runs.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	callCtx := ctx
	if trial && b.cfg.HalfOpenTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.HalfOpenTimeout)
		defer cancel()
	}

	err = op(callCtx)
	b.record(ctx, trial, err)
	return err
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		Domain:      b.domain,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil

	case StateOpen:
		now := b.now()
		if wait := b.openedAt.Add(b.cfg.Timeout).Sub(now); wait > 0 {
			b.mu.Unlock()
			return false, &api.CircuitOpenError{Domain: string(b.domain), RetryAfter: wait}
		}
		b.trial = true
		b.transition(StateHalfOpen)
		return true, nil

	default: // half-open
		if b.trial {
			b.mu.Unlock()
			return false, &api.CircuitOpenError{Domain: string(b.domain)}
		}
		b.trial = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) record(ctx context.Context, trial bool, err error) {
	b.mu.Lock()

	now := b.now()
	failure := countsAsFailure(ctx, err)

	if trial {
		b.trial = false
		switch {
		case failure:
			b.failures++
			b.lastFailure = now
			b.openedAt = now
			b.transition(StateOpen)
		case err != nil && ctx.Err() != nil:
			// Caller went away mid-trial; the dependency was not judged.
			b.transition(StateOpen)
		default:
			b.failures = 0
			b.transition(StateClosed)
		}
		return
	}

	// A call admitted while closed may finish after the breaker opened.
	if b.state != StateClosed {
		b.mu.Unlock()
		return
	}

	if err == nil {
		b.failures = 0
		b.mu.Unlock()
		return
	}
	if !failure {
		b.mu.Unlock()
		return
	}

	if b.cfg.Window > 0 && b.failures > 0 && now.Sub(b.windowStart) > b.cfg.Window {
		b.failures = 0
	}
	if b.failures == 0 {
		b.windowStart = now
	}
	b.failures++
	b.lastFailure = now

	if b.failures >= b.cfg.threshold() {
		b.openedAt = now
		b.transition(StateOpen)
		return
	}
	b.mu.Unlock()
}

// transition changes the state and releases the lock. Callers must hold
// b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	onChange := b.onChange
	b.mu.Unlock()

	if onChange != nil && from != to {
		onChange(b.domain, from, to)
	}
}

// countsAsFailure reports whether err says something about the health of
// the dependency. Coordination signals and input problems do not.
func countsAsFailure(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if api.IsPermanent(err) {
		return false
	}
	if errors.Is(err, api.ErrVersionConflict) ||
		errors.Is(err, api.ErrNotFound) ||
		errors.Is(err, api.ErrAlreadyExists) ||
		errors.Is(err, api.ErrInvalidTransition) {
		return false
	}

	var (
		execErr *api.ExecutorError
		lockErr *api.LockConflictError
		valErr  *api.ValidationError
		trErr   *api.TransformationError
		openErr *api.CircuitOpenError
	)
	switch {
	case errors.As(err, &execErr) && execErr.Permanent:
		return false
	case errors.As(err, &lockErr), errors.As(err, &valErr),
		errors.As(err, &trErr), errors.As(err, &openErr):
		return false
	}
	return true
}
