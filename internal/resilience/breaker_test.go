package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/stagewise/pkg/api"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(clk *fakeClock, cfg CircuitConfig) *Breaker {
	b := NewBreaker(DomainStageExecutor, cfg)
	b.now = clk.Now
	return b
}

var errDown = errors.New("executor down")

func failing(ctx context.Context) error { return errDown }
func succeeding(ctx context.Context) error { return nil }

func TestBreaker_OpensAtThresholdAndRejectsWithoutInvoking(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 3, Timeout: 30 * time.Second})

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failing); !errors.Is(err, errDown) {
			t.Fatalf("call %d: expected errDown, got %v", i+1, err)
		}
	}
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %s", got)
	}

	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatalf("open breaker must not invoke the operation")
	}
	var openErr *api.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError, got %T: %v", err, err)
	}
	if openErr.Domain != string(DomainStageExecutor) {
		t.Fatalf("unexpected domain %q", openErr.Domain)
	}
	if openErr.RetryAfter != 30*time.Second {
		t.Fatalf("expected RetryAfter 30s, got %s", openErr.RetryAfter)
	}
}

func TestBreaker_ExactlyOneTrialAfterTimeout(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 3, Timeout: 30 * time.Second})

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}

	clk.Advance(29 * time.Second)
	if err := b.Execute(context.Background(), succeeding); err == nil {
		t.Fatalf("expected rejection before timeout elapsed")
	}

	clk.Advance(time.Second)

	trials := 0
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		trials++
		if got := b.Snapshot().State; got != StateHalfOpen {
			t.Errorf("expected HALF_OPEN during trial, got %s", got)
		}

		// A concurrent call while the trial runs is rejected.
		invoked := false
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			invoked = true
			return nil
		})
		var openErr *api.CircuitOpenError
		if !errors.As(err, &openErr) || invoked {
			t.Errorf("expected second call to be rejected during the trial, got %v (invoked=%v)", err, invoked)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trial failed: %v", err)
	}
	if trials != 1 {
		t.Fatalf("expected exactly one trial, got %d", trials)
	}

	snap := b.Snapshot()
	if snap.State != StateClosed || snap.Failures != 0 {
		t.Fatalf("expected CLOSED with cleared failures, got %s/%d", snap.State, snap.Failures)
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 1, Timeout: 10 * time.Second})

	_ = b.Execute(context.Background(), failing)
	clk.Advance(10 * time.Second)

	if err := b.Execute(context.Background(), failing); !errors.Is(err, errDown) {
		t.Fatalf("expected trial to run and fail, got %v", err)
	}
	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("expected OPEN after failed trial, got %s", snap.State)
	}
	if !snap.OpenedAt.Equal(clk.Now()) {
		t.Fatalf("expected open timer to restart at %s, got %s", clk.Now(), snap.OpenedAt)
	}

	var openErr *api.CircuitOpenError
	if err := b.Execute(context.Background(), succeeding); !errors.As(err, &openErr) {
		t.Fatalf("expected rejection after reopen, got %v", err)
	}
}

func TestBreaker_TrialIsBoundedByHalfOpenTimeout(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 1, Timeout: time.Second, HalfOpenTimeout: 50 * time.Millisecond})

	_ = b.Execute(context.Background(), failing)
	clk.Advance(time.Second)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("expected the trial context to carry a deadline")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if got := b.Snapshot().State; got != StateOpen {
		t.Fatalf("a timed out trial must reopen the breaker, got %s", got)
	}
}

func TestBreaker_CallerCancellationDuringTrialIsNotPenalised(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = b.Execute(context.Background(), failing)
	openedAt := b.Snapshot().OpenedAt
	clk.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	snap := b.Snapshot()
	if snap.State != StateOpen || !snap.OpenedAt.Equal(openedAt) {
		t.Fatalf("expected OPEN with the original timer, got %s opened at %s", snap.State, snap.OpenedAt)
	}

	// The timeout has already elapsed, so the next caller gets the trial.
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("expected the next trial to be admitted, got %v", err)
	}
	if got := b.Snapshot().State; got != StateClosed {
		t.Fatalf("expected CLOSED, got %s", got)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 3, Timeout: time.Minute})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), succeeding)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)

	snap := b.Snapshot()
	if snap.State != StateClosed || snap.Failures != 2 {
		t.Fatalf("expected CLOSED with 2 failures, got %s/%d", snap.State, snap.Failures)
	}
}

func TestBreaker_FailuresOutsideWindowAreForgotten(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 3, Timeout: time.Minute, Window: 10 * time.Second})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	clk.Advance(11 * time.Second)
	_ = b.Execute(context.Background(), failing)

	snap := b.Snapshot()
	if snap.State != StateClosed || snap.Failures != 1 {
		t.Fatalf("expected CLOSED with 1 failure in the new window, got %s/%d", snap.State, snap.Failures)
	}
}

func TestBreaker_CoordinationErrorsDoNotCount(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 2, Timeout: time.Minute})

	errs := []error{
		api.ErrVersionConflict,
		api.ErrNotFound,
		&api.LockConflictError{WorkflowID: "wf"},
		&api.ValidationError{Stage: api.StageWriter},
		&api.TransformationError{From: api.StageResearch, To: api.StageWriter},
	}
	for _, e := range errs {
		e := e
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return e })
	}

	if snap := b.Snapshot(); snap.State != StateClosed || snap.Failures != 0 {
		t.Fatalf("expected CLOSED with no failures, got %s/%d", snap.State, snap.Failures)
	}
}

func TestBreaker_InputFailuresDoNotCount(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk, CircuitConfig{FailureThreshold: 2, Timeout: time.Minute})

	errs := []error{
		api.Permanent(errors.New("no research material")),
		fmt.Errorf("retrieve: %w", api.Permanent(errors.New("empty query"))),
		&api.ExecutorError{Stage: api.StageResearch, Err: errors.New("bad input"), Permanent: true},
	}
	for _, e := range errs {
		e := e
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return e })
	}
	if snap := b.Snapshot(); snap.State != StateClosed || snap.Failures != 0 {
		t.Fatalf("expected CLOSED with no failures, got %s/%d", snap.State, snap.Failures)
	}

	calls := 0
	if err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}); err != nil || calls != 1 {
		t.Fatalf("expected healthy call to pass through, err=%v calls=%d", err, calls)
	}

	// A transient executor failure still counts.
	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return &api.ExecutorError{Stage: api.StageResearch, Err: errDown}
	})
	if snap := b.Snapshot(); snap.Failures != 1 {
		t.Fatalf("expected transient failure to count, got %d", snap.Failures)
	}
}
