package resilience

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/petrijr/stagewise/pkg/api"
)

// Retrier runs operations under a RetryPolicy.
type Retrier struct {
	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter returns a duration in [0, d).
	jitter func(d time.Duration) time.Duration
	now    func() time.Time

	// onRetry, if set, is called before each backoff sleep.
	onRetry func(attempt int, delay time.Duration, err error)
}

// NewRetrier returns a Retrier that sleeps on real timers.
func NewRetrier() *Retrier {
	return &Retrier{
		sleep:  sleepContext,
		jitter: randomJitter,
		now:    time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d))) //nolint:gosec // jitter does not need crypto rand
}

// Delay returns the wait before retry n, jitter included, capped at
// MaxDelay.
func (r *Retrier) Delay(p RetryPolicy, n int) time.Duration {
	d := p.Delay(n)
	if p.Jitter {
		d += r.jitter(d)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do invokes op until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts. Exhaustion returns *api.RetryExhaustedError
// wrapping the last failure. If ctx ends during a backoff sleep, the context
// error is returned.
func (r *Retrier) Do(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	attempts := p.attempts()
	start := r.now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !api.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		delay := r.Delay(p, attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry interrupted after %d attempts (last error: %v): %w", attempt, lastErr, err)
		}
	}

	return &api.RetryExhaustedError{
		Attempts: attempts,
		Elapsed:  r.now().Sub(start),
		Err:      lastErr,
	}
}
