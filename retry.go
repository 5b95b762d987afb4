package stagewise

import (
	"time"

	"github.com/petrijr/stagewise/internal/resilience"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use in Options.Resilience.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxRetries (the total number
// of attempts) and the default delays.
//
// maxRetries <= 0 is treated as 1 (no retries).
func Retry(maxRetries int) RetryBuilder {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	p := DefaultRetryPolicy()
	p.MaxRetries = maxRetries
	return RetryBuilder{policy: p}
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay doubling up to
// 60s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return DomainDefaults().Retry
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay after the first failure.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialDelay = initial
	p.MaxDelay = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.Multiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between attempts.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialDelay = delay
	p.MaxDelay = 0
	p.Multiplier = 1.0
	return RetryBuilder{policy: p}
}

// WithJitter toggles full jitter on the computed delays.
func (r RetryBuilder) WithJitter(on bool) RetryBuilder {
	p := r.policy
	p.Jitter = on
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between attempts.
// Attempts are still bounded by MaxRetries.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialDelay = 0
	p.MaxDelay = 0
	p.Jitter = false
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// DomainDefaults returns the retry policy and breaker settings a domain
// uses when Options.Resilience does not list it.
func DomainDefaults() DomainConfig {
	return resilience.DefaultDomainConfig()
}
