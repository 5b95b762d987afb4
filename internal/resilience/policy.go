// Package resilience provides retry-with-backoff and circuit-breaker
// primitives, grouped per failure domain.
//
// Every external call is expected to go through Layer.Call, which wraps
// the operation as breaker(domain, retry(op, policy(domain))). An open
// breaker rejects a call without consuming any retry budget.
package resilience

import (
	"math"
	"time"
)

// Domain names a failure domain with its own retry policy and breaker.
type Domain string

const (
	DomainStageExecutor Domain = "stage-executor"
	DomainPersistence   Domain = "persistence"
)

// RetryPolicy controls how often and how fast an operation is retried.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts, the first one included.
	// Values <= 0 are treated as 1.
	MaxRetries int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// Multiplier grows the delay each attempt. Values <= 0 default to 2.
	Multiplier float64

	// MaxDelay caps every delay, jitter included. 0 means no cap.
	MaxDelay time.Duration

	// Jitter adds a random duration in [0, delay) to each delay.
	Jitter bool
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay doubling up to 60s,
// with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     time.Minute,
		Jitter:       true,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries <= 0 {
		return 1
	}
	return p.MaxRetries
}

// Delay returns the delay before retry n (1-indexed, so Delay(1) is the wait
// after the first failure), without jitter:
//
//	min(InitialDelay * Multiplier^(n-1), MaxDelay)
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// CircuitConfig controls a circuit breaker.
type CircuitConfig struct {
	// FailureThreshold is the number of failures within Window that opens
	// the breaker. Values <= 0 default to 5.
	FailureThreshold int

	// Timeout is how long the breaker stays open before admitting a trial.
	Timeout time.Duration

	// HalfOpenTimeout bounds the single trial call. 0 means unbounded.
	HalfOpenTimeout time.Duration

	// Window is the rolling observation window for failures. 0 counts
	// failures until the next success.
	Window time.Duration
}

// DefaultCircuitConfig returns the breaker settings used when a domain has
// none configured.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		HalfOpenTimeout:  10 * time.Second,
		Window:           time.Minute,
	}
}

func (c CircuitConfig) threshold() int {
	if c.FailureThreshold <= 0 {
		return 5
	}
	return c.FailureThreshold
}

// DomainConfig bundles the settings of one failure domain.
type DomainConfig struct {
	Retry   RetryPolicy
	Circuit CircuitConfig
}

// DefaultDomainConfig returns the default retry policy and breaker settings.
func DefaultDomainConfig() DomainConfig {
	return DomainConfig{
		Retry:   DefaultRetryPolicy(),
		Circuit: DefaultCircuitConfig(),
	}
}
