package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config configures a Layer. Zero values fall back to defaults.
type Config struct {
	// Domains holds per-domain settings. Domains not listed use
	// DefaultDomainConfig.
	Domains map[Domain]DomainConfig

	Logger *slog.Logger

	// Now, Sleep and Jitter replace the real clock in tests.
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(d time.Duration) time.Duration
}

// Layer owns one breaker per failure domain and wraps calls as
// breaker(retry(op)).
type Layer struct {
	domains map[Domain]DomainConfig
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(d time.Duration) time.Duration

	mu       sync.Mutex
	breakers map[Domain]*Breaker
}

// NewLayer returns a Layer configured by cfg.
func NewLayer(cfg Config) *Layer {
	l := &Layer{
		domains:  make(map[Domain]DomainConfig, len(cfg.Domains)),
		logger:   cfg.Logger,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
		jitter:   cfg.Jitter,
		breakers: make(map[Domain]*Breaker),
	}
	for d, dc := range cfg.Domains {
		l.domains[d] = dc
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = sleepContext
	}
	if l.jitter == nil {
		l.jitter = randomJitter
	}
	return l
}

// Call runs op in domain: the breaker is consulted first and the retry
// policy runs inside it, so an open breaker costs no attempts.
func (l *Layer) Call(ctx context.Context, domain Domain, op func(ctx context.Context) error) error {
	return l.Breaker(domain).Execute(ctx, func(ctx context.Context) error {
		return l.retrier(domain).Do(ctx, l.config(domain).Retry, op)
	})
}

// Retry runs op under the retry policy of domain without consulting the
// breaker.
func (l *Layer) Retry(ctx context.Context, domain Domain, op func(ctx context.Context) error) error {
	return l.retrier(domain).Do(ctx, l.config(domain).Retry, op)
}

// Breaker returns the breaker of domain, creating it on first use.
func (l *Layer) Breaker(domain Domain) *Breaker {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.breakers[domain]; ok {
		return b
	}
	b := NewBreaker(domain, l.config(domain).Circuit)
	b.now = l.now
	b.onChange = func(d Domain, from, to State) {
		l.logger.Warn("circuit_state_change",
			slog.String("domain", string(d)),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}
	l.breakers[domain] = b
	return b
}

// State returns a snapshot of the breaker of domain.
func (l *Layer) State(domain Domain) CircuitState {
	return l.Breaker(domain).Snapshot()
}

func (l *Layer) config(domain Domain) DomainConfig {
	if dc, ok := l.domains[domain]; ok {
		return dc
	}
	return DefaultDomainConfig()
}

func (l *Layer) retrier(domain Domain) *Retrier {
	return &Retrier{
		sleep:  l.sleep,
		jitter: l.jitter,
		now:    l.now,
		onRetry: func(attempt int, delay time.Duration, err error) {
			l.logger.Info("retry_scheduled",
				slog.String("domain", string(domain)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}
}
