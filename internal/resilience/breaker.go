// Package resilience wraps calls to external services with retries, circuit
// breakers and a dead letter queue for work that could not be finished.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down has passed.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = eris.New("resilience: circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening, default 5
	CoolDown         time.Duration // time spent open before probing, default 30s
	Probes           int           // successful probes needed to close, default 1

	// Counts optionally filters which errors count as failures. Nil counts all.
	Counts func(err error) bool
	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the breaker settings used for OCR and platform calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, CoolDown: 30 * time.Second, Probes: 1}
}

// CircuitBreaker guards a single upstream service.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a named breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	d := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = d.CoolDown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = d.Probes
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the service the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state, reporting half-open once the cool-down of
// an open breaker has passed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.CoolDown {
		return BreakerHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.successes = 0, 0
	cb.moveTo(BreakerClosed)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.cfg.CoolDown {
		return eris.Wrapf(ErrCircuitOpen, "resilience: %s", cb.name)
	}
	cb.successes = 0
	cb.moveTo(BreakerHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.Counts(err) {
		switch cb.state {
		case BreakerHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.Probes {
				cb.failures, cb.successes = 0, 0
				cb.moveTo(BreakerClosed)
			}
		case BreakerClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch {
	case cb.state == BreakerHalfOpen,
		cb.state == BreakerClosed && cb.failures >= cb.cfg.FailureThreshold:
		cb.openedAt = cb.now()
		cb.moveTo(BreakerOpen)
	}
}

func (cb *CircuitBreaker) moveTo(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	zap.L().Info("circuit breaker state change",
		zap.String("service", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// Breakers is a registry of per-service circuit breakers.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty registry; every breaker it creates uses cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for service, creating it on first use.
func (b *Breakers) Get(service string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[service]
	if !ok {
		cb = NewCircuitBreaker(service, b.cfg)
		b.breakers[service] = cb
	}
	return cb
}

// States returns a snapshot of every breaker state keyed by service.
func (b *Breakers) States() map[string]string {
	b.mu.Lock()
	names := make([]string, 0, len(b.breakers))
	for name := range b.breakers {
		names = append(names, name)
	}
	b.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = b.Get(name).State().String()
	}
	return out
}
