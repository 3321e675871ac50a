package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BreakerState identifies the circuit breaker state machine position.
type BreakerState string

const (
	// BreakerClosed is normal operation; calls pass through.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects all calls immediately.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets probe calls through to test recovery.
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit from the closed state.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that
	// close the circuit.
	SuccessThreshold int
	// MaxConcurrent caps in-flight calls through this breaker. Zero means
	// the default of 10.
	MaxConcurrent int
	// RateLimit is an optional requests-per-second ceiling for the service
	// behind this breaker. Zero disables rate limiting.
	RateLimit rate.Limit
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 1,
		MaxConcurrent:    10,
	}
}

// Breaker is a three-state circuit breaker guarding one logical external
// service. State updates are guarded by a mutex so the breaker is safe for
// concurrent use from multiple branches.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time

	sem     chan struct{}
	limiter *rate.Limiter
}

// NewBreaker constructs a breaker for the named service.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		sem:   make(chan struct{}, cfg.MaxConcurrent),
	}
	if cfg.RateLimit > 0 {
		b.limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}
	return b
}

// Name returns the service name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn through the breaker. When the circuit is open it returns a
// typed circuit-open failure carrying the time until the next probe; it never
// invokes fn in that case. Concurrency and rate caps apply before fn runs.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		return Classify(ctx.Err())
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return Classify(err)
		}
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ForceOpen trips the circuit immediately. Used by operators and tests to
// take a failing service out of rotation.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerOpen
	b.lastFailure = time.Now()
}

// Reset returns the breaker to the closed state and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
}

// allow checks admission and handles the open → half-open transition.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	elapsed := time.Since(b.lastFailure)
	if elapsed >= b.cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		return nil
	}
	return circuitOpenFailure(b.name, b.cfg.RecoveryTimeout-elapsed)
}

// record applies the state machine transitions after a call completes.
// Validation failures do not count against the service: the request was
// malformed, the service is healthy.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || IsKind(err, KindValidationError) || IsKind(err, KindNoResults) {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = BreakerClosed
				b.failures = 0
				b.successes = 0
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}
	b.lastFailure = time.Now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
	}
}

// BreakerRegistry hands out one breaker per named service so all calls to a
// service share failure accounting.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerRegistry constructs a registry whose breakers use cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the named service, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// States returns a snapshot of every registered breaker's state, keyed by
// service name.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
