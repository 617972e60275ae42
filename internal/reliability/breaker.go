// Package reliability guards adapter execution: a per-adapter circuit
// breaker and a persisted retry queue with geometric backoff.
package reliability

import (
	"sync"
	"time"

	"vigil/internal/clock"
	"vigil/internal/logging"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed allows all calls.
	StateClosed BreakerState = iota
	// StateOpen blocks calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	ResetTimeout     time.Duration // open duration before probing
	HalfOpenMaxCalls int           // probe budget while half-open

	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns the stock thresholds. Policy constants
// override these at wiring time.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     5 * time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker tracks failures for one adapter. Counts only failed receipts;
// skips never touch the breaker. State is per-process and resets on
// restart, which errs on the side of allowing calls.
type Breaker struct {
	name   string
	config BreakerConfig
	clock  clock.Clock
	logger logging.Logger

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	halfOpenCalls int
	openedAt      time.Time
}

// NewBreaker creates a breaker for the named adapter.
func NewBreaker(name string, config BreakerConfig, clk clock.Clock) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 5 * time.Minute
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &Breaker{
		name:   name,
		config: config,
		clock:  clk,
		logger: logging.NewComponentLogger("CircuitBreaker"),
		state:  StateClosed,
	}
}

// Allow reports whether a call to the adapter may proceed. An open
// breaker transitions to half-open once the reset timeout has elapsed;
// a half-open breaker admits at most HalfOpenMaxCalls probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.config.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// Mark records a call outcome. A success in half-open closes the
// circuit immediately; a failure in half-open reopens it and restarts
// the reset timeout.
func (b *Breaker) Mark(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		b.failureCount = 0
		return
	}

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	case StateOpen:
		// Late failure from a call admitted before opening. No-op.
	}
}

// State returns the current state, applying the open-to-half-open
// timeout check without consuming a probe slot.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.config.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.clock.Now()
	b.failureCount = 0
	b.halfOpenCalls = 0
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Warn("Breaker %s: %s -> %s", b.name, from, to)
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}

// BreakerManager holds one breaker per adapter name.
type BreakerManager struct {
	config BreakerConfig
	clock  clock.Clock

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerManager creates a manager that lazily builds breakers with
// the given config.
func NewBreakerManager(config BreakerConfig, clk clock.Clock) *BreakerManager {
	return &BreakerManager{
		config:   config,
		clock:    clk,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the adapter, creating it on first use.
func (m *BreakerManager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = NewBreaker(name, m.config, m.clock)
		m.breakers[name] = b
	}
	return b
}

// States returns the current state of every known breaker.
func (m *BreakerManager) States() map[string]BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]BreakerState, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
