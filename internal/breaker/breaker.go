// Package breaker implements a per-provider circuit breaker:
// closed -> open after N consecutive failures -> half-open after the
// timeout elapses, admitting exactly one trial -> closed on trial success,
// or back to open with a doubled timeout on trial failure.
package breaker

import (
	"sync"
	"time"

	"github.com/nulzo/ai-orchestrator/internal/config"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type Breaker struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	lastFailure         time.Time

	threshold   int
	baseTimeout time.Duration
	timeout     time.Duration
	maxTimeout  time.Duration

	// Guards the single half-open trial slot.
	trialClaimed bool

	now func() time.Time
}

func New(cfg config.BreakerConfig) *Breaker {
	b := &Breaker{
		threshold:   cfg.FailureThreshold,
		baseTimeout: cfg.OpenTimeout,
		timeout:     cfg.OpenTimeout,
		maxTimeout:  cfg.MaxOpenTimeout,
		now:         time.Now,
	}
	if b.threshold <= 0 {
		b.threshold = 5
	}
	if b.baseTimeout <= 0 {
		b.baseTimeout = 60 * time.Second
		b.timeout = b.baseTimeout
	}
	if b.maxTimeout <= 0 {
		b.maxTimeout = 10 * time.Minute
	}
	return b
}

// Allow reports whether a call may proceed. When the open timeout has
// elapsed it transitions to half-open and claims the single trial slot for
// the caller; concurrent callers racing for the slot get false.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) < b.timeout {
			return false
		}
		b.state = HalfOpen
		b.trialClaimed = true
		return true
	case HalfOpen:
		if b.trialClaimed {
			return false
		}
		b.trialClaimed = true
		return true
	}
	return false
}

// Cancel releases a trial claim taken by Allow when the caller abandons
// the call without an outcome, so the next caller can claim the trial.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.trialClaimed = false
	}
}

// Record feeds a completed call's outcome into the state machine.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = Closed
		b.consecutiveFailures = 0
		b.timeout = b.baseTimeout
		b.trialClaimed = false
		return
	}

	b.consecutiveFailures++
	b.lastFailure = b.now()

	switch b.state {
	case HalfOpen:
		// Failed trial: back off harder, bounded by the max.
		b.timeout *= 2
		if b.timeout > b.maxTimeout {
			b.timeout = b.maxTimeout
		}
		b.state = Open
		b.trialClaimed = false
	case Closed:
		if b.consecutiveFailures >= b.threshold {
			b.state = Open
		}
	}
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.now().Sub(b.lastFailure) < b.timeout
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetClock injects a clock for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Set is a name-keyed collection of breakers sharing one configuration.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.BreakerConfig
}

func NewSet(cfg config.BreakerConfig) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// For returns the breaker for a provider, creating it on first use.
func (s *Set) For(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	b = New(s.cfg)
	s.breakers[name] = b
	return b
}
