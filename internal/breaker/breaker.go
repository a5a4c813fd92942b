// Package breaker implements the circuit breaker that guards calls to
// unreliable downstream dependencies (OCR tool invocations, processing-agent
// HTTP calls). One breaker instance is shared by all callers of a call-site.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without executing it.
var ErrOpen = errors.New("circuit breaker is open: service temporarily unavailable")

// State of the breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenTimeout  time.Duration
}

// StateFunc is notified on every state change, e.g. to update a metrics gauge.
type StateFunc func(State)

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu sync.Mutex

	cfg         Config
	failures    int
	lastFailure time.Time
	state       State

	onState StateFunc
	now     func() time.Time
}

// New creates a breaker in the closed state. onState may be nil.
func New(cfg Config, onState StateFunc) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenTimeout <= 0 {
		cfg.HalfOpenTimeout = 30 * time.Second
	}
	b := &Breaker{
		cfg:     cfg,
		state:   StateClosed,
		onState: onState,
		now:     time.Now,
	}
	b.notify(StateClosed)
	return b
}

// State returns the current state, applying any pending open -> half-open
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	default:
		// half-open: admit calls only once the half-open window since the
		// last failure has elapsed.
		return b.now().Sub(b.lastFailure) >= b.cfg.HalfOpenTimeout
	}
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		slog.Info("circuit breaker transitioning from open to half-open")
		b.setStateLocked(StateHalfOpen)
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		slog.Info("circuit breaker closing after successful execution")
		b.setStateLocked(StateClosed)
	}
}

// RecordFailure counts a failure and opens the breaker once the threshold of
// consecutive failures is reached. A failure in half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			slog.Warn("circuit breaker opened", "failures", b.failures)
		}
		b.setStateLocked(StateOpen)
	}
}

func (b *Breaker) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.notify(s)
}

func (b *Breaker) notify(s State) {
	if b.onState != nil {
		b.onState(s)
	}
}

// Do executes fn under the breaker. Rejected calls return ErrOpen without
// invoking fn; the outcome of executed calls is recorded.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
