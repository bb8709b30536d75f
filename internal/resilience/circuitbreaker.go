// Package resilience guards calls to remote services with a circuit breaker.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open). After
// MaxFailures consecutive failures it rejects calls with [ErrCircuitOpen] for
// ResetTimeout, then lets up to HalfOpenMax trial calls through to decide
// whether the remote side has recovered.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects a call without running it.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of trial calls.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log messages and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close the
	// breaker again, and the most trials admitted at once. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the guarded call counts
	// against the breaker. Defaults to [DefaultIsFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every state change while the
	// breaker's lock is not held.
	OnStateChange func(name string, from, to State)
}

// DefaultIsFailure counts every error except context cancellation by the
// caller.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	trialsInFlight  int
	trialSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn if the breaker admits the call and records its outcome.
// It returns [ErrCircuitOpen] without calling fn while the breaker is open or
// the half-open trial budget is in use, and ctx's error if ctx is already
// done. The error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.record(trial, cb.cfg.IsFailure(err))
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		change = cb.setStateLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.trialsInFlight >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trialsInFlight++
		return true, nil
	default:
		return false, nil
	}
}

// record applies the outcome of an admitted call.
func (cb *CircuitBreaker) record(trial, failed bool) {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if trial {
		cb.trialsInFlight--
		if cb.state != StateHalfOpen {
			// Another trial already decided the outcome.
			return
		}
		if failed {
			change = cb.setStateLocked(StateOpen)
			return
		}
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.cfg.HalfOpenMax {
			change = cb.setStateLocked(StateClosed)
		}
		return
	}

	if !failed {
		cb.consecutiveFail = 0
		return
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.cfg.MaxFailures {
		change = cb.setStateLocked(StateOpen)
	}
}

// setStateLocked switches to next and resets the counters that belong to it.
// It returns a function that reports the change; the caller runs it after
// releasing cb.mu. Must be called with cb.mu held.
func (cb *CircuitBreaker) setStateLocked(next State) func() {
	prev := cb.state
	cb.state = next
	switch next {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.trialSuccesses = 0
	case StateHalfOpen:
		cb.trialSuccesses = 0
	case StateClosed:
		cb.consecutiveFail = 0
		cb.trialSuccesses = 0
	}
	if prev == next {
		return nil
	}

	name, hook, fails := cb.cfg.Name, cb.cfg.OnStateChange, cb.consecutiveFail
	return func() {
		if next == StateOpen {
			slog.Warn("circuit breaker opened", "name", name, "from", prev.String(), "consecutive_failures", fails)
		} else {
			slog.Info("circuit breaker state changed", "name", name, "from", prev.String(), "to", next.String())
		}
		if hook != nil {
			hook(name, prev, next)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}
