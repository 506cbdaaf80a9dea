// Package resilience keeps a failing transcription or intent backend from
// being hit by every speech chunk.
//
// [CircuitBreaker] is a closed/open/half-open breaker. [FallbackGroup] puts
// one breaker in front of each of several backends of the same kind and
// walks them in order; [TranscriberFallback] is that group for one-shot
// transcription.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is wrapped by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets a few probe calls through to decide between closed
	// and open.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines, errors and status output.
	Name string

	// MaxFailures in a row open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax probes must succeed to close again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts. The default ignores
	// context.Canceled, which means the session stopped, not that the
	// backend broke.
	IsFailure func(error) bool

	// OnStateChange is called on every transition with the breaker lock
	// held. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Status is a snapshot of a breaker for /status and the MCP tools.
type Status struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// CircuitBreaker counts consecutive failures of one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int // in flight or finished while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker is open. A rejected call returns an
// error wrapping [ErrCircuitOpen] and fn is not called.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil:
		cb.succeeded(probe)
	case cb.cfg.IsFailure(err):
		cb.failed(probe)
	case probe:
		// Neutral outcome: hand the probe slot back.
		cb.probes--
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// failed and succeeded run with cb.mu held.
func (cb *CircuitBreaker) failed(probe bool) {
	cb.openedAt = cb.cfg.Now()
	if probe {
		cb.failures = cb.cfg.MaxFailures
		cb.setState(StateOpen)
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) succeeded(probe bool) {
	if !probe {
		cb.failures = 0
		return
	}
	// A failed probe reopens the breaker immediately, so reaching the limit
	// here means every probe succeeded.
	if cb.state == StateHalfOpen && cb.probes >= cb.cfg.HalfOpenMax {
		cb.failures = 0
		cb.setState(StateClosed)
	}
}

// setState records a transition, logs it and notifies the hook.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.probes = 0

	switch to {
	case StateOpen:
		slog.Warn("resilience: circuit opened", "name", cb.cfg.Name, "from", from.String(), "consecutive_failures", cb.failures)
	default:
		slog.Info("resilience: circuit "+to.String(), "name", cb.cfg.Name, "from", from.String())
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState()
}

func (cb *CircuitBreaker) effectiveState() State {
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Status returns a snapshot.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Status{
		Name:                cb.cfg.Name,
		State:               cb.effectiveState().String(),
		ConsecutiveFailures: cb.failures,
	}
}

// Reset closes the breaker and clears its counters, e.g. after the API key
// changed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(StateClosed)
}
