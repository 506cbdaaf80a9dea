package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is wrapped when no entry of a [FallbackGroup] produced a
// result. The individual errors are joined into the same error.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig is the template for the breaker of every entry. Its Name
// is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own breaker. Members are added during setup; Add must not race with
// [Try].
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a member tried after all earlier ones.
func (g *FallbackGroup[T]) Add(name string, v T) {
	cb := g.cfg.CircuitBreaker
	cb.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cb)})
}

// Len is the number of members.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// Status reports each member's breaker in order.
func (g *FallbackGroup[T]) Status() []Status {
	out := make([]Status, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.breaker.Status())
	}
	return out
}

// Reset closes every breaker.
func (g *FallbackGroup[T]) Reset() {
	for _, m := range g.members {
		m.breaker.Reset()
	}
}

// Try calls fn on each member whose breaker admits it until one succeeds and
// returns its result with the member name. A cancelled or expired context
// ends the walk at once since every later member would see the same context.
func Try[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			return out, m.name, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, m.name, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: skipping provider with open circuit", "provider", m.name)
		default:
			slog.Warn("resilience: provider failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
