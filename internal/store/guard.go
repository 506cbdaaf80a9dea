package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

// Guard wraps a [Store] and makes writes non-fatal. A failing backend is
// logged and marked degraded instead of stopping the pipeline; reads still
// return their errors so callers can fall back to config values.
//
// Guard implements [Store] and, when the wrapped store does, [ProfileStore].
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

// NewGuard creates a new [Guard] wrapping s.
func NewGuard(s Store) *Guard {
	return &Guard{store: s}
}

// Get reads key. Backend failures other than [ErrNotFound] mark the store
// as degraded.
func (g *Guard) Get(ctx context.Context, key string) (string, error) {
	v, err := g.store.Get(ctx, key)
	g.observe("Get", key, err)
	return v, err
}

// Set writes key. On failure the error is logged and swallowed.
func (g *Guard) Set(ctx context.Context, key, value string) error {
	g.observe("Set", key, g.store.Set(ctx, key, value))
	return nil
}

// Delete removes key. On failure the error is logged and swallowed.
func (g *Guard) Delete(ctx context.Context, key string) error {
	g.observe("Delete", key, g.store.Delete(ctx, key))
	return nil
}

// Close closes the wrapped store.
func (g *Guard) Close() error { return g.store.Close() }

// SaveProfile persists p if the wrapped store supports profiles. Failures
// are logged and swallowed.
func (g *Guard) SaveProfile(ctx context.Context, p dsp.Profile) error {
	ps, ok := g.store.(ProfileStore)
	if !ok {
		return nil
	}
	g.observe("SaveProfile", "", ps.SaveProfile(ctx, p))
	return nil
}

// LoadProfile returns the saved profile, or [ErrNotFound] when there is
// none or the wrapped store cannot keep one.
func (g *Guard) LoadProfile(ctx context.Context) (dsp.Profile, error) {
	ps, ok := g.store.(ProfileStore)
	if !ok {
		return dsp.Profile{}, ErrNotFound
	}
	p, err := ps.LoadProfile(ctx)
	g.observe("LoadProfile", "", err)
	return p, err
}

// IsDegraded reports whether the last backend operation failed.
func (g *Guard) IsDegraded() bool { return g.degraded.Load() }

func (g *Guard) observe(op, key string, err error) {
	if err == nil || errors.Is(err, ErrNotFound) {
		g.degraded.Store(false)
		return
	}
	g.degraded.Store(true)
	slog.Warn("store: operation failed", "op", op, "key", key, "err", err)
}
