package store

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

var (
	_ Store        = (*Memory)(nil)
	_ ProfileStore = (*Memory)(nil)
)

// Memory is a map-backed [Store]. Values are lost on exit.
type Memory struct {
	mu      sync.RWMutex
	kv      map[string]string
	profile *dsp.Profile
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{kv: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.kv[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.kv, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Snapshot returns a copy of all keys.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.kv)
}

func (m *Memory) SaveProfile(_ context.Context, p dsp.Profile) error {
	p.NoiseSpectrum = append([]float32(nil), p.NoiseSpectrum...)
	m.mu.Lock()
	m.profile = &p
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadProfile(_ context.Context) (dsp.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.profile == nil {
		return dsp.Profile{}, fmt.Errorf("%w: calibration profile", ErrNotFound)
	}
	p := *m.profile
	p.NoiseSpectrum = append([]float32(nil), p.NoiseSpectrum...)
	return p, nil
}
