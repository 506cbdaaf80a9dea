// Package store persists user preferences, the calibration profile and the
// command event journal.
//
// [Store] is a small string key/value interface with three backends: an
// in-process map ([Memory]), embedded SQLite (package sqlite) and
// PostgreSQL (package postgres). Backends that can also keep the noise
// profile implement [ProfileStore].
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

// ErrNotFound is returned when a key or profile does not exist.
var ErrNotFound = errors.New("store: not found")

// Well-known preference keys.
const (
	KeyMicDeviceIndex   = "user-mic-device-index"
	KeyOpenAIAPIKey     = "OPENAI_API_KEY"
	KeyElevenLabsAPIKey = "ELEVENLABS_API_KEY"
)

// Store is a string key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key or an error wrapping [ErrNotFound].
	Get(ctx context.Context, key string) (string, error)

	// Set creates or replaces key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// ProfileStore keeps the most recent calibration profile.
type ProfileStore interface {
	SaveProfile(ctx context.Context, p dsp.Profile) error

	// LoadProfile returns the saved profile or an error wrapping
	// [ErrNotFound].
	LoadProfile(ctx context.Context) (dsp.Profile, error)
}

// GetInt reads key as an integer. ok is false when the key is missing or
// not a number.
func GetInt(ctx context.Context, s Store, key string) (v int, ok bool, err error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, false, nil
	}
	return v, true, nil
}

// profileRecord is the JSON form used by backends without a native vector
// type.
type profileRecord struct {
	BaselineRMS   float32   `json:"baseline_rms"`
	NoiseSpectrum []float32 `json:"noise_spectrum,omitempty"`
	SampleRate    int       `json:"sample_rate"`
	FFTSize       int       `json:"fft_size"`
	CalibratedAt  time.Time `json:"calibrated_at"`
}

// EncodeProfile marshals p to JSON.
func EncodeProfile(p dsp.Profile) ([]byte, error) {
	data, err := json.Marshal(profileRecord(p))
	if err != nil {
		return nil, fmt.Errorf("store: encode profile: %w", err)
	}
	return data, nil
}

// DecodeProfile is the inverse of [EncodeProfile].
func DecodeProfile(data []byte) (dsp.Profile, error) {
	var r profileRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return dsp.Profile{}, fmt.Errorf("store: decode profile: %w", err)
	}
	return dsp.Profile(r), nil
}
