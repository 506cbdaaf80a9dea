package dsp

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// Calibration defaults.
const (
	// MinBaselineRMS is the floor for the calibrated RMS so that derived
	// thresholds are never zero.
	MinBaselineRMS = 1e-6

	defaultPollInterval = 50 * time.Millisecond
	maxCalibrationPolls = 200
	minCalibrationSecs  = 0.5
)

// State is the calibrator lifecycle position.
type State int32

const (
	// StateIdle means calibration has not started.
	StateIdle State = iota
	// StateSampling means ambient audio is being measured.
	StateSampling
	// StateReady means a profile is available.
	StateReady
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Profile is the result of ambient noise calibration. Profiles are
// immutable; recalibration produces a new one.
type Profile struct {
	// BaselineRMS is the mean ambient RMS, floored at [MinBaselineRMS].
	BaselineRMS float32

	// NoiseSpectrum holds FFTSize/2+1 averaged magnitudes, or nil when
	// denoising was disabled or not enough audio was available.
	NoiseSpectrum []float32

	SampleRate   int
	FFTSize      int
	CalibratedAt time.Time
}

// HasSpectrum reports whether the profile can drive a [Denoiser].
func (p *Profile) HasSpectrum() bool {
	return p != nil && len(p.NoiseSpectrum) > 0
}

// DefaultProfile is the fallback used before or without calibration.
func DefaultProfile(sampleRate, fftSize int) *Profile {
	return &Profile{BaselineRMS: MinBaselineRMS, SampleRate: sampleRate, FFTSize: fftSize}
}

// RecentReader exposes the most recent captured samples. [audio.Ring]
// satisfies it.
type RecentReader interface {
	Written() int64
	ExtractChunk(dst []float32, length int, from int64) []float32
}

// CalibratorConfig configures a [Calibrator].
type CalibratorConfig struct {
	SampleRate int

	// Seconds is the sampling duration; values below 0.5 are raised to 0.5.
	Seconds float64

	// Denoise enables the noise spectrum measurement.
	Denoise bool

	// FFTSize must be a power of two when Denoise is set.
	FFTSize int

	// PollInterval is the delay between RMS reads. Defaults to 50ms.
	PollInterval time.Duration
}

// Calibrator measures ambient noise from a [RecentReader]. Its state moves
// Idle → Sampling → Ready and always reaches Ready, even when no samples
// could be read.
type Calibrator struct {
	cfg     CalibratorConfig
	src     RecentReader
	state   atomic.Int32
	profile atomic.Pointer[Profile]
}

// NewCalibrator returns an idle calibrator reading from src.
func NewCalibrator(src RecentReader, cfg CalibratorConfig) *Calibrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Calibrator{cfg: cfg, src: src}
}

// State returns the current lifecycle state.
func (c *Calibrator) State() State { return State(c.state.Load()) }

// Profile returns the last completed profile, or nil before the first run
// finishes.
func (c *Calibrator) Profile() *Profile { return c.profile.Load() }

// Run samples ambient audio for the configured duration and publishes the
// resulting profile. Cancelling ctx ends sampling early; the profile is then
// built from whatever was collected. Run may be called again to recalibrate.
func (c *Calibrator) Run(ctx context.Context) *Profile {
	c.state.Store(int32(StateSampling))
	secs := max(c.cfg.Seconds, minCalibrationSecs)
	deadline := time.Now().Add(time.Duration(secs * float64(time.Second)))

	slog.Info("calibration: sampling ambient noise", "seconds", secs)

	bufLen := c.cfg.SampleRate / 8 // ~125 ms
	var rmsVals []float32
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

poll:
	for polls := 0; polls < maxCalibrationPolls && time.Now().Before(deadline); polls++ {
		if written := c.src.Written(); written > 0 && bufLen > 0 {
			n := int(min(int64(bufLen), written))
			buf := c.src.ExtractChunk(nil, n, written-int64(n))
			rmsVals = append(rmsVals, rms(buf))
		}
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
		}
	}

	p := &Profile{
		BaselineRMS:  MinBaselineRMS,
		SampleRate:   c.cfg.SampleRate,
		FFTSize:      c.cfg.FFTSize,
		CalibratedAt: time.Now(),
	}
	if len(rmsVals) > 0 {
		var sum float32
		for _, v := range rmsVals {
			sum += v
		}
		p.BaselineRMS = max(MinBaselineRMS, sum/float32(len(rmsVals)))
	}

	if c.cfg.Denoise {
		p.NoiseSpectrum = c.noiseSpectrum(secs)
	}

	c.profile.Store(p)
	c.state.Store(int32(StateReady))
	slog.Info("calibration: done",
		"baseline_rms", p.BaselineRMS,
		"reads", len(rmsVals),
		"spectrum_bins", len(p.NoiseSpectrum),
	)
	return p
}

// noiseSpectrum reads clamp(rate*secs, fft, fft*8) recent samples and
// averages their magnitude spectra.
func (c *Calibrator) noiseSpectrum(secs float64) []float32 {
	fft := c.cfg.FFTSize
	if !IsPowerOfTwo(fft) {
		slog.Warn("calibration: fft size is not a power of two, skipping noise spectrum", "fft_size", fft)
		return nil
	}
	want := int(math.Ceil(float64(c.cfg.SampleRate) * secs))
	want = min(max(want, fft), fft*8)

	written := c.src.Written()
	if written <= 0 {
		return nil
	}
	big := c.src.ExtractChunk(nil, want, written-int64(want))
	spec, err := AverageNoiseSpectrum(big, fft)
	if err != nil {
		slog.Warn("calibration: noise spectrum failed", "err", err)
		return nil
	}
	return spec
}

func rms(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
