// Package vad defines the Detector interface for chunk-level Voice Activity
// Detection and a small stateful speaking indicator.
//
// A Detector classifies a whole chunk as speech or silence. It is stateless
// across chunks: there is no hangover or debounce, so a chunk is judged
// purely on its own frames. Callers that want smoothed speaking/silent
// transitions use [Indicator] instead, which exists for status display and
// does not gate transcription.
//
// Detector implementations must be safe for concurrent use; the calibrated
// baseline may be updated from another goroutine while chunks are being
// classified.
package vad

import "errors"

// ErrInvalidConfig is returned by an Engine for out-of-range parameters.
var ErrInvalidConfig = errors.New("vad: invalid config")

// Config holds the detector parameters.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Frame length is derived from
	// it as max(64, SampleRate/100) samples (about 10 ms).
	SampleRate int

	// ThresholdMultiplier scales the calibrated baseline RMS to obtain the
	// per-frame speech threshold. Typical: 1.6.
	ThresholdMultiplier float64

	// MinSpeechFraction is the fraction of frames that must exceed the
	// threshold for the chunk to count as speech. Range: (0.0, 1.0].
	// Typical: 0.08.
	MinSpeechFraction float64
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rate must be positive"))
	}
	if c.ThresholdMultiplier <= 0 {
		errs = append(errs, errors.New("threshold multiplier must be positive"))
	}
	if c.MinSpeechFraction <= 0 || c.MinSpeechFraction > 1 {
		errs = append(errs, errors.New("min speech fraction must be within (0, 1]"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Decision is the classification of a single chunk.
type Decision struct {
	// Speech is true when SpeechFraction >= MinSpeechFraction and at least
	// one frame reached the threshold.
	Speech bool

	// SpeechFraction is the fraction of frames at or above Threshold.
	SpeechFraction float64

	// Threshold is the per-frame RMS threshold that was applied.
	Threshold float32

	// Frames is the number of whole frames in the chunk. Trailing samples
	// short of a frame are ignored.
	Frames int
}

// Detector classifies chunks of mono float samples.
type Detector interface {
	// Classify splits samples into frames and decides whether the chunk
	// holds speech. It never blocks.
	Classify(samples []float32) Decision

	// SetBaseline replaces the calibrated ambient RMS used to derive the
	// threshold.
	SetBaseline(rms float32)
}

// Engine is the factory for detectors.
type Engine interface {
	// NewDetector returns a detector for cfg. Returns an error wrapping
	// [ErrInvalidConfig] if cfg is out of range.
	NewDetector(cfg Config) (Detector, error)
}
