// Package energy provides a frame-energy voice activity detector. A chunk is
// split into ~10 ms frames and counted as speech when enough frames exceed a
// threshold derived from the calibrated ambient RMS.
package energy

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/MrWong99/voxcmd/pkg/provider/vad"
)

const (
	// minFrameSamples is the smallest frame the detector will use.
	minFrameSamples = 64

	// thresholdFloor keeps a zero baseline from classifying silence as speech.
	thresholdFloor = 1e-6
)

var (
	_ vad.Engine   = Engine{}
	_ vad.Detector = (*Detector)(nil)
)

// Engine creates energy detectors.
type Engine struct{}

// NewDetector returns a [Detector] for cfg with a baseline of 0 until
// [Detector.SetBaseline] is called.
func (Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	return New(cfg)
}

// Detector implements vad.Detector using per-frame RMS.
type Detector struct {
	frameSize  int
	multiplier float64
	minFrac    float64
	baseline   atomic.Uint32 // float32 bits
}

// New validates cfg and returns a detector.
func New(cfg vad.Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Detector{
		frameSize:  max(minFrameSamples, cfg.SampleRate/100),
		multiplier: cfg.ThresholdMultiplier,
		minFrac:    cfg.MinSpeechFraction,
	}, nil
}

// FrameSize returns the frame length in samples.
func (d *Detector) FrameSize() int { return d.frameSize }

// SetBaseline stores the calibrated ambient RMS.
func (d *Detector) SetBaseline(rms float32) {
	d.baseline.Store(math.Float32bits(rms))
}

// Threshold returns max(1e-6, baseline*multiplier).
func (d *Detector) Threshold() float32 {
	base := math.Float32frombits(d.baseline.Load())
	return float32(math.Max(thresholdFloor, float64(base)*d.multiplier))
}

// Classify implements vad.Detector. Only whole frames are evaluated, so a
// chunk shorter than one frame is never speech.
func (d *Detector) Classify(samples []float32) vad.Decision {
	thr := d.Threshold()
	dec := vad.Decision{Threshold: thr, Frames: len(samples) / d.frameSize}
	if dec.Frames == 0 {
		return dec
	}

	above := 0
	for f := range dec.Frames {
		if frameRMS(samples[f*d.frameSize:(f+1)*d.frameSize]) >= thr {
			above++
		}
	}
	dec.SpeechFraction = float64(above) / float64(dec.Frames)
	dec.Speech = above > 0 && dec.SpeechFraction >= d.minFrac
	return dec
}

func frameRMS(frame []float32) float32 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
