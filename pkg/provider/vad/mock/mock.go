// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that detectors are created with the expected Config.
// Use Detector to force speech decisions and inspect the chunks that were
// classified.
//
// Example:
//
//	det := &mock.Detector{Result: vad.Decision{Speech: true}}
//	eng := &mock.Engine{Detector: det}
//	d, _ := eng.NewDetector(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/voxcmd/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a new default Detector is
	// returned.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records every Config passed to NewDetector in order.
	NewDetectorCalls []vad.Config
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, cfg)
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Result is returned by every Classify call.
	Result vad.Decision

	// ClassifyFunc, if set, overrides Result.
	ClassifyFunc func(samples []float32) vad.Decision

	// --- Call records ---

	// Chunks holds a copy of every chunk passed to Classify.
	Chunks [][]float32

	// Baselines records every SetBaseline value.
	Baselines []float32
}

// Classify records the chunk and returns the configured decision.
func (d *Detector) Classify(samples []float32) vad.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	d.Chunks = append(d.Chunks, cp)
	if d.ClassifyFunc != nil {
		return d.ClassifyFunc(samples)
	}
	return d.Result
}

// SetBaseline records the call.
func (d *Detector) SetBaseline(rms float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Baselines = append(d.Baselines, rms)
}

// ClassifyCount returns the number of Classify calls. Thread-safe.
func (d *Detector) ClassifyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Chunks)
}

var _ vad.Detector = (*Detector)(nil)
