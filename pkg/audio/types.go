package audio

import (
	"math"
	"time"
)

// Frame is an ordered run of mono float32 samples in [-1, 1] together with
// its sample rate and capture timestamp. Frames are immutable once produced;
// consumers that need to modify samples must copy them first.
type Frame struct {
	// Samples holds mono PCM in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Timestamp marks when the first sample was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Stats holds amplitude statistics derived from a block of samples.
type Stats struct {
	// RMS is the root-mean-square energy.
	RMS float32

	// Peak is the maximum absolute sample value.
	Peak float32

	// MeanAbs is the mean absolute sample value.
	MeanAbs float32
}

// Chunk is a fixed-length window produced by [ChunkExtractor]. A chunk is
// consumed once by the VAD gate, the denoiser and the encoder, then dropped.
type Chunk struct {
	Frame

	// Hop is the number of new samples since the previous chunk.
	Hop int

	// Stats are computed once at extraction.
	Stats Stats
}

// ComputeStats returns the RMS, peak and mean absolute value of samples.
// An empty slice yields zero stats.
func ComputeStats(samples []float32) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	var sumSq, sumAbs float64
	var peak float32
	for _, s := range samples {
		a := s
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
		sumAbs += float64(a)
		sumSq += float64(s) * float64(s)
	}
	n := float64(len(samples))
	return Stats{
		RMS:     float32(math.Sqrt(sumSq / n)),
		Peak:    peak,
		MeanAbs: float32(sumAbs / n),
	}
}

// RMS returns the root-mean-square of samples, or 0 for an empty slice.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
