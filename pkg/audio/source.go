// Package audio holds the sample-level building blocks of the voice command
// pipeline: the capture [Source] abstraction, the circular [Ring] buffer, the
// overlapping [ChunkExtractor], and PCM16/WAV encoding.
//
// All samples are mono float32 in [-1, 1]. Capture adapters under
// audio/capture convert whatever the device delivers before handing samples
// to the pipeline.
package audio

import "context"

// Source is a live stream of mono samples, typically a microphone or a file
// being replayed.
//
// Read blocks until at least one sample is available, ctx is cancelled, or
// the source fails. It returns the number of samples written into dst.
// Implementations return io.EOF once a finite source is exhausted.
type Source interface {
	Read(ctx context.Context, dst []float32) (int, error)

	// SampleRate reports the rate of the samples returned by Read.
	SampleRate() int

	// Close releases the underlying device. Calling Close more than once is
	// safe and returns nil.
	Close() error
}
