package audio

import (
	"math"
	"time"
)

// minSamplesPerChunk is the smallest window the extractor will produce.
const minSamplesPerChunk = 128

// ChunkConfig describes the window geometry of a [ChunkExtractor].
type ChunkConfig struct {
	// SampleRate in Hz.
	SampleRate int

	// ChunkSeconds is the window duration.
	ChunkSeconds float64

	// Overlap is the fraction of each window shared with the previous one,
	// in [0, 1).
	Overlap float64
}

// SamplesPerChunk returns max(128, ceil(rate*chunkSeconds)).
func (c ChunkConfig) SamplesPerChunk() int {
	n := int(math.Ceil(float64(c.SampleRate) * c.ChunkSeconds))
	return max(n, minSamplesPerChunk)
}

// Hop returns ceil(samplesPerChunk*(1-overlap)), never less than 1.
func (c ChunkConfig) Hop() int {
	overlap := min(max(c.Overlap, 0), 1)
	h := int(math.Ceil(float64(c.SamplesPerChunk()) * (1 - overlap)))
	return max(h, 1)
}

// ChunkExtractor reads overlapping windows from a [Ring]. It is the single
// reader of the ring and is not safe for concurrent use.
type ChunkExtractor struct {
	ring       *Ring
	sampleRate int
	size       int
	hop        int

	// end is the absolute stream position where the next window ends.
	end     int64
	skipped int64
}

// NewChunkExtractor returns an extractor over ring. The ring must be able to
// hold at least one full window plus one hop; otherwise windows are partly
// zero-filled by the time they are read.
func NewChunkExtractor(ring *Ring, cfg ChunkConfig) *ChunkExtractor {
	e := &ChunkExtractor{
		ring:       ring,
		sampleRate: cfg.SampleRate,
		size:       cfg.SamplesPerChunk(),
		hop:        cfg.Hop(),
	}
	e.end = int64(e.hop)
	return e
}

// Size returns the window length in samples.
func (e *ChunkExtractor) Size() int { return e.size }

// HopSize returns the hop in samples.
func (e *ChunkExtractor) HopSize() int { return e.hop }

// Skipped returns the number of samples the extractor jumped over because the
// reader fell more than a full ring behind the writer.
func (e *ChunkExtractor) Skipped() int64 { return e.skipped }

// Next returns the next window once at least one hop of new samples is
// available, and false otherwise. Before the ring holds a full window, the
// leading part of the window is zero-filled.
func (e *ChunkExtractor) Next() (Chunk, bool) {
	written := e.ring.Written()
	if written < e.end {
		return Chunk{}, false
	}

	// Resynchronise if the writer has lapped us: the window start would
	// already be overwritten.
	if lag := written - (e.end - int64(e.size)); lag > int64(e.ring.Cap()) {
		newEnd := written
		e.skipped += newEnd - e.end
		e.end = newEnd
	}

	start := e.end - int64(e.size)
	samples := e.ring.ExtractChunk(nil, e.size, start)
	e.end += int64(e.hop)

	ts := time.Duration(0)
	if e.sampleRate > 0 && start > 0 {
		ts = time.Duration(start) * time.Second / time.Duration(e.sampleRate)
	}
	return Chunk{
		Frame: Frame{
			Samples:    samples,
			SampleRate: e.sampleRate,
			Timestamp:  ts,
		},
		Hop:   e.hop,
		Stats: ComputeStats(samples),
	}, true
}
