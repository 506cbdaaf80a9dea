package audio

import "sync"

// Ring is a fixed-capacity circular sample buffer. The capture side pushes
// samples without ever blocking; when the ring is full the oldest samples are
// overwritten. Readers address samples by their absolute position in the
// stream (the count of samples written before them), which lets them detect
// ranges that have not been written yet or have already been overwritten.
//
// Ring is safe for one writer and any number of readers.
type Ring struct {
	mu      sync.Mutex
	buf     []float32
	written int64
}

// NewRing allocates a ring holding capacity samples. A non-positive capacity
// is raised to 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float32, capacity)}
}

// Cap returns the fixed capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Written returns the total number of samples pushed since construction.
func (r *Ring) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Push appends samples, overwriting the oldest data if the ring is full.
func (r *Ring) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := len(r.buf)
	// Only the last c samples can survive a push larger than the ring.
	if len(samples) > c {
		r.written += int64(len(samples) - c)
		samples = samples[len(samples)-c:]
	}
	pos := int(r.written % int64(c))
	n := copy(r.buf[pos:], samples)
	if n < len(samples) {
		copy(r.buf, samples[n:])
	}
	r.written += int64(len(samples))
}

// ExtractChunk copies length samples starting at absolute stream position
// from into dst (grown if needed) and returns it. When the physical storage
// wraps, the two spans [offset, capacity) and [0, remainder) are copied in
// order. Positions that were never written or have already been overwritten
// are zero-filled.
func (r *Ring) ExtractChunk(dst []float32, length int, from int64) []float32 {
	if length < 0 {
		length = 0
	}
	if cap(dst) < length {
		dst = make([]float32, length)
	}
	dst = dst[:length]
	clear(dst)

	r.mu.Lock()
	defer r.mu.Unlock()

	c := int64(len(r.buf))
	oldest := r.written - c
	if oldest < 0 {
		oldest = 0
	}
	start, end := from, from+int64(length)
	if start < oldest {
		start = oldest
	}
	if end > r.written {
		end = r.written
	}
	if start >= end {
		return dst
	}

	out := dst[start-from : end-from]
	offset := int(start % c)
	n := copy(out, r.buf[offset:])
	if n < len(out) {
		copy(out[n:], r.buf[:len(out)-n])
	}
	return dst
}
