// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The mock is safe for concurrent use. It records how often it was read and
// closed, and exposes exported fields the test can set to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{Rate: 16000, Samples: tone, Block: 160}
//	n, err := src.Read(ctx, buf)
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxcmd/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source] that replays Samples.
type Source struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 16000 if zero.
	Rate int

	// Samples are delivered in order. Feed appends more while running.
	Samples []float32

	// Block caps the number of samples returned per Read. Zero means
	// len(dst).
	Block int

	// Interval, if set, is slept before every Read to simulate a device.
	Interval time.Duration

	// Loop restarts Samples from the beginning instead of returning EOF.
	Loop bool

	// Hold makes Read block until ctx is done once Samples are exhausted
	// instead of returning io.EOF, like a silent live device.
	Hold bool

	// ReadErr, if set, is returned by every Read.
	ReadErr error

	pos        int
	readCount  int
	closeCount int
}

// Feed appends samples for subsequent reads.
func (s *Source) Feed(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Samples = append(s.Samples, samples...)
}

// SampleRate implements audio.Source.
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return 16000
	}
	return s.Rate
}

// Read implements audio.Source.
func (s *Source) Read(ctx context.Context, dst []float32) (int, error) {
	if s.Interval > 0 {
		t := time.NewTimer(s.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	s.readCount++
	if s.ReadErr != nil {
		err := s.ReadErr
		s.mu.Unlock()
		return 0, err
	}
	if s.pos >= len(s.Samples) && s.Loop && len(s.Samples) > 0 {
		s.pos = 0
	}
	if s.pos >= len(s.Samples) {
		hold := s.Hold
		s.mu.Unlock()
		if hold {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 0, io.EOF
	}
	want := len(dst)
	if s.Block > 0 && s.Block < want {
		want = s.Block
	}
	n := copy(dst[:want], s.Samples[s.pos:])
	s.pos += n
	s.mu.Unlock()
	return n, nil
}

// Close implements audio.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// ReadCount returns the number of Read calls.
func (s *Source) ReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCount
}

// CloseCount returns the number of Close calls.
func (s *Source) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
