package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxcmd/pkg/audio"
)

// wavReadFrames is the number of frames decoded per PCMBuffer call.
const wavReadFrames = 2048

// WAVFile replays a WAV file as an audio source. With realtime pacing each
// Read waits until the wall clock catches up with the replay position, which
// makes the file behave like a microphone for the streaming session.
type WAVFile struct {
	f        *os.File
	dec      *wav.Decoder
	channels int
	rate     int
	bitDepth int
	realtime bool
	conv     *audio.Converter

	intBuf  *goaudio.IntBuffer
	pending []float32

	start     time.Time
	delivered int64

	mu     sync.Mutex
	closed bool
}

// OpenWAVFile opens path for replay. Samples are delivered mono at
// sampleRate, resampling when the file differs.
func OpenWAVFile(path string, sampleRate int, realtime bool) (*WAVFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("capture: %s: %w", path, audio.ErrInvalidWAV)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: seek pcm data: %w", err)
	}
	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}
	w := &WAVFile{
		f:        f,
		dec:      dec,
		channels: channels,
		rate:     int(dec.SampleRate),
		bitDepth: int(dec.BitDepth),
		realtime: realtime,
		conv:     &audio.Converter{TargetRate: sampleRate},
		intBuf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
			Data:           make([]int, wavReadFrames*channels),
			SourceBitDepth: int(dec.BitDepth),
		},
	}
	return w, nil
}

// SampleRate implements audio.Source.
func (w *WAVFile) SampleRate() int { return w.conv.TargetRate }

// Read implements audio.Source. It returns io.EOF once the file is exhausted.
func (w *WAVFile) Read(ctx context.Context, dst []float32) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("capture: source closed")
	}
	for len(w.pending) == 0 {
		if err := w.decode(); err != nil {
			return 0, err
		}
	}

	n := copy(dst, w.pending)
	if w.realtime {
		if w.start.IsZero() {
			w.start = time.Now()
		}
		due := w.start.Add(time.Duration(w.delivered+int64(n)) * time.Second / time.Duration(w.conv.TargetRate))
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return 0, ctx.Err()
			case <-t.C:
			}
		}
	} else if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.pending = w.pending[n:]
	w.delivered += int64(n)
	return n, nil
}

// decode fills pending with the next block of converted samples.
func (w *WAVFile) decode() error {
	w.intBuf.Data = w.intBuf.Data[:cap(w.intBuf.Data)]
	n, err := w.dec.PCMBuffer(w.intBuf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("capture: decode wav: %w", err)
	}
	if n == 0 {
		return io.EOF
	}
	w.intBuf.Data = w.intBuf.Data[:n-n%w.channels]
	samples := audio.IntToFloat(w.intBuf, w.bitDepth)
	w.pending = w.conv.Convert(samples, w.rate, w.channels)
	return nil
}

// Close releases the file.
func (w *WAVFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
