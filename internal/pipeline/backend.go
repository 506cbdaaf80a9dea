package pipeline

import (
	"context"
	"time"

	"github.com/MrWong99/voxcmd/internal/session"
	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// MinSendDuration is the shortest chunk a one-shot backend will upload.
const MinSendDuration = 120 * time.Millisecond

// Drop reasons recorded on voxcmd.chunks.dropped.
const (
	DropPaused       = "paused"
	DropCalibrating  = "calibrating"
	DropSilence      = "silence"
	DropTooShort     = "too_short"
	DropQuiet        = "below_silence_threshold"
	DropLowPeak      = "below_peak"
	DropQueueFull    = "queue_full"
	DropDisconnected = "disconnected"
)

// Segment is one chunk as handed to a [Backend].
type Segment struct {
	// Samples is the whole window, denoised when a noise profile is active.
	Samples []float32

	// Fresh holds the samples not contained in any earlier segment.
	Fresh []float32

	SampleRate int

	// Stats describe the raw window before denoising.
	Stats audio.Stats

	// At is the stream position of the window start.
	At time.Duration
}

// Duration is the length of Samples.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// Backend carries segments to a transcription service and yields its final
// transcripts.
type Backend interface {
	// Name labels logs and status, e.g. "elevenlabs".
	Name() string

	// Run drives the backend until ctx is done. Finals is closed on return.
	Run(ctx context.Context) error

	Finals() <-chan stt.Transcript

	// Gated reports whether only segments classified as speech are sent.
	// Gated backends also receive denoised samples.
	Gated() bool

	// Send hands over one segment without blocking. It returns "" when the
	// segment was accepted and a drop reason otherwise.
	Send(seg Segment) string

	// State describes the connection for status reports.
	State() string
}

// StreamingBackend adapts a realtime [session.Streaming]. Every fresh sample
// is streamed as PCM16; the service does its own endpointing.
type StreamingBackend struct {
	Session *session.Streaming
	Label   string
}

var _ Backend = (*StreamingBackend)(nil)

func (b *StreamingBackend) Name() string { return b.Label }
func (b *StreamingBackend) Run(ctx context.Context) error { return b.Session.Run(ctx) }
func (b *StreamingBackend) Finals() <-chan stt.Transcript { return b.Session.Finals() }
func (b *StreamingBackend) Gated() bool { return false }
func (b *StreamingBackend) State() string { return b.Session.State().String() }

// Send implements Backend.
func (b *StreamingBackend) Send(seg Segment) string {
	if len(seg.Fresh) == 0 {
		return ""
	}
	if !b.Session.SendAudio(audio.EncodePCM16(seg.Fresh)) {
		return DropDisconnected
	}
	return ""
}

// OneShotBackend adapts a [session.Dispatcher]. Segments pass the amplitude
// gate, are encoded as WAV and queued for upload.
type OneShotBackend struct {
	Dispatcher *session.Dispatcher
	Gate       Gate
	Label      string
}

var _ Backend = (*OneShotBackend)(nil)

func (b *OneShotBackend) Name() string { return b.Label }
func (b *OneShotBackend) Run(ctx context.Context) error { return b.Dispatcher.Run(ctx) }
func (b *OneShotBackend) Finals() <-chan stt.Transcript { return b.Dispatcher.Finals() }
func (b *OneShotBackend) Gated() bool { return true }
func (b *OneShotBackend) State() string { return "ready" }

// Send implements Backend.
func (b *OneShotBackend) Send(seg Segment) string {
	d := seg.Duration()
	if d < MinSendDuration {
		return DropTooShort
	}
	if reason := b.Gate.Check(seg.Stats, d); reason != "" {
		return reason
	}
	ok := b.Dispatcher.Submit(session.Job{
		WAV:        audio.EncodeWAV(seg.Samples, seg.SampleRate),
		SampleRate: seg.SampleRate,
		Duration:   d,
	})
	if !ok {
		return DropQueueFull
	}
	return ""
}

// Gate rejects chunks that are too quiet or too short to be worth a
// transcription request.
type Gate struct {
	// SilenceThreshold is the mean |sample| a chunk must exceed.
	SilenceThreshold float32

	// MinPeak is the peak |sample| a chunk must exceed.
	MinPeak float32

	// MinDuration is the shortest accepted chunk.
	MinDuration time.Duration
}

// DefaultGate returns the standard gate: mean above 0.015, peak above 0.1,
// at least half a second.
func DefaultGate() Gate {
	return Gate{SilenceThreshold: 0.015, MinPeak: 0.1, MinDuration: 500 * time.Millisecond}
}

// Check returns "" when the chunk passes and the drop reason otherwise.
func (g Gate) Check(st audio.Stats, d time.Duration) string {
	switch {
	case d < g.MinDuration:
		return DropTooShort
	case st.MeanAbs <= g.SilenceThreshold:
		return DropQuiet
	case st.Peak <= g.MinPeak:
		return DropLowPeak
	}
	return ""
}
