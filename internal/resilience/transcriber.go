package resilience

import (
	"context"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] with automatic failover
// across several one-shot backends, e.g. the OpenAI API first and a local
// whisper.cpp server when it is down. Each backend has its own breaker.
type TranscriberFallback struct {
	group    *FallbackGroup[stt.Transcriber]
	onServed func(name string)
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcriber.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.Add(name, t)
}

// OnServed registers a callback receiving the name of the backend that
// produced each successful transcript. Must be set before use.
func (f *TranscriberFallback) OnServed(fn func(name string)) {
	f.onServed = fn
}

// Transcribe sends req to the first healthy backend.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.TranscribeRequest) (stt.Transcript, error) {
	tr, name, err := Try(f.group, func(t stt.Transcriber) (stt.Transcript, error) {
		return t.Transcribe(ctx, req)
	})
	if err == nil && f.onServed != nil {
		f.onServed(name)
	}
	return tr, err
}

// Status reports the breaker state of every backend.
func (f *TranscriberFallback) Status() []Status { return f.group.Status() }

// Reset closes every breaker, e.g. after the API key changed.
func (f *TranscriberFallback) Reset() { f.group.Reset() }
