// Package stt defines the interfaces for Speech-to-Text backends.
//
// Two shapes are supported:
//
//   - [Provider] opens a long-lived streaming session (e.g. ElevenLabs
//     realtime). Audio is pushed as PCM16 and transcripts arrive
//     asynchronously on channels.
//   - [Transcriber] handles one utterance per call (e.g. the OpenAI Whisper
//     API or a whisper.cpp server). The caller supplies a complete WAV file
//     and receives a single final transcript.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrNotSupported is returned for optional operations a backend does not
	// implement, such as mid-session keyword updates.
	ErrNotSupported = errors.New("stt: operation not supported")

	// ErrAuth is wrapped by errors caused by missing or rejected credentials.
	// Callers surface it as status instead of retrying aggressively.
	ErrAuth = errors.New("stt: authentication failed")

	// ErrToken is wrapped by errors from the out-of-band token request that
	// precedes a streaming connection.
	ErrToken = errors.New("stt: token request failed")
)

// StreamConfig describes the audio format and recognition hints for a new
// streaming session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common value: 16000.
	SampleRate int

	// Channels is the number of audio channels. Always 1 in this module.
	Channels int

	// Language is the language code for recognition (e.g., "en"). An empty
	// string lets the provider pick its default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for command phrases.
	Keywords []KeywordBoost
}

// SessionHandle represents an open streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers 16-bit little-endian mono PCM at the agreed sample
	// rate. Calling SendAudio after the session ended returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim transcripts. It is closed when
	// the session ends.
	Partials() <-chan Transcript

	// Finals returns a channel of committed transcripts. It is closed when
	// the session ends, whether by Close or by the remote side.
	Finals() <-chan Transcript

	// SetKeywords replaces the active keyword list without restarting the
	// session. Providers that cannot do this return ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Err returns the reason the session ended, or nil while it is still
	// running or after a clean Close.
	Err() error

	// Close terminates the session and releases its resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over streaming STT backends.
type Provider interface {
	// StartStream opens a new streaming session, including any token
	// exchange the backend requires. It must return promptly when ctx is
	// cancelled. The caller owns the returned SessionHandle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// TranscribeRequest is a single utterance for a [Transcriber].
type TranscribeRequest struct {
	// WAV is a complete mono PCM16 WAV file.
	WAV []byte

	// SampleRate of the audio in WAV.
	SampleRate int

	// Language is an optional language code (e.g., "en").
	Language string

	// Prompt is an optional biasing hint, typically built from the command
	// keywords with [BuildPrompt].
	Prompt string
}

// Transcriber is the abstraction over request/response STT backends.
type Transcriber interface {
	// Transcribe returns a final transcript for req. The returned
	// Transcript.Text may be empty when nothing was recognised.
	Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error)
}

// TranscriberFunc adapts a function to the [Transcriber] interface.
type TranscriberFunc func(ctx context.Context, req TranscribeRequest) (Transcript, error)

// Transcribe calls f(ctx, req).
func (f TranscriberFunc) Transcribe(ctx context.Context, req TranscribeRequest) (Transcript, error) {
	return f(ctx, req)
}
