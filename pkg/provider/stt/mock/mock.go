// Package mock provides scriptable stand-ins for the stt interfaces.
//
// [Transcriber] answers one-shot requests, [Provider] opens streaming
// [Session]s whose transcript channels the test drives directly:
//
//	sess := mock.NewSession(4)
//	p := &mock.Provider{Session: sess}
//	sess.FinalsCh <- stt.Transcript{Text: "start recording", IsFinal: true}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// Provider implements stt.Provider. Without Session, StartStreamFunc or
// StartStreamErr every call opens a fresh [NewSession].
type Provider struct {
	Session         stt.SessionHandle
	StartStreamErr  error
	StartStreamFunc func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error)

	mu      sync.Mutex
	configs []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records cfg and opens the configured session. StartStreamFunc
// runs unlocked so it may block.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.configs = append(p.configs, cfg)
	fn, sess, err := p.StartStreamFunc, p.Session, p.StartStreamErr
	p.mu.Unlock()

	switch {
	case fn != nil:
		return fn(ctx, cfg)
	case err != nil:
		return nil, err
	case sess != nil:
		return sess, nil
	}
	return NewSession(16), nil
}

// StartStreamCallCount is the number of StartStream calls.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// LastConfig returns the StreamConfig of the latest call.
func (p *Provider) LastConfig() (stt.StreamConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.configs) == 0 {
		return stt.StreamConfig{}, false
	}
	return p.configs[len(p.configs)-1], true
}

// Session implements stt.SessionHandle. The test owns PartialsCh and
// FinalsCh and closes them to end the session.
type Session struct {
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	SendAudioErr   error
	SetKeywordsErr error
	CloseErr       error
	// ErrResult is what Err reports.
	ErrResult error

	mu       sync.Mutex
	sent     [][]byte
	keywords [][]stt.KeywordBoost
	// CloseCallCount is read by tests after the consumer stopped.
	CloseCallCount int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with transcript channels of capacity buf.
func NewSession(buf int) *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, buf),
		FinalsCh:   make(chan stt.Transcript, buf),
	}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append(s.keywords, append([]stt.KeywordBoost(nil), keywords...))
	return s.SetKeywordsErr
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Sent returns copies of every chunk passed to SendAudio.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Keywords returns the most recent SetKeywords argument.
func (s *Session) Keywords() []stt.KeywordBoost {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keywords) == 0 {
		return nil
	}
	return s.keywords[len(s.keywords)-1]
}

// TranscribeCall is one recorded Transcribe request. WAV is a copy.
type TranscribeCall struct {
	Req stt.TranscribeRequest
}

// Transcriber implements stt.Transcriber. Texts are returned one per call,
// as final transcripts, before falling back to Result.
type Transcriber struct {
	Result         stt.Transcript
	Texts          []string
	Err            error
	TranscribeFunc func(ctx context.Context, req stt.TranscribeRequest) (stt.Transcript, error)

	mu    sync.Mutex
	Calls []TranscribeCall
}

var _ stt.Transcriber = (*Transcriber)(nil)

func (t *Transcriber) Transcribe(ctx context.Context, req stt.TranscribeRequest) (stt.Transcript, error) {
	t.mu.Lock()
	rec := req
	rec.WAV = append([]byte(nil), req.WAV...)
	t.Calls = append(t.Calls, TranscribeCall{Req: rec})
	fn, res, err := t.TranscribeFunc, t.Result, t.Err
	if fn == nil && len(t.Texts) > 0 {
		res = stt.Transcript{Text: t.Texts[0], IsFinal: true}
		t.Texts = t.Texts[1:]
	}
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return res, err
}

// CallCount is the number of Transcribe calls.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}
