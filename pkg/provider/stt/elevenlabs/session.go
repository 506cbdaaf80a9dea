package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/coder/websocket"
)

// outboundChunk is the JSON message carrying one batch of PCM audio.
type outboundChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	SampleRate  int    `json:"sample_rate"`
}

// inboundEvent is the union of all JSON messages the realtime API sends.
type inboundEvent struct {
	MessageType  string `json:"message_type"`
	Text         string `json:"text"`
	SessionID    string `json:"session_id"`
	ErrorMessage string `json:"error_message"`
	Error        string `json:"error"`
}

// batch is one SendAudio call and the time it arrived.
type batch struct {
	pcm []byte
	at  time.Time
}

// staleAfter bounds how late audio may be sent. Older batches are dropped.
const staleAfter = 500 * time.Millisecond

// session is a live realtime Scribe session. It implements stt.SessionHandle.
type session struct {
	conn       *websocket.Conn
	sampleRate int
	interval   time.Duration
	started    time.Time

	partials chan stt.Transcript
	finals   chan stt.Transcript

	// now is replaced in tests.
	now func() time.Time

	mu        sync.Mutex
	pending   []batch
	sessionID string
	err       error
	dropped   int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

func newSession(parent context.Context, conn *websocket.Conn, sampleRate int, interval time.Duration) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		conn:       conn,
		sampleRate: sampleRate,
		interval:   interval,
		started:    time.Now(),
		partials:   make(chan stt.Transcript, 64),
		finals:     make(chan stt.Transcript, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

// SendAudio appends PCM16 audio to the send buffer. The buffer is flushed on
// the next tick of the write loop.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("elevenlabs: session is closed")
	default:
	}
	if len(chunk) == 0 {
		return nil
	}
	b := batch{pcm: append([]byte(nil), chunk...), at: s.clock()}
	s.mu.Lock()
	s.pending = append(s.pending, b)
	s.mu.Unlock()
	return nil
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of committed transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords is not supported by the realtime API.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("elevenlabs: mid-session keyword updates: %w", stt.ErrNotSupported)
}

// SessionID returns the id announced by the server, or "" before
// session_started has been received.
func (s *session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Err returns the reason the session ended.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *session) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// takePending returns the buffered audio, or nil if there is none. Batches
// that waited longer than staleAfter, because the socket stalled, are
// discarded and the newer ones kept.
func (s *session) takePending() []byte {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	stale := 0
	for _, b := range s.pending {
		if now.Sub(b.at) > staleAfter {
			stale += len(b.pcm) / 2
			continue
		}
		out = append(out, b.pcm...)
	}
	s.pending = nil
	if stale > 0 {
		s.dropped += stale
		slog.Debug("elevenlabs: dropping stale audio backlog", "samples", stale)
	}
	return out
}

// maxMessageBytes is the PCM16 size of one outbound message: one send
// interval of audio, at most 100 ms.
func (s *session) maxMessageBytes() int {
	d := s.interval
	if d <= 0 || d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	n := int(int64(s.sampleRate)*int64(d)/int64(time.Second)) * 2
	return max(n, 2)
}

// split cuts pcm into messages of at most size bytes without splitting a
// sample.
func split(pcm []byte, size int) [][]byte {
	size -= size % 2
	if size <= 0 {
		size = 2
	}
	var out [][]byte
	for len(pcm) > size {
		out = append(out, pcm[:size])
		pcm = pcm[size:]
	}
	if len(pcm) > 0 {
		out = append(out, pcm)
	}
	return out
}

// writeLoop flushes buffered audio at a fixed cadence. Writes are sequential,
// so a slow send delays the next tick instead of overlapping it.
func (s *session) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, part := range split(s.takePending(), s.maxMessageBytes()) {
				msg, err := json.Marshal(outboundChunk{
					MessageType: "input_audio_chunk",
					AudioBase64: base64.StdEncoding.EncodeToString(part),
					SampleRate:  s.sampleRate,
				})
				if err != nil {
					continue
				}
				if err := s.conn.Write(s.ctx, websocket.MessageText, msg); err != nil {
					s.setErr(fmt.Errorf("elevenlabs: write: %w", err))
					s.cancel()
					return
				}
			}
		}
	}
}

// readLoop receives JSON events and dispatches transcripts to the partials
// and finals channels.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer s.cancel()

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) != -1 {
					s.setErr(fmt.Errorf("%w: %w", errServerClosed, err))
				} else {
					s.setErr(fmt.Errorf("elevenlabs: read: %w", err))
				}
			}
			return
		}
		s.handle(msg)
	}
}

// handle parses and dispatches a single inbound message. Malformed and
// unknown messages are ignored.
func (s *session) handle(msg []byte) {
	t, kind, ok := parseEvent(msg, s.started)
	switch {
	case !ok:
		return
	case kind == eventStarted:
		s.mu.Lock()
		s.sessionID = t.Text
		s.mu.Unlock()
		slog.Info("elevenlabs: session started", "session_id", t.Text)
	case kind == eventError:
		err := parseError(msg)
		slog.Warn("elevenlabs: server error", "err", err)
		if errors.Is(err, stt.ErrAuth) {
			s.setErr(err)
		}
	case kind == eventPartial:
		select {
		case s.partials <- t:
		default:
		}
	case kind == eventFinal:
		select {
		case s.finals <- t:
		case <-s.done:
		}
	}
}

type eventKind int

const (
	eventIgnored eventKind = iota
	eventStarted
	eventPartial
	eventFinal
	eventError
)

// parseEvent classifies a raw message. For eventStarted the session id is
// returned in Transcript.Text.
func parseEvent(data []byte, started time.Time) (stt.Transcript, eventKind, bool) {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return stt.Transcript{}, eventIgnored, false
	}
	now := time.Now()
	switch ev.MessageType {
	case "session_started":
		return stt.Transcript{Text: ev.SessionID}, eventStarted, true
	case "partial_transcript":
		if ev.Text == "" {
			return stt.Transcript{}, eventIgnored, false
		}
		return stt.Transcript{Text: ev.Text, Timestamp: now.Sub(started), ReceivedAt: now}, eventPartial, true
	case "committed_transcript", "committed_transcript_with_timestamps":
		if ev.Text == "" {
			return stt.Transcript{}, eventIgnored, false
		}
		return stt.Transcript{Text: ev.Text, IsFinal: true, Timestamp: now.Sub(started), ReceivedAt: now}, eventFinal, true
	}
	if errorTypes[ev.MessageType] {
		return stt.Transcript{}, eventError, true
	}
	return stt.Transcript{}, eventIgnored, false
}

// parseError extracts the error event, preferring error_message over error.
func parseError(data []byte) error {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("elevenlabs: malformed error event: %w", err)
	}
	msg := ev.ErrorMessage
	if msg == "" {
		msg = ev.Error
	}
	return &serverError{Type: ev.MessageType, Message: msg}
}
