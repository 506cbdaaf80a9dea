package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// StreamingConfig configures a [Streaming] session.
type StreamingConfig struct {
	// Provider opens realtime sessions. Required.
	Provider stt.Provider

	// Name labels logs and metrics, e.g. "elevenlabs".
	Name string

	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// Reconnect tunes the backoff between attempts.
	Reconnect ReconnectorConfig

	// Prober pauses the session while the network is unreachable. May be nil.
	Prober *Prober

	// Metrics records state changes and reconnects. May be nil.
	Metrics *observe.Metrics

	// OnState is called after every state change. May be nil.
	OnState func(State)
}

// Streaming keeps a realtime transcription session open and forwards its
// committed transcripts. Run drives the lifecycle; SendAudio may be called
// from any goroutine.
type Streaming struct {
	cfg         StreamingConfig
	reconnector *Reconnector
	finals      chan stt.Transcript

	state   atomic.Int32
	started atomic.Bool

	mu       sync.Mutex
	handle   stt.SessionHandle
	keywords []stt.KeywordBoost
}

// NewStreaming returns an unstarted streaming session.
func NewStreaming(cfg StreamingConfig) *Streaming {
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	s := &Streaming{
		cfg:      cfg,
		finals:   make(chan stt.Transcript, 16),
		keywords: cfg.Stream.Keywords,
	}
	rc := cfg.Reconnect
	userHook := rc.OnAttempt
	rc.OnAttempt = func(attempt int, cause Cause, delay time.Duration) {
		if cfg.Metrics != nil {
			cfg.Metrics.SessionReconnects.Add(context.Background(), 1,
				observeAttrs(cfg.Name, cause.String()))
		}
		if userHook != nil {
			userHook(attempt, cause, delay)
		}
	}
	s.reconnector = NewReconnector(rc)
	return s
}

// Finals delivers committed transcripts. It is closed when Run returns.
func (s *Streaming) Finals() <-chan stt.Transcript { return s.finals }

// State returns the current lifecycle state.
func (s *Streaming) State() State { return State(s.state.Load()) }

// SendAudio forwards PCM16 audio to the open session. It reports false and
// drops the audio while no session is open.
func (s *Streaming) SendAudio(pcm []byte) bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil || s.State() != StateOpen {
		return false
	}
	if err := h.SendAudio(pcm); err != nil {
		slog.Debug("session: send audio failed", "err", err)
		return false
	}
	return true
}

// SetKeywords updates recognition hints on the open session and for future
// connections.
func (s *Streaming) SetKeywords(kw []stt.KeywordBoost) {
	s.mu.Lock()
	s.keywords = kw
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.SetKeywords(kw); err != nil && !errors.Is(err, stt.ErrNotSupported) {
		slog.Warn("session: set keywords failed", "err", err)
	}
}

// Run connects and keeps the session alive until ctx is done. It returns
// nil on cancellation, [ErrMaxRetries] when a reconnect sequence gave up and
// [ErrClosed] when called twice.
func (s *Streaming) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrClosed
	}
	defer close(s.finals)
	defer s.setState(StateDisconnected)

	var changes <-chan bool
	if p := s.cfg.Prober; p != nil {
		changes = p.Changes()
		go p.Run(ctx)
	}

	online := true
	cause := CauseNone
	for {
		if !online {
			s.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return nil
			case up := <-changes:
				online = up
				cause = CauseNone
				continue
			}
		}

		// Each episode ends when the network drops, cancelling any
		// in-flight token request or dial at once.
		episode, cancel := context.WithCancel(ctx)
		lost := make(chan struct{})
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			for {
				select {
				case <-episode.Done():
					return
				case up := <-changes:
					if !up {
						close(lost)
						cancel()
						return
					}
				}
			}
		}()

		err := s.connectAndServe(episode, cause)
		cancel()
		<-watchDone

		select {
		case <-lost:
			online = false
			continue
		default:
		}
		if ctx.Err() != nil {
			s.setState(StateClosing)
			return nil
		}
		if errors.Is(err, ErrMaxRetries) {
			return err
		}
		cause = CauseClosed
	}
}

// connectAndServe opens one session and forwards finals until it ends.
func (s *Streaming) connectAndServe(ctx context.Context, cause Cause) error {
	if cause == CauseNone {
		s.setState(StateConnecting)
	} else {
		s.setState(StateReconnecting)
	}

	var h stt.SessionHandle
	err := s.reconnector.Run(ctx, cause, func(ctx context.Context) error {
		s.mu.Lock()
		cfg := s.cfg.Stream
		cfg.Keywords = s.keywords
		s.mu.Unlock()

		var err error
		h, err = s.cfg.Provider.StartStream(ctx, cfg)
		if err != nil && s.cfg.Metrics != nil {
			kind := "connect"
			if errors.Is(err, stt.ErrAuth) {
				kind = "auth"
			} else if errors.Is(err, stt.ErrToken) {
				kind = "token"
			}
			s.cfg.Metrics.RecordProviderError(ctx, s.cfg.Name, kind)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.setState(StateOpen)
	slog.Info("session: connected", "provider", s.cfg.Name)

	defer func() {
		s.mu.Lock()
		s.handle = nil
		s.mu.Unlock()
		if err := h.Close(); err != nil {
			slog.Debug("session: close failed", "err", err)
		}
	}()

	partials := h.Partials()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-partials:
			if !ok {
				partials = nil
			}
		case t, ok := <-h.Finals():
			if !ok {
				if err := h.Err(); err != nil {
					slog.Warn("session: stream ended", "provider", s.cfg.Name, "err", err)
					return err
				}
				slog.Info("session: stream closed", "provider", s.cfg.Name)
				return nil
			}
			select {
			case s.finals <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Streaming) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	slog.Debug("session: state", "state", st)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionState.Record(context.Background(), int64(st), observeAttrs(s.cfg.Name, ""))
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func observeAttrs(provider, cause string) metric.MeasurementOption {
	attrs := []attribute.KeyValue{observe.Attr("provider", provider)}
	if cause != "" {
		attrs = append(attrs, observe.Attr("cause", cause))
	}
	return metric.WithAttributes(attrs...)
}
