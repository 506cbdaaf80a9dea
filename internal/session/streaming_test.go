package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/MrWong99/voxcmd/pkg/provider/stt/mock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sessionFactory hands out a fresh mock session per StartStream call.
type sessionFactory struct {
	mu       sync.Mutex
	sessions []*mock.Session
}

func (f *sessionFactory) start(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	s := mock.NewSession(4)
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *sessionFactory) last() *mock.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *sessionFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func TestStreaming_ForwardsFinalsAndReconnects(t *testing.T) {
	f := &sessionFactory{}
	sl := &recordingSleep{}
	var states []State
	var stMu sync.Mutex

	s := NewStreaming(StreamingConfig{
		Provider:  &mock.Provider{StartStreamFunc: f.start},
		Name:      "test",
		Stream:    stt.StreamConfig{SampleRate: 16000},
		Reconnect: ReconnectorConfig{Sleep: sl.Sleep},
		OnState: func(st State) {
			stMu.Lock()
			states = append(states, st)
			stMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "open", func() bool { return s.State() == StateOpen })
	first := f.last()
	if !s.SendAudio([]byte{1, 2}) {
		t.Error("SendAudio on open session returned false")
	}
	waitFor(t, "audio forwarded", func() bool { return len(first.Sent()) == 1 })

	first.FinalsCh <- stt.Transcript{Text: "start recording", IsFinal: true}
	select {
	case got := <-s.Finals():
		if got.Text != "start recording" {
			t.Errorf("final = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("final not forwarded")
	}

	// Remote close triggers a reconnect after the close delay.
	close(first.FinalsCh)
	waitFor(t, "second session", func() bool { return f.count() == 2 && s.State() == StateOpen })
	if first.CloseCallCount != 1 {
		t.Errorf("old session closed %d times", first.CloseCallCount)
	}
	if d := sl.Delays(); len(d) != 1 || d[0] != time.Second {
		t.Errorf("reconnect delays = %v, want [1s]", d)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, open := <-s.Finals(); open {
		t.Error("Finals not closed after Run returned")
	}
	if s.SendAudio([]byte{1}) {
		t.Error("SendAudio after stop returned true")
	}

	stMu.Lock()
	defer stMu.Unlock()
	want := []State{StateConnecting, StateOpen, StateReconnecting, StateOpen, StateClosing, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestStreaming_KeywordsSurviveReconnect(t *testing.T) {
	f := &sessionFactory{}
	prov := &mock.Provider{StartStreamFunc: f.start}
	s := NewStreaming(StreamingConfig{
		Provider:  prov,
		Reconnect: ReconnectorConfig{Sleep: (&recordingSleep{}).Sleep},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	waitFor(t, "open", func() bool { return s.State() == StateOpen })

	kw := []stt.KeywordBoost{{Keyword: "start recording", Boost: 2}}
	s.SetKeywords(kw)
	if got := f.last().Keywords(); len(got) != 1 || got[0] != kw[0] {
		t.Errorf("open session keywords = %v", got)
	}

	close(f.last().FinalsCh)
	waitFor(t, "reconnected", func() bool { return f.count() == 2 && s.State() == StateOpen })
	cfg, _ := prov.LastConfig()
	if len(cfg.Keywords) != 1 || cfg.Keywords[0] != kw[0] {
		t.Errorf("reconnect config keywords = %v", cfg.Keywords)
	}
}

func TestStreaming_MaxRetries(t *testing.T) {
	sl := &recordingSleep{}
	s := NewStreaming(StreamingConfig{
		Provider:  &mock.Provider{StartStreamErr: errors.New("dial failed")},
		Reconnect: ReconnectorConfig{MaxRetries: 2, Sleep: sl.Sleep},
	})
	if err := s.Run(context.Background()); !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Run err = %v, want ErrMaxRetries", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Run err = %v, want ErrClosed", err)
	}
}

func TestStreaming_PausesWhileOffline(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if up.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := &sessionFactory{}
	s := NewStreaming(StreamingConfig{
		Provider:  &mock.Provider{StartStreamFunc: f.start},
		Reconnect: ReconnectorConfig{Sleep: (&recordingSleep{}).Sleep},
		Prober:    NewProber(ProberConfig{URL: srv.URL, Interval: 10 * time.Millisecond}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitFor(t, "open", func() bool { return s.State() == StateOpen })

	up.Store(false)
	waitFor(t, "disconnected", func() bool { return s.State() == StateDisconnected })
	if f.last().CloseCallCount != 1 {
		t.Error("session not closed on connectivity loss")
	}
	if s.SendAudio([]byte{1}) {
		t.Error("audio sent while offline")
	}

	up.Store(true)
	waitFor(t, "reopened", func() bool { return f.count() == 2 && s.State() == StateOpen })
}

func TestStreaming_OfflineCancelsConnect(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if up.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// The first connect hangs like a stalled token request.
	f := &sessionFactory{}
	var calls atomic.Int32
	connecting := make(chan struct{})
	aborted := make(chan error, 1)
	start := func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
		if calls.Add(1) > 1 {
			return f.start(ctx, cfg)
		}
		close(connecting)
		<-ctx.Done()
		aborted <- ctx.Err()
		return nil, ctx.Err()
	}

	s := NewStreaming(StreamingConfig{
		Provider:  &mock.Provider{StartStreamFunc: start},
		Reconnect: ReconnectorConfig{Sleep: (&recordingSleep{}).Sleep},
		Prober:    NewProber(ProberConfig{URL: srv.URL, Interval: 10 * time.Millisecond}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case <-connecting:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never started")
	}
	if st := s.State(); st != StateConnecting {
		t.Errorf("state while connecting = %v", st)
	}

	up.Store(false)
	select {
	case err := <-aborted:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("connect ended with %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight connect not cancelled on connectivity loss")
	}
	waitFor(t, "disconnected", func() bool { return s.State() == StateDisconnected })
	if f.count() != 0 {
		t.Error("a session opened while offline")
	}

	up.Store(true)
	waitFor(t, "open after recovery", func() bool { return f.count() == 1 && s.State() == StateOpen })
}

func TestProber_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProber(ProberConfig{URL: srv.URL})
	if !p.Check(context.Background()) {
		t.Error("Check = false against a 204 server")
	}

	p = NewProber(ProberConfig{URL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	if p.Check(context.Background()) {
		t.Error("Check = true against a closed port")
	}
}
