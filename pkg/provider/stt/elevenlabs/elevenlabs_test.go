package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1}, "tok-1")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model_id", "scribe_v2_realtime", q.Get("model_id"))
	assertEqual(t, "audio_format", "pcm_16000", q.Get("audio_format"))
	assertEqual(t, "language_code", "en", q.Get("language_code"))
	assertEqual(t, "commit_strategy", "vad", q.Get("commit_strategy"))
	assertEqual(t, "vad_silence_threshold_secs", "0.8", q.Get("vad_silence_threshold_secs"))
	assertEqual(t, "min_silence_duration_ms", "600", q.Get("min_silence_duration_ms"))
	assertEqual(t, "vad_threshold", "0.4", q.Get("vad_threshold"))
	assertEqual(t, "min_speech_duration_ms", "200", q.Get("min_speech_duration_ms"))
	assertEqual(t, "include_timestamps", "false", q.Get("include_timestamps"))
	assertEqual(t, "token", "tok-1", q.Get("token"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	p, err := New("key", WithLanguage("en"), WithSampleRate(24000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "de"}, "t")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language_code", "de", u.Query().Get("language_code"))
	assertEqual(t, "audio_format", "pcm_24000", u.Query().Get("audio_format"))
}

// ---- Event parsing ----

func TestParseEvent(t *testing.T) {
	start := time.Now()
	tests := []struct {
		name     string
		raw      string
		wantKind eventKind
		wantOK   bool
		wantText string
	}{
		{"started", `{"message_type":"session_started","session_id":"abc"}`, eventStarted, true, "abc"},
		{"partial", `{"message_type":"partial_transcript","text":"hel"}`, eventPartial, true, "hel"},
		{"empty partial", `{"message_type":"partial_transcript","text":""}`, eventIgnored, false, ""},
		{"committed", `{"message_type":"committed_transcript","text":"hello"}`, eventFinal, true, "hello"},
		{"committed with timestamps", `{"message_type":"committed_transcript_with_timestamps","text":"hi"}`, eventFinal, true, "hi"},
		{"error", `{"message_type":"scribe_quota_exceeded_error","error_message":"quota"}`, eventError, true, ""},
		{"unknown", `{"message_type":"something_else"}`, eventIgnored, false, ""},
		{"invalid json", `{not json`, eventIgnored, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr, kind, ok := parseEvent([]byte(tc.raw), start)
			if ok != tc.wantOK || kind != tc.wantKind {
				t.Fatalf("parseEvent = (%v, %v), want (%v, %v)", kind, ok, tc.wantKind, tc.wantOK)
			}
			assertEqual(t, "text", tc.wantText, tr.Text)
			if kind == eventFinal && !tr.IsFinal {
				t.Error("committed transcript should be final")
			}
		})
	}
}

func TestParseError(t *testing.T) {
	err := parseError([]byte(`{"message_type":"scribe_auth_error","error":"bad token"}`))
	if !errors.Is(err, stt.ErrAuth) {
		t.Errorf("auth error should wrap stt.ErrAuth, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad token") {
		t.Errorf("error %q should carry the server message", err)
	}

	err = parseError([]byte(`{"message_type":"scribe_throttled_error","error_message":"slow down","error":"x"}`))
	if errors.Is(err, stt.ErrAuth) {
		t.Error("throttled error must not wrap stt.ErrAuth")
	}
	if !strings.Contains(err.Error(), "slow down") {
		t.Errorf("error_message should be preferred, got %q", err)
	}
}

// ---- Constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if !errors.Is(err, stt.ErrAuth) {
		t.Fatalf("expected stt.ErrAuth, got %v", err)
	}
}

// ---- Token exchange ----

func TestFetchToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != tokenPath {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("xi-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"token":"single-use"}`))
	}))
	defer srv.Close()

	p, _ := New("secret", WithAPIBase(srv.URL))
	tok, err := p.FetchToken(context.Background())
	if err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	assertEqual(t, "token", "single-use", tok)

	bad, _ := New("wrong", WithAPIBase(srv.URL))
	_, err = bad.FetchToken(context.Background())
	if !errors.Is(err, stt.ErrToken) || !errors.Is(err, stt.ErrAuth) {
		t.Errorf("rejected key should wrap ErrToken and ErrAuth, got %v", err)
	}
}

func TestFetchToken_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New("k", WithAPIBase(srv.URL))
	_, err := p.FetchToken(context.Background())
	if !errors.Is(err, stt.ErrToken) {
		t.Fatalf("expected ErrToken, got %v", err)
	}
	if errors.Is(err, stt.ErrAuth) {
		t.Error("5xx must not be reported as an auth failure")
	}
}

// ---- Full stream against a fake realtime server ----

func TestStartStream_RoundTrip(t *testing.T) {
	gotAudio := make(chan outboundChunk, 4)
	gotToken := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token":"rt-token"}`))
	})
	mux.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		_ = c.Write(ctx, websocket.MessageText, []byte(`{"message_type":"session_started","session_id":"s-1"}`))

		_, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		var chunk outboundChunk
		if json.Unmarshal(msg, &chunk) == nil {
			gotAudio <- chunk
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"message_type":"partial_transcript","text":"start"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"message_type":"committed_transcript","text":"start recording"}`))

		// Hold the connection until the client closes it.
		_, _, _ = c.Read(ctx)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	p, _ := New("k", WithAPIBase(srv.URL), WithRealtimeURL(wsURL), WithSendInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	assertEqual(t, "token", "rt-token", <-gotToken)

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if err := h.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case chunk := <-gotAudio:
		assertEqual(t, "message_type", "input_audio_chunk", chunk.MessageType)
		assertEqual(t, "audio", base64.StdEncoding.EncodeToString(pcm), chunk.AudioBase64)
		if chunk.SampleRate != 16000 {
			t.Errorf("sample_rate = %d, want 16000", chunk.SampleRate)
		}
	case <-ctx.Done():
		t.Fatal("server never received audio")
	}

	select {
	case tr := <-h.Finals():
		assertEqual(t, "final", "start recording", tr.Text)
		if !tr.IsFinal {
			t.Error("final transcript should have IsFinal")
		}
	case <-ctx.Done():
		t.Fatal("no final transcript")
	}

	if id := h.(*session).SessionID(); id != "s-1" {
		t.Errorf("SessionID = %q, want s-1", id)
	}

	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := h.SendAudio(pcm); err == nil {
		t.Error("SendAudio after Close should fail")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err after clean Close = %v, want nil", err)
	}
}

func TestSession_DropsStaleBacklog(t *testing.T) {
	now := time.Unix(1000, 0)
	s := &session{sampleRate: 16000, now: func() time.Time { return now }}

	// One second of audio handed over at once is fresh, not backlog.
	_ = s.SendAudio(make([]byte, 32000))
	if got := s.takePending(); len(got) != 32000 {
		t.Errorf("takePending = %d bytes, want the whole 1 s hop", len(got))
	}

	_ = s.SendAudio(make([]byte, 640))
	now = now.Add(time.Second)
	_ = s.SendAudio(make([]byte, 320))
	if got := s.takePending(); len(got) != 320 {
		t.Errorf("takePending = %d bytes, want only the newest 320", len(got))
	}
	if s.dropped != 320 {
		t.Errorf("dropped = %d samples, want 320", s.dropped)
	}
	if got := s.takePending(); got != nil {
		t.Error("buffer should be empty after take")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		parts []int
	}{
		{"empty", 0, 3200, nil},
		{"under", 100, 3200, []int{100}},
		{"exact", 6400, 3200, []int{3200, 3200}},
		{"remainder", 7000, 3200, []int{3200, 3200, 600}},
		{"odd size keeps samples whole", 10, 5, []int{4, 4, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := split(make([]byte, tt.n), tt.size)
			if len(got) != len(tt.parts) {
				t.Fatalf("got %d parts, want %d", len(got), len(tt.parts))
			}
			for i, p := range got {
				if len(p) != tt.parts[i] {
					t.Errorf("part %d = %d bytes, want %d", i, len(p), tt.parts[i])
				}
			}
		})
	}
}

func TestStartStream_SendsLongHop(t *testing.T) {
	received := make(chan int, 64)

	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token":"rt-token"}`))
	})
	mux.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			_, msg, err := c.Read(r.Context())
			if err != nil {
				return
			}
			var chunk outboundChunk
			if json.Unmarshal(msg, &chunk) != nil {
				continue
			}
			pcm, _ := base64.StdEncoding.DecodeString(chunk.AudioBase64)
			received <- len(pcm)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	p, _ := New("k", WithAPIBase(srv.URL), WithRealtimeURL(wsURL), WithSendInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	// A 1 s hop, as produced by a 2 s chunk with 50 % overlap.
	if err := h.SendAudio(make([]byte, 32000)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	// 10 ms interval at 16 kHz caps each message at 320 bytes.
	total, messages := 0, 0
	for total < 32000 {
		select {
		case n := <-received:
			if n > 320 {
				t.Fatalf("message of %d bytes exceeds one send interval", n)
			}
			total += n
			messages++
		case <-ctx.Done():
			t.Fatalf("server received %d of 32000 bytes", total)
		}
	}
	if messages != 100 {
		t.Errorf("messages = %d, want 100", messages)
	}
	sess := h.(*session)
	sess.mu.Lock()
	d := sess.dropped
	sess.mu.Unlock()
	if d != 0 {
		t.Errorf("dropped = %d samples, want 0", d)
	}
}

func TestSession_SetKeywordsNotSupported(t *testing.T) {
	s := &session{}
	if err := s.SetKeywords(nil); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("SetKeywords = %v, want ErrNotSupported", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
