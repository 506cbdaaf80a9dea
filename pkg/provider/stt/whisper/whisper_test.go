package whisper_test

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/MrWong99/voxcmd/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// capturedForm holds the multipart fields of the last /inference request.
type capturedForm struct {
	mu     sync.Mutex
	fields map[string]string
	file   []byte
}

func (c *capturedForm) get(k string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields[k]
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText. It increments *callCount on every
// matched request and records the form fields into form.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32, form *capturedForm) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if form != nil {
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				form.mu.Lock()
				form.fields = map[string]string{}
				for k, v := range r.MultipartForm.Value {
					form.fields[k] = v[0]
				}
				if fh := r.MultipartForm.File["file"]; len(fh) > 0 {
					f, _ := fh[0].Open()
					form.file, _ = io.ReadAll(f)
					f.Close()
				}
				form.mu.Unlock()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"` + responseText + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeechWAV generates a 440 Hz sine wave wrapped in a WAV container.
func makeSpeechWAV(samples int) []byte {
	buf := make([]float32, samples)
	for i := range buf {
		buf[i] = 0.3 * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.EncodeWAV(buf, 16000)
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	tr, err := whisper.New("http://localhost:8080/",
		whisper.WithLanguage("de"),
		whisper.WithModel("base.en"),
		whisper.WithHTTPClient(&http.Client{Timeout: time.Second}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil {
		t.Fatal("expected non-nil Transcriber")
	}
}

// ---- inference --------------------------------------------------------------

func TestTranscribe_SendsFormFields(t *testing.T) {
	var calls atomic.Int32
	form := &capturedForm{}
	srv := newMockServer(t, " start recording ", &calls, form)

	tr, _ := whisper.New(srv.URL)
	wav := makeSpeechWAV(8000)
	got, err := tr.Transcribe(context.Background(), stt.TranscribeRequest{
		WAV:        wav,
		SampleRate: 16000,
		Prompt:     "Voice commands: start recording",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if got.Text != "start recording" {
		t.Errorf("Text = %q, want trimmed text", got.Text)
	}
	if !got.IsFinal {
		t.Error("one-shot transcripts should be final")
	}
	if got.Duration != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", got.Duration)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}

	want := map[string]string{
		"model":           "whisper-1",
		"language":        "en",
		"temperature":     "0",
		"response_format": "json",
		"prompt":          "Voice commands: start recording",
	}
	for k, v := range want {
		if got := form.get(k); got != v {
			t.Errorf("field %s = %q, want %q", k, got, v)
		}
	}
	form.mu.Lock()
	if len(form.file) != len(wav) {
		t.Errorf("uploaded file = %d bytes, want %d", len(form.file), len(wav))
	}
	form.mu.Unlock()
}

func TestTranscribe_EmptyPromptOmitted(t *testing.T) {
	form := &capturedForm{}
	srv := newMockServer(t, "x", nil, form)

	tr, _ := whisper.New(srv.URL, whisper.WithLanguage("fr"))
	if _, err := tr.Transcribe(context.Background(), stt.TranscribeRequest{WAV: makeSpeechWAV(160)}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	form.mu.Lock()
	_, hasPrompt := form.fields["prompt"]
	form.mu.Unlock()
	if hasPrompt {
		t.Error("empty prompt should not be sent")
	}
	if got := form.get("language"); got != "fr" {
		t.Errorf("language = %q, want fr", got)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	tr, _ := whisper.New("http://127.0.0.1:1")
	if _, err := tr.Transcribe(context.Background(), stt.TranscribeRequest{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr, _ := whisper.New(srv.URL)
	_, err := tr.Transcribe(context.Background(), stt.TranscribeRequest{WAV: makeSpeechWAV(160)})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected HTTP 500 error, got %v", err)
	}
}

func TestTranscribe_EmptyResponse_ProducesEmptyText(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)
	tr, _ := whisper.New(srv.URL)
	got, err := tr.Transcribe(context.Background(), stt.TranscribeRequest{WAV: makeSpeechWAV(160)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "" {
		t.Errorf("Text = %q, want empty", got.Text)
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	srv := newMockServer(t, "late", nil, nil)
	tr, _ := whisper.New(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Transcribe(ctx, stt.TranscribeRequest{WAV: makeSpeechWAV(160)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTranscribe_Concurrent(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "ok", &calls, nil)
	tr, _ := whisper.New(srv.URL)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Transcribe(context.Background(), stt.TranscribeRequest{WAV: makeSpeechWAV(160)}); err != nil {
				t.Errorf("Transcribe: %v", err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 8 {
		t.Errorf("server calls = %d, want 8", calls.Load())
	}
}
