// Package whisper provides one-shot STT transcribers backed by whisper.cpp.
//
// [Transcriber] talks to a running whisper-server binary, which exposes a
// REST API at POST /inference. [NativeTranscriber] links whisper.cpp through
// its CGO bindings and runs inference in-process.
//
// whisper.cpp is a batch engine, so both implement stt.Transcriber: the
// caller hands over one complete utterance as a WAV file and receives a
// single final transcript.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	tr, err := t.Transcribe(ctx, stt.TranscribeRequest{WAV: wav})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultModel    = "whisper-1"
	defaultTimeout  = 30 * time.Second
	inferencePath   = "/inference"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server.
// Most servers ignore it and use whichever model they were started with.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. The default client has a 30 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = c
	}
}

// Transcriber implements stt.Transcriber backed by a whisper.cpp HTTP server.
// It is safe for concurrent use.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Transcriber for the whisper.cpp server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcribe POSTs req.WAV to the /inference endpoint as multipart/form-data
// and returns the recognised text as a final transcript.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.TranscribeRequest) (stt.Transcript, error) {
	if len(req.WAV) == 0 {
		return stt.Transcript{}, errors.New("whisper: empty audio")
	}
	lang := req.Language
	if lang == "" {
		lang = t.language
	}

	body, contentType, err := buildForm(req.WAV, t.model, lang, req.Prompt)
	if err != nil {
		return stt.Transcript{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+inferencePath, body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return stt.Transcript{
		Text:       strings.TrimSpace(result.Text),
		IsFinal:    true,
		Duration:   wavDuration(req),
		ReceivedAt: time.Now(),
	}, nil
}

// buildForm encodes the multipart body shared by whisper-server and the
// OpenAI transcription endpoint.
func buildForm(wav []byte, model, language, prompt string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := [][2]string{
		{"model", model},
		{"language", language},
		{"temperature", "0"},
		{"response_format", "json"},
		{"prompt", prompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// wavDuration derives the utterance length from the PCM16 payload size.
func wavDuration(req stt.TranscribeRequest) time.Duration {
	if req.SampleRate <= 0 || len(req.WAV) <= 44 {
		return 0
	}
	samples := (len(req.WAV) - 44) / 2
	return time.Duration(samples) * time.Second / time.Duration(req.SampleRate)
}
