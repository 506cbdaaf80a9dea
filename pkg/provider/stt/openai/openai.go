// Package openai provides a one-shot STT transcriber backed by the OpenAI
// audio transcription API (Whisper).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

const defaultLanguage = "en"

// Ensure Transcriber implements the stt.Transcriber interface.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using the OpenAI API.
type Transcriber struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration for the transcriber.
type config struct {
	baseURL    string
	language   string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the default language code. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. It takes precedence over
// WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a new OpenAI Transcriber. If model is empty, DefaultModel
// (whisper-1) is used. An empty apiKey returns an error wrapping stt.ErrAuth.
func New(apiKey string, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty: %w", stt.ErrAuth)
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{language: defaultLanguage}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are handled by the caller's fallback chain.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Transcriber{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Transcribe implements stt.Transcriber. It uploads req.WAV as audio.wav with
// temperature 0 and a JSON response format.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.TranscribeRequest) (stt.Transcript, error) {
	if len(req.WAV) == 0 {
		return stt.Transcript{}, errors.New("openai stt: empty audio")
	}
	lang := req.Language
	if lang == "" {
		lang = t.language
	}

	params := oai.AudioTranscriptionNewParams{
		Model:          t.model,
		File:           oai.File(bytes.NewReader(req.WAV), "audio.wav", "audio/wav"),
		Temperature:    oai.Float(0),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, classify(err)
	}

	var dur time.Duration
	if req.SampleRate > 0 && len(req.WAV) > 44 {
		dur = time.Duration((len(req.WAV)-44)/2) * time.Second / time.Duration(req.SampleRate)
	}
	return stt.Transcript{
		Text:       strings.TrimSpace(resp.Text),
		IsFinal:    true,
		Duration:   dur,
		ReceivedAt: time.Now(),
	}, nil
}

// classify wraps rejected credentials with stt.ErrAuth.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("openai stt: transcribe: %w: %w", stt.ErrAuth, err)
	}
	return fmt.Errorf("openai stt: transcribe: %w", err)
}
