// Package elevenlabs provides an ElevenLabs-backed streaming STT provider
// using the realtime Scribe WebSocket API. It implements the stt.Provider
// interface.
//
// Each StartStream call first exchanges the API key for a single-use token,
// then dials the realtime endpoint with VAD-based commit strategy. Audio is
// buffered by SendAudio and flushed to the socket on a fixed cadence in
// messages of at most 100 ms. Audio left waiting for more than half a second
// by a stalled socket is dropped rather than sent late.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/voxcmd/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	defaultAPIBase    = "https://api.elevenlabs.io"
	defaultRealtime   = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	tokenPath         = "/v1/single-use-token/realtime_scribe"
	defaultModel      = "scribe_v2_realtime"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	tokenTimeout        = 2 * time.Second
	defaultSendInterval = 100 * time.Millisecond
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the realtime model ID (e.g., "scribe_v2_realtime").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language code (e.g., "en").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithAPIBase overrides the HTTPS base URL used for the token request.
func WithAPIBase(base string) Option {
	return func(p *Provider) {
		p.apiBase = base
	}
}

// WithRealtimeURL overrides the WebSocket endpoint.
func WithRealtimeURL(u string) Option {
	return func(p *Provider) {
		p.realtimeURL = u
	}
}

// WithHTTPClient sets the client used for the token request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithSendInterval sets the cadence at which buffered audio is flushed.
func WithSendInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.sendInterval = d
	}
}

// Provider implements stt.Provider backed by the ElevenLabs realtime API.
type Provider struct {
	apiKey       string
	model        string
	language     string
	sampleRate   int
	apiBase      string
	realtimeURL  string
	httpClient   *http.Client
	sendInterval time.Duration
}

// New creates a new ElevenLabs Provider. An empty apiKey returns an error
// wrapping stt.ErrAuth.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: apiKey must not be empty: %w", stt.ErrAuth)
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		apiBase:      defaultAPIBase,
		realtimeURL:  defaultRealtime,
		httpClient:   &http.Client{},
		sendInterval: defaultSendInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// tokenResponse is the body returned by the single-use token endpoint.
type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken exchanges the API key for a single-use realtime token. The
// request is bounded by a 2 second timeout in addition to ctx. Errors wrap
// stt.ErrToken, and rejected credentials additionally wrap stt.ErrAuth.
func (p *Provider) FetchToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+tokenPath, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("elevenlabs: create token request: %w: %w", stt.ErrToken, err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: token request: %w: %w", stt.ErrToken, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("elevenlabs: token request: status %d: %w: %w", resp.StatusCode, stt.ErrToken, stt.ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("elevenlabs: token request: status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(body), stt.ErrToken)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("elevenlabs: decode token: %w: %w", stt.ErrToken, err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("elevenlabs: empty token: %w", stt.ErrToken)
	}
	return tr.Token, nil
}

// StartStream fetches a token and opens a realtime transcription session.
// It respects cfg.SampleRate and cfg.Language. The session lives until
// Close is called, ctx is cancelled, or the server closes the socket.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	token, err := p.FetchToken(ctx)
	if err != nil {
		return nil, err
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	wsURL, err := p.buildURL(cfg, token)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	return newSession(ctx, conn, sr, p.sendInterval), nil
}

// buildURL constructs the realtime endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig, token string) (string, error) {
	u, err := url.Parse(p.realtimeURL)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("audio_format", "pcm_"+strconv.Itoa(sr))
	q.Set("language_code", lang)
	q.Set("commit_strategy", "vad")
	q.Set("vad_silence_threshold_secs", "0.8")
	q.Set("min_silence_duration_ms", "600")
	q.Set("vad_threshold", "0.4")
	q.Set("min_speech_duration_ms", "200")
	q.Set("include_timestamps", "false")
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errorTypes lists the inbound message types that report failures.
var errorTypes = map[string]bool{
	"scribe_error":                true,
	"scribe_auth_error":           true,
	"scribe_quota_exceeded_error": true,
	"scribe_throttled_error":      true,
	"input_error":                 true,
}

// serverError is an error event reported by the realtime API.
type serverError struct {
	Type    string
	Message string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("elevenlabs: %s: %s", e.Type, e.Message)
}

// Unwrap maps auth failures onto stt.ErrAuth.
func (e *serverError) Unwrap() error {
	if e.Type == "scribe_auth_error" {
		return stt.ErrAuth
	}
	return nil
}

var errServerClosed = errors.New("elevenlabs: connection closed by server")
