package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/voxcmd/internal/config"
	"github.com/MrWong99/voxcmd/internal/observe"
	"github.com/MrWong99/voxcmd/internal/pipeline"
	"github.com/MrWong99/voxcmd/internal/resilience"
	"github.com/MrWong99/voxcmd/internal/session"
	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/pkg/provider/stt"
)

const (
	providerOpenAI     = "openai"
	providerElevenLabs = "elevenlabs"
	probeOff           = "off"
)

// builtBackend is a transcription backend plus the hooks the pipeline needs
// to rotate its credentials.
type builtBackend struct {
	backend  pipeline.Backend
	keyName  string
	onKey    func(key string) error
	fallback *resilience.TranscriberFallback
	closers  []func() error
}

func (b *builtBackend) close() {
	for _, c := range b.closers {
		if err := c(); err != nil {
			slog.Warn("session: close transcriber", "err", err)
		}
	}
}

func (sm *SessionManager) buildBackend(ctx context.Context, cfg *config.Config) (*builtBackend, error) {
	switch cfg.Transcription.Mode {
	case config.ModeStreaming:
		return sm.buildStreaming(ctx, cfg)
	case config.ModeOneShot:
		return sm.buildOneShot(ctx, cfg)
	}
	return nil, fmt.Errorf("session: unknown transcription mode %q", cfg.Transcription.Mode)
}

func (sm *SessionManager) buildStreaming(ctx context.Context, cfg *config.Config) (*builtBackend, error) {
	sc := cfg.Transcription.Streaming
	entry := sc.ProviderEntry()
	b := &builtBackend{}
	if entry.Name == providerElevenLabs {
		b.keyName = store.KeyElevenLabsAPIKey
		if key := sm.storedKey(ctx, b.keyName); key != "" {
			entry.APIKey = key
		}
	}

	prov, err := sm.deps.Registry.CreateStreaming(entry)
	if err != nil {
		return nil, fmt.Errorf("session: streaming provider %q: %w", entry.Name, err)
	}

	var prober *session.Prober
	if sc.ProbeURL != probeOff {
		prober = session.NewProber(session.ProberConfig{URL: sc.ProbeURL, Interval: sc.ProbeInterval})
	}
	sess := session.NewStreaming(session.StreamingConfig{
		Provider: prov,
		Name:     entry.Name,
		Stream: stt.StreamConfig{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   1,
			Language:   sc.Language,
		},
		Reconnect: session.ReconnectorConfig{MaxRetries: sc.MaxRetries, MaxDelay: sc.MaxDelay},
		Prober:    prober,
		Metrics:   sm.deps.Metrics,
	})
	b.backend = &pipeline.StreamingBackend{Session: sess, Label: entry.Name}

	// The session keeps its provider for life, so a new key only needs to
	// produce a working provider here; SetAPIKey restarts the session.
	b.onKey = func(key string) error {
		e := sc.ProviderEntry()
		if key != "" {
			e.APIKey = key
		}
		_, err := sm.deps.Registry.CreateStreaming(e)
		return err
	}
	return b, nil
}

// namedTranscriber is one entry of the one-shot fallback chain.
type namedTranscriber struct {
	name string
	tr   stt.Transcriber
}

func (sm *SessionManager) buildOneShot(ctx context.Context, cfg *config.Config) (*builtBackend, error) {
	oc := cfg.Transcription.OneShot
	b := &builtBackend{}
	for _, e := range oc.Providers {
		if e.Name == providerOpenAI {
			b.keyName = store.KeyOpenAIAPIKey
		}
	}
	key := ""
	if b.keyName != "" {
		key = sm.storedKey(ctx, b.keyName)
	}

	chain := make([]namedTranscriber, 0, len(oc.Providers))
	for _, e := range oc.Providers {
		tr, err := sm.createTranscriber(e, oc.Language, key)
		if err != nil {
			closeAll(chain)
			return nil, err
		}
		chain = append(chain, namedTranscriber{name: e.Name, tr: tr})
	}
	if len(chain) == 0 {
		return nil, errors.New("session: no one-shot transcription providers configured")
	}
	for _, nt := range chain {
		if c, ok := nt.tr.(io.Closer); ok {
			b.closers = append(b.closers, c.Close)
		}
	}

	b.fallback = newFallback(chain, sm.deps.Metrics)
	var prompt func() string
	if oc.PromptHints {
		registry := sm.deps.Commands.Matcher().Registry()
		prompt = func() string { return stt.BuildPrompt(registry.Keywords()) }
	}
	disp := session.NewDispatcher(session.DispatcherConfig{
		Transcriber:   b.fallback,
		Name:          chain[0].name,
		MaxConcurrent: oc.MaxConcurrentRequests,
		Language:      oc.Language,
		Prompt:        prompt,
		Metrics:       sm.deps.Metrics,
	})
	b.backend = &pipeline.OneShotBackend{
		Dispatcher: disp,
		Gate: pipeline.Gate{
			SilenceThreshold: float32(oc.SilenceThreshold),
			MinPeak:          float32(oc.MinConfidence),
			MinDuration:      time.Duration(oc.MinAudioSeconds * float64(time.Second)),
		},
		Label: chain[0].name,
	}

	if b.keyName != "" {
		// Only the openai entries take the key; the rest of the chain is
		// reused as is.
		b.onKey = func(key string) error {
			next := make([]namedTranscriber, len(chain))
			copy(next, chain)
			for i, e := range oc.Providers {
				if e.Name != providerOpenAI {
					continue
				}
				tr, err := sm.createTranscriber(e, oc.Language, key)
				if err != nil {
					return err
				}
				next[i].tr = tr
			}
			fb := newFallback(next, sm.deps.Metrics)
			disp.SetTranscriber(fb, next[0].name)
			sm.mu.Lock()
			if sm.fallback == b.fallback {
				sm.fallback = fb
			}
			b.fallback = fb
			sm.mu.Unlock()
			return nil
		}
	}
	return b, nil
}

// createTranscriber builds one chain entry. key overrides the configured
// key of openai entries when set.
func (sm *SessionManager) createTranscriber(e config.ProviderEntry, language, key string) (stt.Transcriber, error) {
	if e.Language == "" {
		e.Language = language
	}
	if e.Name == providerOpenAI && key != "" {
		e.APIKey = key
	}
	tr, err := sm.deps.Registry.CreateTranscriber(e)
	if err != nil {
		return nil, fmt.Errorf("session: transcriber %q: %w", e.Name, err)
	}
	return tr, nil
}

func newFallback(chain []namedTranscriber, m *observe.Metrics) *resilience.TranscriberFallback {
	var cfg resilience.FallbackConfig
	cfg.CircuitBreaker.OnStateChange = func(name string, _, to resilience.State) {
		m.RecordBreakerTransition(context.Background(), "stt-"+name, to.String())
	}
	fb := resilience.NewTranscriberFallback(chain[0].tr, chain[0].name, cfg)
	for _, nt := range chain[1:] {
		fb.AddFallback(nt.name, nt.tr)
	}
	fb.OnServed(func(name string) {
		if name != chain[0].name {
			slog.Info("session: transcribed by fallback", "provider", name)
		}
	})
	return fb
}

func closeAll(chain []namedTranscriber) {
	for _, nt := range chain {
		if c, ok := nt.tr.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
