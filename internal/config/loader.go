package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"streaming": {"elevenlabs"},
	"oneshot":   {"openai", "whisper-server", "whisper-native"},
	"intent":    {"openai", "anyllm"},
}

// Load reads the configuration file at path and returns a validated
// [Config]. Files ending in .toml are decoded as TOML, all others as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// parse picks the decoder from the file extension.
func parse(path string, data []byte) (*Config, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadTOML(bytes.NewReader(data))
	}
	return LoadFromReader(bytes.NewReader(data))
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// defaults and validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

// LoadTOML is the TOML counterpart of [LoadFromReader]. Keys that do not map
// to a field are rejected.
func LoadTOML(r io.Reader) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: decode toml: unknown keys: %s", strings.Join(keys, ", "))
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values that have no meaning with their defaults
// and rounds a non power of two FFT size to the nearest power of two.
func ApplyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = def.Audio.SampleRate
	}
	if cfg.Audio.ChunkSeconds == 0 {
		cfg.Audio.ChunkSeconds = def.Audio.ChunkSeconds
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = def.Audio.Source
	}
	if cfg.Audio.RingSeconds == 0 {
		cfg.Audio.RingSeconds = def.Audio.RingSeconds
	}
	// The ring must hold at least one chunk.
	cfg.Audio.RingSeconds = max(cfg.Audio.RingSeconds, cfg.Audio.ChunkSeconds)

	if cfg.VAD.ThresholdMultiplier == 0 {
		cfg.VAD.ThresholdMultiplier = def.VAD.ThresholdMultiplier
	}
	if cfg.Calibration.Seconds == 0 {
		cfg.Calibration.Seconds = def.Calibration.Seconds
	}
	if cfg.Calibration.FFTSize == 0 {
		cfg.Calibration.FFTSize = def.Calibration.FFTSize
	}
	if n := cfg.Calibration.FFTSize; n > 0 && !dsp.IsPowerOfTwo(n) {
		fixed := dsp.NearestPowerOfTwo(n)
		slog.Warn("config: calibration.fft_size is not a power of two, rounding",
			"fft_size", n,
			"using", fixed,
		)
		cfg.Calibration.FFTSize = fixed
	}

	if cfg.Transcription.Mode == "" {
		cfg.Transcription.Mode = def.Transcription.Mode
	}
	st := &cfg.Transcription.Streaming
	if st.Provider == "" {
		st.Provider = def.Transcription.Streaming.Provider
	}
	if st.Language == "" {
		st.Language = def.Transcription.Streaming.Language
	}
	if st.MaxDelay == 0 {
		st.MaxDelay = def.Transcription.Streaming.MaxDelay
	}
	if st.ProbeURL == "" {
		st.ProbeURL = def.Transcription.Streaming.ProbeURL
	}
	if st.ProbeInterval == 0 {
		st.ProbeInterval = def.Transcription.Streaming.ProbeInterval
	}
	one := &cfg.Transcription.OneShot
	if one.Language == "" {
		one.Language = def.Transcription.OneShot.Language
	}
	if one.MaxConcurrentRequests == 0 {
		one.MaxConcurrentRequests = def.Transcription.OneShot.MaxConcurrentRequests
	}

	if cfg.Transcript.SimilarityThreshold == 0 {
		cfg.Transcript.SimilarityThreshold = def.Transcript.SimilarityThreshold
	}
	if cfg.Transcript.DedupWindow == 0 {
		cfg.Transcript.DedupWindow = def.Transcript.DedupWindow
	}

	if cfg.Commands.WordMatchFraction == 0 {
		cfg.Commands.WordMatchFraction = def.Commands.WordMatchFraction
	}

	if cfg.Intent.Provider == "" {
		cfg.Intent.Provider = def.Intent.Provider
	}
	if cfg.Intent.Timeout == 0 {
		cfg.Intent.Timeout = def.Intent.Timeout
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = def.Store.Backend
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.ChunkSeconds <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_seconds %.2f must be positive", a.ChunkSeconds))
	}
	if a.Overlap < 0 || a.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("audio.overlap %.2f is out of range [0, 1)", a.Overlap))
	}
	if a.DeviceIndex < -1 {
		errs = append(errs, fmt.Errorf("audio.device_index %d is invalid; use -1 for the default device", a.DeviceIndex))
	}
	if !a.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: portaudio, wav", a.Source))
	}
	if a.Source == SourceWAV && a.WAVPath == "" {
		errs = append(errs, errors.New("audio.wav_path is required when source is wav"))
	}

	// VAD
	if cfg.VAD.ThresholdMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("vad.threshold_multiplier %.2f must be positive", cfg.VAD.ThresholdMultiplier))
	}
	if f := cfg.VAD.MinSpeechFraction; f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("vad.min_speech_fraction %.2f is out of range (0, 1]", f))
	}

	// Calibration
	if cfg.Calibration.Seconds < 0 {
		errs = append(errs, fmt.Errorf("calibration.seconds %.2f must not be negative", cfg.Calibration.Seconds))
	}
	if !dsp.IsPowerOfTwo(cfg.Calibration.FFTSize) {
		errs = append(errs, fmt.Errorf("calibration.fft_size %d: %w", cfg.Calibration.FFTSize, dsp.ErrNotPowerOfTwo))
	}
	if cfg.Calibration.SubtractBias < 0 {
		errs = append(errs, fmt.Errorf("calibration.subtract_bias %.2f must not be negative", cfg.Calibration.SubtractBias))
	}

	errs = append(errs, validateTranscription(cfg.Transcription)...)

	// Transcript
	if s := cfg.Transcript.SimilarityThreshold; s <= 0 || s > 1 {
		errs = append(errs, fmt.Errorf("transcript.similarity_threshold %.2f is out of range (0, 1]", s))
	}
	if cfg.Transcript.MinLength < 0 {
		errs = append(errs, fmt.Errorf("transcript.min_length %d must not be negative", cfg.Transcript.MinLength))
	}

	errs = append(errs, validateCommands(cfg.Commands)...)

	// Intent
	in := cfg.Intent
	if in.Enabled {
		validateProviderName("intent", in.Provider)
		switch in.Provider {
		case "openai":
		case "anyllm":
			if in.Backend == "" {
				errs = append(errs, errors.New("intent.backend is required when provider is anyllm"))
			}
			if in.Model == "" {
				errs = append(errs, errors.New("intent.model is required when provider is anyllm"))
			}
		default:
			errs = append(errs, fmt.Errorf("intent.provider %q is invalid; valid values: openai, anyllm", in.Provider))
		}
	}
	if in.MinConfidence < 0 || in.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("intent.min_confidence %.2f is out of range [0, 1]", in.MinConfidence))
	}

	// Store
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Backend))
	}
	if (cfg.Store.Backend == StoreSQLite || cfg.Store.Backend == StorePostgres) && cfg.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required when backend is %s", cfg.Store.Backend))
	}

	return errors.Join(errs...)
}

func validateTranscription(t TranscriptionConfig) []error {
	var errs []error
	if !t.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transcription.mode %q is invalid; valid values: streaming, oneshot", t.Mode))
	}

	st := t.Streaming
	if t.Mode == ModeStreaming {
		if st.Provider == "" {
			errs = append(errs, errors.New("transcription.streaming.provider is required when mode is streaming"))
		}
		validateProviderName("streaming", st.Provider)
	}
	if st.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transcription.streaming.max_retries %d must not be negative", st.MaxRetries))
	}
	if st.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("transcription.streaming.max_delay %v must not be negative", st.MaxDelay))
	}

	one := t.OneShot
	if t.Mode == ModeOneShot && len(one.Providers) == 0 {
		errs = append(errs, errors.New("transcription.oneshot.providers needs at least one entry when mode is oneshot"))
	}
	for i, p := range one.Providers {
		prefix := fmt.Sprintf("transcription.oneshot.providers[%d]", i)
		switch p.Name {
		case "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case "whisper-server":
			if p.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required for whisper-server", prefix))
			}
		case "whisper-native":
			if p.ModelPath == "" {
				errs = append(errs, fmt.Errorf("%s.model_path is required for whisper-native", prefix))
			}
		default:
			validateProviderName("oneshot", p.Name)
		}
	}
	if one.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Errorf("transcription.oneshot.max_concurrent_requests %d must be at least 1", one.MaxConcurrentRequests))
	}
	if one.MinAudioSeconds < 0 {
		errs = append(errs, fmt.Errorf("transcription.oneshot.min_audio_seconds %.2f must not be negative", one.MinAudioSeconds))
	}
	if one.SilenceThreshold < 0 || one.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcription.oneshot.silence_threshold %.3f is out of range [0, 1]", one.SilenceThreshold))
	}
	if one.MinConfidence < 0 || one.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("transcription.oneshot.min_confidence %.3f is out of range [0, 1]", one.MinConfidence))
	}
	return errs
}

func validateCommands(c CommandsConfig) []error {
	var errs []error
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("commands.cooldown %v must not be negative", c.Cooldown))
	}
	if f := c.WordMatchFraction; f <= 0 || f > 1 {
		errs = append(errs, fmt.Errorf("commands.word_match_fraction %.2f is out of range (0, 1]", f))
	}

	seen := make(map[string]int, len(c.Groups))
	for i, g := range c.Groups {
		prefix := fmt.Sprintf("commands.groups[%d]", i)
		name := strings.ToLower(strings.TrimSpace(g.Name))
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of commands.groups[%d]", prefix, g.Name, prev))
			}
			seen[name] = i
		}
		if !slices.ContainsFunc(g.Keywords, func(kw string) bool { return strings.TrimSpace(kw) != "" }) {
			errs = append(errs, fmt.Errorf("%s.keywords needs at least one keyword", prefix))
		}
		if _, err := command.BuildHandler(g.Action, g.Target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// CommandGroups turns the configured groups into command groups with their
// action handlers bound.
func (c CommandsConfig) CommandGroups() ([]command.Group, error) {
	groups := make([]command.Group, 0, len(c.Groups))
	for _, g := range c.Groups {
		h, err := command.BuildHandler(g.Action, g.Target)
		if err != nil {
			return nil, fmt.Errorf("config: group %q: %w", g.Name, err)
		}
		groups = append(groups, command.Group{
			Name:        g.Name,
			Keywords:    slices.Clone(g.Keywords),
			Description: g.Description,
			Handler:     h,
		})
	}
	return groups, nil
}

// MatcherConfig returns the matcher settings described by c.
func (c CommandsConfig) MatcherConfig() command.MatcherConfig {
	return command.MatcherConfig{
		Cooldown:          c.Cooldown,
		Fuzzy:             c.Fuzzy,
		WordMatchFraction: c.WordMatchFraction,
	}
}
