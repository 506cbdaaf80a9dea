// Package config defines the voxcmd configuration schema, its defaults and
// validation, a polling file watcher for hot reload and a provider registry
// that turns configured names into constructed providers.
//
// Files ending in .toml are decoded with BurntSushi/toml; everything else is
// treated as YAML. Both formats share the same keys.
package config

import (
	"time"
)

// LogLevel controls the minimum severity of emitted log records.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AudioSource selects where microphone samples come from.
type AudioSource string

const (
	SourcePortAudio AudioSource = "portaudio"
	SourceWAV       AudioSource = "wav"
)

// IsValid reports whether s is a recognised audio source.
func (s AudioSource) IsValid() bool {
	return s == SourcePortAudio || s == SourceWAV
}

// Mode selects the transcription strategy.
type Mode string

const (
	// ModeStreaming keeps one realtime websocket session open.
	ModeStreaming Mode = "streaming"

	// ModeOneShot uploads each speech chunk as a WAV file.
	ModeOneShot Mode = "oneshot"
)

// IsValid reports whether m is a recognised transcription mode.
func (m Mode) IsValid() bool {
	return m == ModeStreaming || m == ModeOneShot
}

// StoreBackend selects the preference and profile store.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreSQLite   StoreBackend = "sqlite"
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Audio         AudioConfig         `yaml:"audio" toml:"audio"`
	VAD           VADConfig           `yaml:"vad" toml:"vad"`
	Calibration   CalibrationConfig   `yaml:"calibration" toml:"calibration"`
	Transcription TranscriptionConfig `yaml:"transcription" toml:"transcription"`
	Transcript    TranscriptConfig    `yaml:"transcript" toml:"transcript"`
	Commands      CommandsConfig      `yaml:"commands" toml:"commands"`
	Intent        IntentConfig        `yaml:"intent" toml:"intent"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
}

// ServerConfig holds the admin HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr for /healthz, /metrics, /mcp and the API. Empty disables the
	// admin server. The default binds loopback only.
	ListenAddr string   `yaml:"listen_addr" toml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level" toml:"log_level"`

	// APIToken, when set, must be sent as "Authorization: Bearer <token>"
	// on /mcp and every /api route that changes state or fires a command.
	APIToken string `yaml:"api_token" toml:"api_token"`
}

// AudioConfig describes capture and chunking.
type AudioConfig struct {
	SampleRate   int     `yaml:"sample_rate" toml:"sample_rate"`
	ChunkSeconds float64 `yaml:"chunk_seconds" toml:"chunk_seconds"`

	// Overlap is the fraction of each chunk shared with the previous one.
	Overlap float64 `yaml:"overlap" toml:"overlap"`

	// DeviceIndex selects a PortAudio input device; -1 means the system
	// default. A persisted user choice overrides it.
	DeviceIndex int `yaml:"device_index" toml:"device_index"`

	Source      AudioSource `yaml:"source" toml:"source"`
	WAVPath     string      `yaml:"wav_path" toml:"wav_path"`
	RingSeconds float64     `yaml:"ring_seconds" toml:"ring_seconds"`

	// Realtime paces WAV replay at the file's own rate.
	Realtime bool `yaml:"realtime" toml:"realtime"`
}

// VADConfig tunes the energy voice activity detector.
type VADConfig struct {
	ThresholdMultiplier float64 `yaml:"threshold_multiplier" toml:"threshold_multiplier"`
	MinSpeechFraction   float64 `yaml:"min_speech_fraction" toml:"min_speech_fraction"`
}

// CalibrationConfig tunes ambient noise measurement and spectral denoising.
type CalibrationConfig struct {
	Seconds float64 `yaml:"seconds" toml:"seconds"`
	Denoise bool    `yaml:"denoise" toml:"denoise"`

	// FFTSize must be a power of two; other values are rounded to the
	// nearest one at load time.
	FFTSize      int     `yaml:"fft_size" toml:"fft_size"`
	SubtractBias float64 `yaml:"subtract_bias" toml:"subtract_bias"`
}

// TranscriptionConfig selects and configures the STT backend.
type TranscriptionConfig struct {
	Mode      Mode            `yaml:"mode" toml:"mode"`
	Streaming StreamingConfig `yaml:"streaming" toml:"streaming"`
	OneShot   OneShotConfig   `yaml:"oneshot" toml:"oneshot"`
}

// StreamingConfig configures the realtime session.
type StreamingConfig struct {
	Provider   string        `yaml:"provider" toml:"provider"`
	APIKey     string        `yaml:"api_key" toml:"api_key"`
	Model      string        `yaml:"model" toml:"model"`
	Language   string        `yaml:"language" toml:"language"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
	MaxDelay   time.Duration `yaml:"max_delay" toml:"max_delay"`

	// ProbeURL is polled with HEAD requests to detect connectivity loss.
	// "off" disables probing.
	ProbeURL      string        `yaml:"probe_url" toml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval" toml:"probe_interval"`
}

// OneShotConfig configures request-per-chunk transcription.
type OneShotConfig struct {
	// Providers are tried in order; later entries are fallbacks.
	Providers             []ProviderEntry `yaml:"providers" toml:"providers"`
	Language              string          `yaml:"language" toml:"language"`
	MaxConcurrentRequests int             `yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`

	// Amplitude gates applied before a chunk is queued.
	MinAudioSeconds  float64 `yaml:"min_audio_seconds" toml:"min_audio_seconds"`
	SilenceThreshold float64 `yaml:"silence_threshold" toml:"silence_threshold"`
	MinConfidence    float64 `yaml:"min_confidence" toml:"min_confidence"`

	// PromptHints sends the registered keywords as a transcription prompt.
	PromptHints bool `yaml:"prompt_hints" toml:"prompt_hints"`
}

// ProviderEntry names a provider and the settings its factory needs. Unused
// fields are ignored by providers that do not need them.
type ProviderEntry struct {
	Name      string `yaml:"name" toml:"name"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	Model     string `yaml:"model" toml:"model"`
	URL       string `yaml:"url" toml:"url"`
	ModelPath string `yaml:"model_path" toml:"model_path"`
	Language  string `yaml:"language" toml:"language"`
}

// TranscriptConfig tunes duplicate and hallucination filtering.
type TranscriptConfig struct {
	SimilarityThreshold  float64       `yaml:"similarity_threshold" toml:"similarity_threshold"`
	DedupWindow          time.Duration `yaml:"dedup_window" toml:"dedup_window"`
	FilterHallucinations bool          `yaml:"filter_hallucinations" toml:"filter_hallucinations"`
	MinLength            int           `yaml:"min_length" toml:"min_length"`
	Hallucinations       []string      `yaml:"hallucinations" toml:"hallucinations"`
}

// CommandsConfig holds the command groups and matching behaviour.
type CommandsConfig struct {
	Cooldown          time.Duration `yaml:"cooldown" toml:"cooldown"`
	Fuzzy             bool          `yaml:"fuzzy" toml:"fuzzy"`
	Phonetic          bool          `yaml:"phonetic" toml:"phonetic"`
	WordMatchFraction float64       `yaml:"word_match_fraction" toml:"word_match_fraction"`
	Groups            []GroupConfig `yaml:"groups" toml:"groups"`
}

// GroupConfig declares a command group and the action it runs.
type GroupConfig struct {
	Name        string   `yaml:"name" toml:"name"`
	Keywords    []string `yaml:"keywords" toml:"keywords"`
	Description string   `yaml:"description" toml:"description"`

	// Action is one of log, exec or webhook. Empty means log.
	Action string `yaml:"action" toml:"action"`

	// Target is the command line for exec or the URL for webhook.
	Target string `yaml:"target" toml:"target"`
}

// IntentConfig configures the LLM fallback for unmatched transcripts.
type IntentConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Provider is openai or anyllm.
	Provider string `yaml:"provider" toml:"provider"`

	// Backend names the any-llm backend, e.g. anthropic or ollama.
	Backend       string        `yaml:"backend" toml:"backend"`
	Model         string        `yaml:"model" toml:"model"`
	APIKey        string        `yaml:"api_key" toml:"api_key"`
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	MinConfidence float64       `yaml:"min_confidence" toml:"min_confidence"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
}

// StoreConfig selects where preferences, profiles and events are kept.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend" toml:"backend"`
	DSN     string       `yaml:"dsn" toml:"dsn"`

	// JournalPath enables the JSON lines event journal when set.
	JournalPath string `yaml:"journal_path" toml:"journal_path"`
}

// Default returns the configuration used for keys absent from a file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: "127.0.0.1:9090", LogLevel: LogInfo},
		Audio: AudioConfig{
			SampleRate:   16000,
			ChunkSeconds: 0.5,
			Overlap:      0.5,
			DeviceIndex:  -1,
			Source:       SourcePortAudio,
			RingSeconds:  10,
			Realtime:     true,
		},
		VAD: VADConfig{ThresholdMultiplier: 1.6, MinSpeechFraction: 0.08},
		Calibration: CalibrationConfig{
			Seconds:      2,
			Denoise:      true,
			FFTSize:      1024,
			SubtractBias: 1.0,
		},
		Transcription: TranscriptionConfig{
			Mode: ModeStreaming,
			Streaming: StreamingConfig{
				Provider:      "elevenlabs",
				Language:      "en",
				MaxRetries:    10,
				MaxDelay:      30 * time.Second,
				ProbeURL:      "https://clients3.google.com/generate_204",
				ProbeInterval: 3 * time.Second,
			},
			OneShot: OneShotConfig{
				Language:              "en",
				MaxConcurrentRequests: 2,
				MinAudioSeconds:       0.5,
				SilenceThreshold:      0.015,
				MinConfidence:         0.1,
				PromptHints:           true,
			},
		},
		Transcript: TranscriptConfig{
			SimilarityThreshold:  0.9,
			DedupWindow:          3 * time.Second,
			FilterHallucinations: true,
			MinLength:            3,
		},
		Commands: CommandsConfig{
			Cooldown:          2 * time.Second,
			WordMatchFraction: 0.6,
		},
		Intent: IntentConfig{
			Provider:      "openai",
			MinConfidence: 0.6,
			Timeout:       4 * time.Second,
		},
		Store: StoreConfig{Backend: StoreMemory},
	}
}
