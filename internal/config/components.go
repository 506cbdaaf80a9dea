package config

import (
	"slices"

	"github.com/MrWong99/voxcmd/internal/transcript"
	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
	"github.com/MrWong99/voxcmd/pkg/provider/vad"
)

// ChunkConfig returns the extractor window settings.
func (a AudioConfig) ChunkConfig() audio.ChunkConfig {
	return audio.ChunkConfig{
		SampleRate:   a.SampleRate,
		ChunkSeconds: a.ChunkSeconds,
		Overlap:      a.Overlap,
	}
}

// RingCapacity is the ring buffer size in samples.
func (a AudioConfig) RingCapacity() int {
	return int(a.RingSeconds * float64(a.SampleRate))
}

// DetectorConfig returns the VAD settings for the given sample rate.
func (v VADConfig) DetectorConfig(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:          sampleRate,
		ThresholdMultiplier: v.ThresholdMultiplier,
		MinSpeechFraction:   v.MinSpeechFraction,
	}
}

// CalibratorConfig returns the noise calibrator settings.
func (c CalibrationConfig) CalibratorConfig(sampleRate int) dsp.CalibratorConfig {
	return dsp.CalibratorConfig{
		SampleRate: sampleRate,
		Seconds:    c.Seconds,
		Denoise:    c.Denoise,
		FFTSize:    c.FFTSize,
	}
}

// ProcessorConfig returns the transcript filter settings.
func (t TranscriptConfig) ProcessorConfig() transcript.Config {
	cfg := transcript.DefaultConfig()
	cfg.SimilarityThreshold = t.SimilarityThreshold
	cfg.DedupWindow = t.DedupWindow
	cfg.Retention = max(cfg.Retention, t.DedupWindow)
	cfg.FilterHallucinations = t.FilterHallucinations
	cfg.MinLength = t.MinLength
	if len(t.Hallucinations) > 0 {
		cfg.Hallucinations = slices.Clone(t.Hallucinations)
	}
	return cfg
}

// ProviderEntry returns the registry entry for the streaming provider.
func (s StreamingConfig) ProviderEntry() ProviderEntry {
	return ProviderEntry{Name: s.Provider, APIKey: s.APIKey, Model: s.Model, Language: s.Language}
}

// ProviderEntry returns the registry entry for the intent LLM. any-llm
// backends are registered under their own names, so "anyllm" resolves to
// the configured backend.
func (i IntentConfig) ProviderEntry() ProviderEntry {
	name := i.Provider
	if name == "anyllm" {
		name = i.Backend
	}
	return ProviderEntry{Name: name, APIKey: i.APIKey, BaseURL: i.BaseURL, Model: i.Model}
}
