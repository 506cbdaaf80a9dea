package stt

import (
	"strings"
	"time"
)

// MaxPromptLength is the longest prompt hint sent to one-shot backends.
const MaxPromptLength = 200

// promptPrefix introduces the keyword list in a prompt hint.
const promptPrefix = "Voice commands: "

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. Only finals reach command matching.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration

	// ReceivedAt is the wall-clock time the transcript arrived.
	ReceivedAt time.Time
}

// KeywordBoost represents a keyword to boost in STT recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "start recording").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// BuildPrompt returns "Voice commands: " followed by the distinct lowercase
// keywords joined with ", ", truncated to [MaxPromptLength] characters. It
// returns "" when there are no keywords.
func BuildPrompt(keywords []string) string {
	seen := make(map[string]struct{}, len(keywords))
	distinct := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		distinct = append(distinct, kw)
	}
	if len(distinct) == 0 {
		return ""
	}
	p := promptPrefix + strings.Join(distinct, ", ")
	if r := []rune(p); len(r) > MaxPromptLength {
		p = string(r[:MaxPromptLength])
	}
	return p
}
