package vad

import "time"

// Indicator defaults.
const (
	DefaultIndicatorThreshold = 0.015
	DefaultSilenceDelay       = 250 * time.Millisecond
)

// Indicator tracks whether the user is currently speaking. A block is loud
// when its mean absolute amplitude exceeds Threshold; speaking ends only
// after SilenceDelay of continuous quiet blocks. Not safe for concurrent use.
type Indicator struct {
	// Threshold is the mean |sample| above which a block is loud.
	Threshold float32

	// SilenceDelay is the hangover before a speech end is reported.
	SilenceDelay time.Duration

	speaking bool
	lastLoud time.Duration
}

// NewIndicator returns an Indicator with the default threshold and delay.
func NewIndicator() *Indicator {
	return &Indicator{Threshold: DefaultIndicatorThreshold, SilenceDelay: DefaultSilenceDelay}
}

// Speaking reports the current state.
func (ind *Indicator) Speaking() bool { return ind.speaking }

// Process evaluates a block of samples captured at stream position at.
func (ind *Indicator) Process(samples []float32, at time.Duration) VADEvent {
	level := meanAbs(samples)
	ev := VADEvent{Level: level, At: at}

	if level > ind.Threshold {
		ind.lastLoud = at
		if ind.speaking {
			ev.Type = VADSpeechContinue
		} else {
			ind.speaking = true
			ev.Type = VADSpeechStart
		}
		return ev
	}

	if ind.speaking && at-ind.lastLoud >= ind.SilenceDelay {
		ind.speaking = false
		ev.Type = VADSpeechEnd
		return ev
	}
	if ind.speaking {
		ev.Type = VADSpeechContinue
		return ev
	}
	ev.Type = VADSilence
	return ev
}

// Reset returns the indicator to the silent state.
func (ind *Indicator) Reset() {
	ind.speaking = false
	ind.lastLoud = 0
}

func meanAbs(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		sum += float64(s)
	}
	return float32(sum / float64(len(samples)))
}
