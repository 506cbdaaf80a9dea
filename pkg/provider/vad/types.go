package vad

import "time"

// VADEvent is the result of feeding one block of audio to an [Indicator].
type VADEvent struct {
	// Type is the transition or steady state.
	Type VADEventType

	// Level is the mean absolute amplitude of the block.
	Level float32

	// At is the stream position of the block.
	At time.Duration
}

// VADEventType enumerates indicator states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns a lowercase name for the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
