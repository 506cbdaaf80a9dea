// Package capture provides [audio.Source] implementations: a PortAudio
// microphone and a WAV file replayed as if it were live.
//
// Both normalise their input to mono at the configured pipeline rate, so the
// rest of the pipeline never sees device formats.
package capture

import (
	"errors"

	"github.com/MrWong99/voxcmd/pkg/audio"
)

// ErrNoDevice is returned when no usable input device matches the request.
var ErrNoDevice = errors.New("capture: no input device")

// DefaultDevice selects the host's default input device.
const DefaultDevice = -1

// Device describes an input device. Index is the position in the list
// returned by Devices and is what gets persisted as the user's choice.
type Device struct {
	Index      int
	Name       string
	Channels   int
	SampleRate float64
	IsDefault  bool
}

var (
	_ audio.Source = (*PortAudio)(nil)
	_ audio.Source = (*WAVFile)(nil)
)
