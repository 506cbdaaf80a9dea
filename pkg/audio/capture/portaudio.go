package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxcmd/pkg/audio"
)

// defaultBufferDuration is the amount of audio fetched per blocking read.
const defaultBufferDuration = 20 * time.Millisecond

// PortAudio captures mono audio from a microphone.
type PortAudio struct {
	device     Device
	stream     *portaudio.Stream
	deviceRate int
	buf        []float32
	conv       *audio.Converter
	pending    []float32

	mu     sync.Mutex
	closed bool
}

// Devices lists the input devices known to PortAudio.
func Devices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()
	devs, _, err := inputDevices()
	return devs, err
}

// inputDevices must be called between Initialize and Terminate. It returns
// the input devices and the matching PortAudio handles.
func inputDevices() ([]Device, []*portaudio.DeviceInfo, error) {
	all, err := portaudio.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("capture: list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var (
		out     []Device
		handles []*portaudio.DeviceInfo
	)
	for _, d := range all {
		if d.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, Device{
			Index:      len(out),
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: d.DefaultSampleRate,
			IsDefault:  def != nil && d.Name == def.Name && d.HostApi == def.HostApi,
		})
		handles = append(handles, d)
	}
	return out, handles, nil
}

// OpenPortAudio opens the input device at index (or the default device for
// [DefaultDevice]) and starts capturing. Samples are delivered mono at
// sampleRate. An index outside the device list returns [ErrNoDevice].
func OpenPortAudio(index, sampleRate int) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialize portaudio: %w", err)
	}
	p, err := openPortAudio(index, sampleRate)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return p, nil
}

func openPortAudio(index, sampleRate int) (*PortAudio, error) {
	devs, handles, err := inputDevices()
	if err != nil {
		return nil, err
	}

	var (
		dev    Device
		handle *portaudio.DeviceInfo
	)
	switch {
	case index == DefaultDevice:
		handle, err = portaudio.DefaultInputDevice()
		if err != nil || handle == nil {
			return nil, fmt.Errorf("%w: no default input", ErrNoDevice)
		}
		dev = Device{Index: DefaultDevice, Name: handle.Name, Channels: handle.MaxInputChannels, SampleRate: handle.DefaultSampleRate, IsDefault: true}
	case index >= 0 && index < len(devs):
		dev, handle = devs[index], handles[index]
	default:
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoDevice, index, len(devs))
	}

	rate := int(handle.DefaultSampleRate)
	if rate <= 0 {
		rate = sampleRate
	}
	params := portaudio.LowLatencyParameters(handle, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = int(time.Duration(rate) * defaultBufferDuration / time.Second)

	buf := make([]float32, params.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("capture: open stream on %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("capture: start stream on %q: %w", dev.Name, err)
	}

	slog.Info("capture: microphone opened", "device", dev.Name, "device_rate", rate, "rate", sampleRate)
	return &PortAudio{
		device:     dev,
		stream:     stream,
		deviceRate: rate,
		buf:        buf,
		conv:       &audio.Converter{TargetRate: sampleRate},
	}, nil
}

// Device returns the device being captured.
func (p *PortAudio) Device() Device { return p.device }

// SampleRate implements audio.Source.
func (p *PortAudio) SampleRate() int { return p.conv.TargetRate }

// Read implements audio.Source. Each underlying read blocks for one device
// buffer, so cancellation is noticed within that interval.
func (p *PortAudio) Read(ctx context.Context, dst []float32) (int, error) {
	for len(p.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errors.New("capture: source closed")
		}
		err := p.stream.Read()
		p.mu.Unlock()
		if errors.Is(err, portaudio.InputOverflowed) {
			slog.Debug("capture: input overflowed")
			err = nil
		}
		if err != nil {
			return 0, fmt.Errorf("capture: read: %w", err)
		}
		p.pending = p.conv.Convert(append([]float32(nil), p.buf...), p.deviceRate, 1)
	}
	n := copy(dst, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Close stops the stream and releases PortAudio.
func (p *PortAudio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := errors.Join(p.stream.Stop(), p.stream.Close())
	return errors.Join(err, portaudio.Terminate())
}
