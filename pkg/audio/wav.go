package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header written by
// [EncodeWAV].
const WAVHeaderSize = 44

// ErrInvalidWAV is returned by [DecodeWAV] for input that is not a PCM WAV file.
var ErrInvalidWAV = errors.New("audio: invalid wav data")

// EncodeWAV wraps samples in a canonical mono 16-bit PCM WAV container at the
// given sample rate. The output is deterministic: the same input always
// yields the same bytes.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataSize := len(samples) * 2
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	out := make([]byte, WAVHeaderSize+dataSize)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))
	PutPCM16(out[WAVHeaderSize:], samples)
	return out
}

// DecodeWAV parses a PCM WAV file and returns its samples downmixed to mono,
// normalised to [-1, 1], together with the sample rate.
func DecodeWAV(data []byte) ([]float32, int, error) {
	return ReadWAV(bytes.NewReader(data))
}

// ReadWAV is like [DecodeWAV] but reads from r.
func ReadWAV(r io.ReadSeeker) ([]float32, int, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, ErrInvalidWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	channels := int(d.NumChans)
	samples := IntToFloat(buf, int(d.BitDepth))
	return Downmix(samples, channels), int(d.SampleRate), nil
}

// IntToFloat normalises the integer samples of buf to [-1, 1] given the
// source bit depth. 16-bit input is scaled by the same constant the encoder
// uses, so a round trip loses at most one quantisation step.
func IntToFloat(buf *goaudio.IntBuffer, bitDepth int) []float32 {
	scale := float32(pcm16Scale)
	if bitDepth > 0 && bitDepth != 16 {
		scale = float32(int64(1)<<(bitDepth-1)) - 1
	}
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out
}
