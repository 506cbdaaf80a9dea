package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// pcm16Scale maps [-1, 1] onto the signed 16-bit range. Encoding truncates
// toward zero after scaling, so decoding divides by the same constant.
const pcm16Scale = 32767

// EncodePCM16 converts float samples to 16-bit signed little-endian PCM.
// Each sample is clamped to [-1, 1], scaled by 32767 and truncated.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	PutPCM16(out, samples)
	return out
}

// PutPCM16 writes the PCM16 encoding of samples into dst, which must hold at
// least 2*len(samples) bytes.
func PutPCM16(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(floatToPCM16(s)))
	}
}

func floatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * pcm16Scale)
}

// DecodePCM16 converts 16-bit signed little-endian PCM back to float samples.
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcm16Scale
	}
	return out
}

// Downmix averages interleaved multi-channel samples to mono. With one
// channel the input is returned unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Converter normalises captured audio to a target sample rate in mono. It
// logs a warning on the first format mismatch. Create one per stream.
type Converter struct {
	TargetRate int
	warned     sync.Once
}

// Convert downmixes and resamples interleaved samples captured at rate with
// the given channel count.
func (c *Converter) Convert(interleaved []float32, rate, channels int) []float32 {
	if rate == c.TargetRate && channels <= 1 {
		return interleaved
	}
	c.warned.Do(func() {
		slog.Warn("audio: format mismatch, converting",
			"from", formatString(rate, channels),
			"to", formatString(c.TargetRate, 1),
		)
	})
	return Resample(Downmix(interleaved, channels), rate, c.TargetRate)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
