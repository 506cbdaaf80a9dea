package audio_test

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/voxcmd/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestEncodePCM16_KnownValues(t *testing.T) {
	got := bytesToSamples(audio.EncodePCM16([]float32{0, 1, -1, 0.5, -0.5, 2, -3}))
	// 0.5*32767 = 16383.5 truncates toward zero.
	want := []int16{0, 32767, -32767, 16383, -16383, 32767, -32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPCM16_RoundTripWithinQuantisation(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	in := make([]float32, 4096)
	for i := range in {
		in[i] = r.Float32()*2 - 1
	}
	in[0], in[1], in[2] = 1, -1, 0

	out := audio.DecodePCM16(audio.EncodePCM16(in))
	const tol = 1.0 / 32767
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > tol+1e-7 {
			t.Fatalf("sample %d: in=%f out=%f diff=%g > %g", i, in[i], out[i], d, tol)
		}
	}
}

func TestDecodePCM16_OddByteIgnored(t *testing.T) {
	got := audio.DecodePCM16([]byte{0xff, 0x7f, 0x01})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0] != 1 {
		t.Errorf("got %f, want 1", got[0])
	}
}

func TestDownmix(t *testing.T) {
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.6}, 2)
	want := []float32{0.3, -0.4}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("frame %d: got %f, want %f", i, got[i], want[i])
		}
	}
	mono := []float32{1, 2}
	if out := audio.Downmix(mono, 1); &out[0] != &mono[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestResample_SameRate(t *testing.T) {
	in := []float32{0.1, 0.2}
	if out := audio.Resample(in, 16000, 16000); len(out) != 2 || &out[0] != &in[0] {
		t.Error("same-rate resample should return input")
	}
}

func TestResample_Upsample(t *testing.T) {
	out := audio.Resample([]float32{0, 1}, 8000, 16000)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	// Midpoint between 0 and 1.
	if math.Abs(float64(out[1]-0.5)) > 1e-6 {
		t.Errorf("out[1] = %f, want 0.5", out[1])
	}
}

func TestResample_Downsample(t *testing.T) {
	in := make([]float32, 480)
	if out := audio.Resample(in, 48000, 16000); len(out) != 160 {
		t.Errorf("len = %d, want 160", len(out))
	}
}

func TestConverter_NoOp(t *testing.T) {
	c := audio.Converter{TargetRate: 16000}
	in := []float32{0.5, -0.5}
	out := c.Convert(in, 16000, 1)
	if &out[0] != &in[0] {
		t.Error("matching format should return input unchanged")
	}
}

func TestConverter_StereoDownsample(t *testing.T) {
	c := audio.Converter{TargetRate: 16000}
	in := make([]float32, 48000*2/100) // 10 ms stereo at 48 kHz
	out := c.Convert(in, 48000, 2)
	if len(out) != 160 {
		t.Errorf("len = %d, want 160", len(out))
	}
}
