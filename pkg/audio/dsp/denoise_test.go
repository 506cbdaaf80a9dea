package dsp_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxcmd/pkg/audio"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

func tone(n int, freq, rate float64, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestDenoiser_ZeroNoiseReconstructsInterior(t *testing.T) {
	const n = 256
	d, err := dsp.NewDenoiser(n, 1, make([]float32, n/2+1))
	if err != nil {
		t.Fatalf("NewDenoiser: %v", err)
	}
	in := tone(n, 1000, 16000, 0.5)
	out, err := d.ProcessBlock(in)
	if err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if len(out) != n {
		t.Fatalf("len = %d, want %d", len(out), n)
	}
	// Window division amplifies rounding near the edges; compare the middle.
	for i := n / 8; i < n-n/8; i++ {
		if d := math.Abs(float64(out[i] - in[i])); d > 1e-3 {
			t.Fatalf("sample %d: got %f, want %f", i, out[i], in[i])
		}
	}
}

func TestDenoiser_LargeNoiseSilences(t *testing.T) {
	const n = 256
	noise := make([]float32, n/2+1)
	for i := range noise {
		noise[i] = 1e6
	}
	d, err := dsp.NewDenoiser(n, 1, noise)
	if err != nil {
		t.Fatalf("NewDenoiser: %v", err)
	}
	out, err := d.ProcessBlock(tone(n, 440, 16000, 0.8))
	if err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	for i, v := range out {
		if math.Abs(float64(v)) > 1e-6 {
			t.Fatalf("sample %d = %f, want 0", i, v)
		}
	}
}

func TestDenoiser_ProcessPreservesLength(t *testing.T) {
	const n = 128
	d, err := dsp.NewDenoiser(n, 1.5, make([]float32, n/2+1))
	if err != nil {
		t.Fatalf("NewDenoiser: %v", err)
	}
	for _, l := range []int{1, 100, 128, 300, 8000} {
		out, err := d.Process(make([]float32, l))
		if err != nil {
			t.Fatalf("Process(%d): %v", l, err)
		}
		if len(out) != l {
			t.Errorf("Process(%d) len = %d", l, len(out))
		}
	}
}

func TestNewDenoiser_Validation(t *testing.T) {
	if _, err := dsp.NewDenoiser(1000, 1, make([]float32, 501)); !errors.Is(err, dsp.ErrNotPowerOfTwo) {
		t.Errorf("err = %v, want ErrNotPowerOfTwo", err)
	}
	if _, err := dsp.NewDenoiser(1024, 1, nil); err == nil {
		t.Error("expected error for missing noise spectrum")
	}
}

func TestAverageNoiseSpectrum(t *testing.T) {
	spec, err := dsp.AverageNoiseSpectrum(make([]float32, 100), 128)
	if err != nil || spec != nil {
		t.Errorf("short input: spec=%v err=%v, want nil/nil", spec, err)
	}

	spec, err = dsp.AverageNoiseSpectrum(tone(1024, 2000, 16000, 0.3), 256)
	if err != nil {
		t.Fatalf("AverageNoiseSpectrum: %v", err)
	}
	if len(spec) != 129 {
		t.Fatalf("len = %d, want 129", len(spec))
	}
	// 2 kHz at 16 kHz / 256 points lands on bin 32.
	peak := 0
	for k := range spec {
		if spec[k] > spec[peak] {
			peak = k
		}
	}
	if peak != 32 {
		t.Errorf("peak bin = %d, want 32", peak)
	}
}

func TestCalibrator_MeasuresBaseline(t *testing.T) {
	ring := audio.NewRing(16000)
	constant := make([]float32, 16000)
	for i := range constant {
		constant[i] = 0.1
	}
	ring.Push(constant)

	c := dsp.NewCalibrator(ring, dsp.CalibratorConfig{
		SampleRate:   16000,
		Seconds:      0.5,
		Denoise:      true,
		FFTSize:      512,
		PollInterval: 10 * time.Millisecond,
	})
	if c.State() != dsp.StateIdle {
		t.Fatalf("initial state = %v, want idle", c.State())
	}
	p := c.Run(context.Background())
	if c.State() != dsp.StateReady {
		t.Errorf("state = %v, want ready", c.State())
	}
	if math.Abs(float64(p.BaselineRMS-0.1)) > 1e-4 {
		t.Errorf("BaselineRMS = %f, want 0.1", p.BaselineRMS)
	}
	if len(p.NoiseSpectrum) != 257 {
		t.Errorf("spectrum bins = %d, want 257", len(p.NoiseSpectrum))
	}
	if c.Profile() != p {
		t.Error("Profile() should return the published profile")
	}
}

func TestCalibrator_NoAudioStillReady(t *testing.T) {
	c := dsp.NewCalibrator(audio.NewRing(1024), dsp.CalibratorConfig{
		SampleRate: 16000, Seconds: 2, Denoise: true, FFTSize: 256,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan *dsp.Profile, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case p := <-done:
		if p.BaselineRMS != dsp.MinBaselineRMS {
			t.Errorf("BaselineRMS = %g, want floor %g", p.BaselineRMS, dsp.MinBaselineRMS)
		}
		if p.HasSpectrum() {
			t.Error("expected no spectrum without audio")
		}
		if c.State() != dsp.StateReady {
			t.Errorf("state = %v, want ready", c.State())
		}
	case <-time.After(time.Second):
		t.Fatal("calibration did not finish after cancellation")
	}
}
