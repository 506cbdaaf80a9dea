package energy

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/voxcmd/pkg/provider/vad"
)

func newTestDetector(t *testing.T, baseline float32) *Detector {
	t.Helper()
	d, err := New(vad.Config{SampleRate: 16000, ThresholdMultiplier: 1.6, MinSpeechFraction: 0.08})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.SetBaseline(baseline)
	return d
}

func TestFrameSize(t *testing.T) {
	tests := []struct{ rate, want int }{
		{16000, 160}, {48000, 480}, {8000, 80}, {4000, 64}, {1000, 64},
	}
	for _, tc := range tests {
		d, err := New(vad.Config{SampleRate: tc.rate, ThresholdMultiplier: 1, MinSpeechFraction: 0.1})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if d.FrameSize() != tc.want {
			t.Errorf("rate %d: frame size = %d, want %d", tc.rate, d.FrameSize(), tc.want)
		}
	}
}

func TestClassify_SilenceNeverSpeech(t *testing.T) {
	for _, baseline := range []float32{0, 1e-9, 0.01} {
		d := newTestDetector(t, baseline)
		dec := d.Classify(make([]float32, 8000))
		if dec.Speech {
			t.Errorf("baseline %g: all-zero chunk classified as speech", baseline)
		}
		if dec.Frames != 50 {
			t.Errorf("frames = %d, want 50", dec.Frames)
		}
	}
}

func TestClassify_LoudChunkAlwaysSpeech(t *testing.T) {
	const baseline = 0.01
	d := newTestDetector(t, baseline)
	thr := float64(baseline) * 1.6
	// Constant amplitude gives frame RMS equal to the amplitude.
	chunk := make([]float32, 8000)
	for i := range chunk {
		chunk[i] = float32(10 * thr)
		if i%2 == 1 {
			chunk[i] = -chunk[i]
		}
	}
	dec := d.Classify(chunk)
	if !dec.Speech {
		t.Fatalf("chunk at 10x threshold not classified as speech: %+v", dec)
	}
	if dec.SpeechFraction != 1 {
		t.Errorf("speech fraction = %f, want 1", dec.SpeechFraction)
	}
}

func TestClassify_MinSpeechFractionBoundary(t *testing.T) {
	d := newTestDetector(t, 0.01)
	// 100 frames; 8 loud frames is exactly 0.08.
	chunk := make([]float32, 160*100)
	for f := range 8 {
		for i := range 160 {
			chunk[f*160+i] = 0.5
		}
	}
	if dec := d.Classify(chunk); !dec.Speech || math.Abs(dec.SpeechFraction-0.08) > 1e-9 {
		t.Errorf("8/100 loud frames: %+v, want speech at 0.08", dec)
	}
	for i := range 160 {
		chunk[7*160+i] = 0
	}
	if dec := d.Classify(chunk); dec.Speech {
		t.Errorf("7/100 loud frames classified as speech: %+v", dec)
	}
}

func TestThreshold_Floor(t *testing.T) {
	d := newTestDetector(t, 0)
	if got := d.Threshold(); got != float32(thresholdFloor) {
		t.Errorf("threshold = %g, want %g", got, thresholdFloor)
	}
	d.SetBaseline(0.1)
	if got := d.Threshold(); math.Abs(float64(got)-0.16) > 1e-6 {
		t.Errorf("threshold = %g, want 0.16", got)
	}
}

func TestClassify_ZeroFractionStillNeedsALoudFrame(t *testing.T) {
	// Validate rejects a zero fraction, so build the detector directly.
	d := &Detector{frameSize: 160, multiplier: 1.6}
	d.SetBaseline(0.01)
	if dec := d.Classify(make([]float32, 16000)); dec.Speech {
		t.Errorf("all-zero chunk with zero min fraction classified as speech: %+v", dec)
	}
	loud := make([]float32, 16000)
	loud[0] = 1
	if dec := d.Classify(loud); !dec.Speech {
		t.Errorf("chunk with one loud frame not classified as speech: %+v", dec)
	}
}

func TestClassify_IgnoresPartialFrame(t *testing.T) {
	d := newTestDetector(t, 0.01)
	// 2 silent frames followed by 100 loud samples.
	chunk := make([]float32, 420)
	for i := 320; i < len(chunk); i++ {
		chunk[i] = 0.5
	}
	dec := d.Classify(chunk)
	if dec.Frames != 2 || dec.Speech {
		t.Errorf("trailing partial frame was evaluated: %+v", dec)
	}
	if dec := d.Classify(make([]float32, 100)); dec.Frames != 0 || dec.Speech {
		t.Errorf("sub-frame chunk: %+v", dec)
	}
}

func TestClassify_Empty(t *testing.T) {
	d := newTestDetector(t, 0.01)
	if dec := d.Classify(nil); dec.Speech || dec.Frames != 0 {
		t.Errorf("empty chunk: %+v", dec)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(vad.Config{SampleRate: 16000, ThresholdMultiplier: 1, MinSpeechFraction: 0}); !errors.Is(err, vad.ErrInvalidConfig) {
		t.Errorf("zero min speech fraction: err = %v, want ErrInvalidConfig", err)
	}
	_, err := New(vad.Config{SampleRate: 0, ThresholdMultiplier: 1, MinSpeechFraction: 2})
	if !errors.Is(err, vad.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestEngine_NewDetector(t *testing.T) {
	det, err := Engine{}.NewDetector(vad.Config{SampleRate: 16000, ThresholdMultiplier: 2, MinSpeechFraction: 0.5})
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	if _, ok := det.(*Detector); !ok {
		t.Errorf("NewDetector returned %T", det)
	}
}
