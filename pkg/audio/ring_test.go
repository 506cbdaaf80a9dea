package audio_test

import (
	"testing"

	"github.com/MrWong99/voxcmd/pkg/audio"
)

func seq(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from + i)
	}
	return out
}

func equalSamples(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %v, want %v (got=%v)", i, got[i], want[i], got)
		}
	}
}

func TestRing_PushAndExtract(t *testing.T) {
	r := audio.NewRing(8)
	r.Push(seq(1, 5))
	got := r.ExtractChunk(nil, 5, 0)
	equalSamples(t, got, seq(1, 5))
	if r.Written() != 5 {
		t.Errorf("Written = %d, want 5", r.Written())
	}
}

func TestRing_ExtractAcrossWrap(t *testing.T) {
	r := audio.NewRing(8)
	r.Push(seq(1, 6))
	r.Push(seq(7, 5)) // positions 6..10, physical wrap after index 7
	got := r.ExtractChunk(nil, 6, 5)
	equalSamples(t, got, seq(6, 6))
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := audio.NewRing(4)
	r.Push(seq(1, 6))
	// Only samples 3..6 survive; positions 0 and 1 are gone.
	got := r.ExtractChunk(nil, 6, 0)
	equalSamples(t, got, []float32{0, 0, 3, 4, 5, 6})
}

func TestRing_PushLargerThanCapacity(t *testing.T) {
	r := audio.NewRing(3)
	r.Push(seq(1, 10))
	if r.Written() != 10 {
		t.Fatalf("Written = %d, want 10", r.Written())
	}
	equalSamples(t, r.ExtractChunk(nil, 3, 7), []float32{8, 9, 10})
}

func TestRing_UnavailableRangeZeroFilled(t *testing.T) {
	r := audio.NewRing(8)
	r.Push(seq(1, 3))
	got := r.ExtractChunk(nil, 5, 1)
	equalSamples(t, got, []float32{2, 3, 0, 0, 0})

	// Entirely in the future.
	equalSamples(t, r.ExtractChunk(nil, 2, 100), []float32{0, 0})
	// Negative start is treated as not yet written.
	equalSamples(t, r.ExtractChunk(nil, 4, -2), []float32{0, 0, 1, 2})
}

func TestRing_ReusesDst(t *testing.T) {
	r := audio.NewRing(8)
	r.Push(seq(1, 4))
	dst := make([]float32, 16)
	for i := range dst {
		dst[i] = -1
	}
	got := r.ExtractChunk(dst, 6, 0)
	if &got[0] != &dst[0] {
		t.Error("expected dst to be reused")
	}
	equalSamples(t, got, []float32{1, 2, 3, 4, 0, 0})
}

func TestNewRing_MinimumCapacity(t *testing.T) {
	if c := audio.NewRing(0).Cap(); c != 1 {
		t.Errorf("Cap = %d, want 1", c)
	}
}
