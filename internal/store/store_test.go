package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/MrWong99/voxcmd/internal/command"
	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
	if err := m.Set(ctx, store.KeyMicDeviceIndex, "3"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := store.GetInt(ctx, m, store.KeyMicDeviceIndex)
	if err != nil || !ok || v != 3 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if err := m.Delete(ctx, store.KeyMicDeviceIndex); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.GetInt(ctx, m, store.KeyMicDeviceIndex); ok {
		t.Error("key survived Delete")
	}

	_ = m.Set(ctx, "n", "not a number")
	if _, ok, err := store.GetInt(ctx, m, "n"); ok || err != nil {
		t.Errorf("GetInt on text = %v, %v", ok, err)
	}
}

func TestMemory_Profile(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	if _, err := m.LoadProfile(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	spec := []float32{0.1, 0.2, 0.3}
	if err := m.SaveProfile(ctx, dsp.Profile{BaselineRMS: 0.01, NoiseSpectrum: spec, FFTSize: 4}); err != nil {
		t.Fatal(err)
	}
	spec[0] = 9

	got, err := m.LoadProfile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.NoiseSpectrum[0] != 0.1 || got.FFTSize != 4 {
		t.Errorf("profile = %+v", got)
	}
}

func TestProfileCodec(t *testing.T) {
	in := dsp.Profile{
		BaselineRMS:   0.002,
		NoiseSpectrum: []float32{1, 0.5, 0.25},
		SampleRate:    16000,
		FFTSize:       4,
		CalibratedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := store.EncodeProfile(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := store.DecodeProfile(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.BaselineRMS != in.BaselineRMS || out.SampleRate != in.SampleRate || !out.CalibratedAt.Equal(in.CalibratedAt) ||
		len(out.NoiseSpectrum) != 3 || out.NoiseSpectrum[2] != 0.25 {
		t.Errorf("decoded = %+v", out)
	}
	if _, err := store.DecodeProfile([]byte("{")); err == nil {
		t.Error("expected error for bad JSON")
	}
}

// brokenStore fails every operation.
type brokenStore struct{}

var errBroken = errors.New("disk on fire")

func (brokenStore) Get(context.Context, string) (string, error) { return "", errBroken }
func (brokenStore) Set(context.Context, string, string) error   { return errBroken }
func (brokenStore) Delete(context.Context, string) error        { return errBroken }
func (brokenStore) Close() error                                { return nil }

func TestGuard(t *testing.T) {
	ctx := context.Background()
	g := store.NewGuard(brokenStore{})

	if err := g.Set(ctx, "k", "v"); err != nil {
		t.Errorf("Set err = %v, want nil", err)
	}
	if !g.IsDegraded() {
		t.Error("not degraded after failure")
	}
	if _, err := g.Get(ctx, "k"); !errors.Is(err, errBroken) {
		t.Errorf("Get err = %v", err)
	}
	if err := g.SaveProfile(ctx, dsp.Profile{}); err != nil {
		t.Errorf("SaveProfile on non-profile store = %v", err)
	}
	if _, err := g.LoadProfile(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadProfile err = %v, want ErrNotFound", err)
	}

	healthy := store.NewGuard(store.NewMemory())
	_ = healthy.Set(ctx, "k", "v")
	if _, err := healthy.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing = %v", err)
	}
	if healthy.IsDegraded() {
		t.Error("not-found marked the store degraded")
	}
	if err := healthy.SaveProfile(ctx, dsp.Profile{FFTSize: 8}); err != nil {
		t.Fatal(err)
	}
	if p, err := healthy.LoadProfile(ctx); err != nil || p.FFTSize != 8 {
		t.Errorf("LoadProfile = %+v, %v", p, err)
	}
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := store.NewJournal(path)

	if evs, err := j.Recent(5); err != nil || len(evs) != 0 {
		t.Fatalf("Recent on missing file = %v, %v", evs, err)
	}

	for i := range 5 {
		ev := command.Event{Group: "G" + strconv.Itoa(i), Keyword: "k", Text: "t", Source: command.SourceVoice}
		if err := j.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	// A corrupt line is skipped.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("not json\n")
	f.Close()

	evs, err := j.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 || evs[0].Group != "G2" || evs[2].Group != "G4" {
		t.Errorf("Recent(3) = %+v", evs)
	}
	if evs, _ := j.Recent(10); len(evs) != 5 {
		t.Errorf("Recent(10) returned %d events", len(evs))
	}
}
