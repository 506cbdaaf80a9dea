package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/internal/store/sqlite"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

func open(t *testing.T, dsn string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_KeyValue(t *testing.T) {
	ctx := context.Background()
	s := open(t, ":memory:")

	if _, err := s.Get(ctx, store.KeyOpenAIAPIKey); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
	if err := s.Set(ctx, store.KeyOpenAIAPIKey, "sk-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, store.KeyOpenAIAPIKey, "sk-2"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.Get(ctx, store.KeyOpenAIAPIKey); err != nil || v != "sk-2" {
		t.Errorf("Get = %q, %v", v, err)
	}
	if err := s.Delete(ctx, store.KeyOpenAIAPIKey); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, store.KeyOpenAIAPIKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after Delete err = %v", err)
	}
}

func TestStore_Profile(t *testing.T) {
	ctx := context.Background()
	s := open(t, ":memory:")

	if _, err := s.LoadProfile(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	in := dsp.Profile{BaselineRMS: 0.003, NoiseSpectrum: []float32{0.5, 0.25, 0.125}, SampleRate: 16000, FFTSize: 4}
	if err := s.SaveProfile(ctx, in); err != nil {
		t.Fatal(err)
	}
	in.BaselineRMS = 0.004
	if err := s.SaveProfile(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadProfile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.BaselineRMS != 0.004 || len(got.NoiseSpectrum) != 3 || got.NoiseSpectrum[1] != 0.25 {
		t.Errorf("profile = %+v", got)
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "voxcmd.db")

	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, store.KeyMicDeviceIndex, "2"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2 := open(t, path)
	if v, err := s2.Get(ctx, store.KeyMicDeviceIndex); err != nil || v != "2" {
		t.Errorf("Get after reopen = %q, %v", v, err)
	}
}
