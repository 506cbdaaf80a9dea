// Package postgres provides a PostgreSQL implementation of store.Store and
// store.ProfileStore. The calibration noise spectrum is kept in a pgvector
// column so profiles can be compared in SQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

var (
	_ store.Store        = (*Store)(nil)
	_ store.ProfileStore = (*Store)(nil)
)

// DB is the subset of [pgxpool.Pool] the store uses. Tests supply a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const ddl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voxcmd_preferences (
    key        TEXT         PRIMARY KEY,
    value      TEXT         NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voxcmd_calibration_profiles (
    id             SMALLINT     PRIMARY KEY CHECK (id = 1),
    baseline_rms   REAL         NOT NULL,
    noise_spectrum vector,
    sample_rate    INTEGER      NOT NULL,
    fft_size       INTEGER      NOT NULL,
    calibrated_at  TIMESTAMPTZ  NOT NULL
);
`

const (
	sqlGet    = `SELECT value FROM voxcmd_preferences WHERE key = $1`
	sqlSet    = `INSERT INTO voxcmd_preferences (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	sqlDelete = `DELETE FROM voxcmd_preferences WHERE key = $1`

	sqlSaveProfile = `INSERT INTO voxcmd_calibration_profiles (id, baseline_rms, noise_spectrum, sample_rate, fft_size, calibrated_at)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET baseline_rms = EXCLUDED.baseline_rms, noise_spectrum = EXCLUDED.noise_spectrum,
    sample_rate = EXCLUDED.sample_rate, fft_size = EXCLUDED.fft_size, calibrated_at = EXCLUDED.calibrated_at`
	sqlLoadProfile = `SELECT baseline_rms, noise_spectrum, sample_rate, fft_size, calibrated_at FROM voxcmd_calibration_profiles WHERE id = 1`
)

// Store is the PostgreSQL-backed preference store.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New connects to dsn, registers pgvector types on every connection and
// creates the tables.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB wraps an existing connection. The caller owns db and must have
// run [Migrate].
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates the extension and tables if they do not exist.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRow(ctx, sqlGet, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: get %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.Exec(ctx, sqlSet, key, value); err != nil {
		return fmt.Errorf("postgres store: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, sqlDelete, key); err != nil {
		return fmt.Errorf("postgres store: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) SaveProfile(ctx context.Context, p dsp.Profile) error {
	var spectrum *pgvector.Vector
	if len(p.NoiseSpectrum) > 0 {
		v := pgvector.NewVector(p.NoiseSpectrum)
		spectrum = &v
	}
	calibrated := p.CalibratedAt
	if calibrated.IsZero() {
		calibrated = time.Now()
	}
	_, err := s.db.Exec(ctx, sqlSaveProfile,
		p.BaselineRMS, spectrum, p.SampleRate, p.FFTSize, calibrated.UTC())
	if err != nil {
		return fmt.Errorf("postgres store: save profile: %w", err)
	}
	return nil
}

func (s *Store) LoadProfile(ctx context.Context) (dsp.Profile, error) {
	var (
		p        dsp.Profile
		spectrum *pgvector.Vector
	)
	err := s.db.QueryRow(ctx, sqlLoadProfile).Scan(&p.BaselineRMS, &spectrum, &p.SampleRate, &p.FFTSize, &p.CalibratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return dsp.Profile{}, fmt.Errorf("%w: calibration profile", store.ErrNotFound)
	}
	if err != nil {
		return dsp.Profile{}, fmt.Errorf("postgres store: load profile: %w", err)
	}
	if spectrum != nil {
		p.NoiseSpectrum = spectrum.Slice()
	}
	return p, nil
}

// Close releases the pool when the store created it.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
