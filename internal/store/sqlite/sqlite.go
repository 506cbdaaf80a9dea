// Package sqlite provides an embedded SQLite implementation of store.Store
// and store.ProfileStore using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/voxcmd/internal/store"
	"github.com/MrWong99/voxcmd/pkg/audio/dsp"
)

var (
	_ store.Store        = (*Store)(nil)
	_ store.ProfileStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS calibration_profiles (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	profile    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Store keeps preferences in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and creates the tables.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One connection: in-memory databases are per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite store: get %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite store: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite store: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) SaveProfile(ctx context.Context, p dsp.Profile) error {
	data, err := store.EncodeProfile(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration_profiles (id, profile, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite store: save profile: %w", err)
	}
	return nil
}

func (s *Store) LoadProfile(ctx context.Context) (dsp.Profile, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM calibration_profiles WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return dsp.Profile{}, fmt.Errorf("%w: calibration profile", store.ErrNotFound)
	}
	if err != nil {
		return dsp.Profile{}, fmt.Errorf("sqlite store: load profile: %w", err)
	}
	return store.DecodeProfile([]byte(raw))
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
