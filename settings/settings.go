// Package settings persists the user options (API key, endpoint, output
// language and model) in SQLite and serves them to the extraction client.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/scout/dbopen"
	"github.com/hazyhaar/scout/extraction"
	"github.com/hazyhaar/scout/horosafe"
)

// Storage keys.
const (
	KeyAPIKey          = "apiKey"
	KeyAPIEndpoint     = "apiEndpoint"
	KeyDefaultLanguage = "defaultLanguage"
	KeyModelType       = "modelType"
)

// Schema is the settings table.
const Schema = `CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Settings is the stored option set.
type Settings = extraction.Config

// Defaults returns the options of a fresh install.
func Defaults() Settings {
	return Settings{
		APIKey:          "",
		APIEndpoint:     extraction.DefaultEndpoint,
		DefaultLanguage: extraction.DefaultLanguage,
		Model:           extraction.DefaultModel,
	}
}

// ValidationError rejects a Save.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: %s: %s", e.Field, e.Reason)
}

// Store reads and writes settings.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New wraps db, creating the settings table when missing.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("settings: schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Open opens the settings database at path.
func Open(path string, logger *slog.Logger) (*Store, *sql.DB, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, nil, err
	}
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// Get returns the stored settings, with defaults for absent keys.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: query: %w", err)
	}
	defer rows.Close()

	out := Defaults()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Settings{}, fmt.Errorf("settings: scan: %w", err)
		}
		switch k {
		case KeyAPIKey:
			out.APIKey = v
		case KeyAPIEndpoint:
			out.APIEndpoint = v
		case KeyDefaultLanguage:
			out.DefaultLanguage = v
		case KeyModelType:
			out.Model = v
		}
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("settings: rows: %w", err)
	}
	return out, nil
}

// Load implements extraction.ConfigSource.
func (s *Store) Load(ctx context.Context) (extraction.Config, error) {
	return s.Get(ctx)
}

// Save validates and stores every field of in. Values are trimmed; an empty
// language or model falls back to its default.
func (s *Store) Save(ctx context.Context, in Settings) (Settings, error) {
	in, err := Normalize(in)
	if err != nil {
		return Settings{}, err
	}
	if err := s.write(ctx, in); err != nil {
		return Settings{}, err
	}
	s.logger.InfoContext(ctx, "settings: saved",
		"endpoint", in.APIEndpoint, "language", in.DefaultLanguage, "model", in.Model,
		"api_key_set", in.APIKey != "")
	return in, nil
}

// Reset restores Defaults.
func (s *Store) Reset(ctx context.Context) (Settings, error) {
	d := Defaults()
	if err := s.write(ctx, d); err != nil {
		return Settings{}, err
	}
	s.logger.InfoContext(ctx, "settings: reset to defaults")
	return d, nil
}

// Normalize trims in and checks the endpoint.
func Normalize(in Settings) (Settings, error) {
	in.APIKey = strings.TrimSpace(in.APIKey)
	in.APIEndpoint = strings.TrimSpace(in.APIEndpoint)
	in.DefaultLanguage = strings.TrimSpace(in.DefaultLanguage)
	in.Model = strings.TrimSpace(in.Model)

	if in.APIEndpoint == "" {
		return Settings{}, &ValidationError{Field: KeyAPIEndpoint, Reason: "required"}
	}
	if err := horosafe.ValidateURL(in.APIEndpoint); err != nil {
		return Settings{}, &ValidationError{Field: KeyAPIEndpoint, Reason: "not a valid http(s) URL"}
	}
	if in.DefaultLanguage == "" {
		in.DefaultLanguage = extraction.DefaultLanguage
	}
	if in.Model == "" {
		in.Model = extraction.DefaultModel
	}
	return in, nil
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func (s *Store) write(ctx context.Context, in Settings) error {
	now := s.now().Unix()
	pairs := [][2]string{
		{KeyAPIKey, in.APIKey},
		{KeyAPIEndpoint, in.APIEndpoint},
		{KeyDefaultLanguage, in.DefaultLanguage},
		{KeyModelType, in.Model},
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, p := range pairs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				p[0], p[1], now); err != nil {
				return fmt.Errorf("settings: write %s: %w", p[0], err)
			}
		}
		return nil
	})
}
