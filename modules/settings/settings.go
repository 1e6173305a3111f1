// Package settings persists the delay configuration in SQLite.
//
// Values live in a single app_config key/value table so the viewer, the
// MQTT channel and a restart all observe the same delay, enabled flag and
// mode. Missing keys fall back to defaults: no delay, disabled, video.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Mode selects what is delayed. Only video arms the pipeline.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// MaxDelayMs bounds a persisted delay (10 minutes).
const MaxDelayMs = 600_000

// ErrInvalid is returned by Save for values that cannot be persisted.
var ErrInvalid = errors.New("settings: invalid value")

const (
	keyDelay      = "delay"
	keyEnabled    = "enabled"
	keyMode       = "mode"
	keyFullscreen = "is_fullscreen"
)

// Settings is the persisted user configuration.
type Settings struct {
	DelayMs uint `json:"delay"`
	Enabled bool `json:"enabled"`
	Mode    Mode `json:"mode"`
}

// Default is what Load returns for an empty store.
func Default() Settings {
	return Settings{Mode: ModeVideo}
}

// Arms reports whether these settings should arm the delay pipeline.
func (s Settings) Arms() bool {
	return s.Mode == ModeVideo && s.Enabled && s.DelayMs > 0
}

// ParseMode accepts "video" or "audio" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeVideo, "":
		return ModeVideo, nil
	case ModeAudio:
		return ModeAudio, nil
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalid, s)
	}
}

// Validate checks s before it is persisted.
func (s Settings) Validate() error {
	if s.DelayMs > MaxDelayMs {
		return fmt.Errorf("%w: delay %d ms exceeds %d", ErrInvalid, s.DelayMs, MaxDelayMs)
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	return nil
}

// Store is a SQLite-backed settings store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("settings: database path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settings: failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("settings: store opened", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("settings: migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted settings. Missing or unreadable values fall
// back to their defaults; only database failures are errors.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	values, err := s.list(ctx)
	if err != nil {
		return Default(), err
	}

	out := Default()
	if v, ok := values[keyDelay]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n <= MaxDelayMs {
			out.DelayMs = uint(n)
		} else {
			slog.Warn("settings: ignoring stored delay", "value", v)
		}
	}
	if v, ok := values[keyEnabled]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			out.Enabled = b
		} else {
			slog.Warn("settings: ignoring stored enabled flag", "value", v)
		}
	}
	if v, ok := values[keyMode]; ok {
		if m, err := ParseMode(v); err == nil {
			out.Mode = m
		} else {
			slog.Warn("settings: ignoring stored mode", "value", v)
		}
	}
	return out, nil
}

// Save validates and persists all fields atomically.
func (s *Store) Save(ctx context.Context, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	mode, _ := ParseMode(string(st.Mode))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settings: begin: %w", err)
	}
	defer tx.Rollback()

	values := map[string]string{
		keyDelay:   strconv.FormatUint(uint64(st.DelayMs), 10),
		keyEnabled: strconv.FormatBool(st.Enabled),
		keyMode:    string(mode),
	}
	for k, v := range values {
		if err := upsert(ctx, tx, k, v); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settings: commit: %w", err)
	}

	slog.Info("settings: saved",
		"delay_ms", st.DelayMs,
		"enabled", st.Enabled,
		"mode", mode,
	)
	return nil
}

// SaveFullscreen records the last full-screen state seen by the viewer.
func (s *Store) SaveFullscreen(ctx context.Context, active bool) error {
	return upsert(ctx, s.db, keyFullscreen, strconv.FormatBool(active))
}

// Fullscreen returns the last recorded full-screen state (false if never set).
func (s *Store) Fullscreen(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM app_config WHERE key = ?", keyFullscreen).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settings: read fullscreen: %w", err)
	}
	b, _ := strconv.ParseBool(v)
	return b, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("settings: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) list(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM app_config")
	if err != nil {
		return nil, fmt.Errorf("settings: read: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		values[k] = v
	}
	return values, rows.Err()
}
