package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/config"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

const settingsKey = "runtime"

// Schema version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agents (
    id                   TEXT PRIMARY KEY,
    role                 TEXT NOT NULL DEFAULT '',
    personality          TEXT NOT NULL DEFAULT '',
    access_level         INTEGER NOT NULL DEFAULT 1,
    directory_scopes     TEXT NOT NULL DEFAULT '[]',
    enabled_capabilities TEXT NOT NULL DEFAULT '{}',
    built_in             BOOLEAN NOT NULL DEFAULT 0,
    created_at           DATETIME NOT NULL,
    updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path, runs
// all pending schema migrations, and seeds the built-in agents. Pass
// ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL mode for better concurrency.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.seedAgents(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed agents: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// seedAgents inserts the built-in agents if they are missing. Existing rows
// are left alone so user edits to built-in agents survive restarts.
func (s *sqliteStore) seedAgents() error {
	now := time.Now().UTC()
	for _, a := range access.DefaultAgents() {
		scopes, caps, err := encodeAgentBlobs(&a)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(`
            INSERT OR IGNORE INTO agents(id, role, personality, access_level, directory_scopes, enabled_capabilities, built_in, created_at, updated_at)
            VALUES(?,?,?,?,?,?,?,?,?)
        `, a.ID, a.Role, a.Personality, int(a.AccessLevel), scopes, caps, a.BuiltIn, now, now)
		if err != nil {
			return fmt.Errorf("seed agent %q: %w", a.ID, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Agents ──────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveAgent(ctx context.Context, a *access.Agent) error {
	scopes, caps, err := encodeAgentBlobs(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO agents(id, role, personality, access_level, directory_scopes, enabled_capabilities, built_in, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            role                 = excluded.role,
            personality          = excluded.personality,
            access_level         = excluded.access_level,
            directory_scopes     = excluded.directory_scopes,
            enabled_capabilities = excluded.enabled_capabilities,
            updated_at           = excluded.updated_at
    `, a.ID, a.Role, a.Personality, int(a.AccessLevel), scopes, caps, a.BuiltIn, now, now)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, id string) (*access.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,role,personality,access_level,directory_scopes,enabled_capabilities,built_in FROM agents WHERE id=?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]*access.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,role,personality,access_level,directory_scopes,enabled_capabilities,built_in FROM agents ORDER BY built_in DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*access.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*access.Agent, error) {
	a := &access.Agent{}
	var level int
	var scopes, caps string
	if err := row.Scan(&a.ID, &a.Role, &a.Personality, &level, &scopes, &caps, &a.BuiltIn); err != nil {
		return nil, err
	}
	a.AccessLevel = access.Level(level)
	if err := json.Unmarshal([]byte(scopes), &a.DirectoryScopes); err != nil {
		return nil, fmt.Errorf("decode directory scopes for %q: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(caps), &a.EnabledCapabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for %q: %w", a.ID, err)
	}
	return a, nil
}

func encodeAgentBlobs(a *access.Agent) (scopes, caps string, err error) {
	sb, err := json.Marshal(a.DirectoryScopes)
	if err != nil {
		return "", "", fmt.Errorf("encode directory scopes: %w", err)
	}
	cb, err := json.Marshal(a.EnabledCapabilities)
	if err != nil {
		return "", "", fmt.Errorf("encode capabilities: %w", err)
	}
	return string(sb), string(cb), nil
}

// ─── Runtime settings ────────────────────────────────────────────────────────

func (s *sqliteStore) SaveSettings(ctx context.Context, settings config.Settings) error {
	blob, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO settings(key, value, updated_at)
        VALUES(?,?,?)
        ON CONFLICT(key) DO UPDATE SET
            value      = excluded.value,
            updated_at = excluded.updated_at
    `, settingsKey, string(blob), time.Now().UTC())
	return err
}

// LoadSettings returns the persisted runtime settings, or ErrNotFound when no
// settings have been saved yet (first run).
func (s *sqliteStore) LoadSettings(ctx context.Context) (*config.Settings, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, settingsKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var settings config.Settings
	if err := json.Unmarshal([]byte(blob), &settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &settings, nil
}
