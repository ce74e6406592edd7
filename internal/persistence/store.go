// Package persistence stores the small amount of state that must survive a
// restart: the per-project resume session token and the last rendered
// conversation snapshot. The snapshot is a warm-start cache only; the
// reconciliation loop replaces it with the canonical log soon after startup.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/strandlabs/strand/internal/conversation"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "strand-v1-2026-08-10-resume-snapshots"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound marks a lookup for a project the store has never seen.
var ErrNotFound = errors.New("not found")

// CachedSnapshot is the persisted warm-start state for one project.
type CachedSnapshot struct {
	Turns           []*conversation.Turn `json:"turns"`
	ResumeSessionID string               `json:"resume_session_id"`
	SavedAt         time.Time            `json:"saved_at"`
}

type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.strand/strand.db, falling back to the working
// directory when the home dir cannot be resolved.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".strand", "strand.db")
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// initSchema creates the tables and records the schema version in a
// checksum-guarded ledger. A database written by a newer build refuses to
// open rather than risking silent corruption.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			resume_session_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			project_id TEXT PRIMARY KEY REFERENCES projects(project_id),
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SaveResumeSession upserts the resume token for a project.
func (s *Store) SaveResumeSession(ctx context.Context, projectID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, resume_session_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_id) DO UPDATE SET
			resume_session_id = excluded.resume_session_id,
			updated_at = CURRENT_TIMESTAMP;
	`, projectID, sessionID)
	if err != nil {
		return fmt.Errorf("save resume session: %w", err)
	}
	return nil
}

// ResumeSession returns the stored resume token, or ErrNotFound for an
// unknown project.
func (s *Store) ResumeSession(ctx context.Context, projectID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT resume_session_id FROM projects WHERE project_id = ?;`, projectID,
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	if err != nil {
		return "", fmt.Errorf("read resume session: %w", err)
	}
	return sessionID, nil
}

// SaveSnapshot caches the current conversation state for warm startup.
func (s *Store) SaveSnapshot(ctx context.Context, projectID string, snap CachedSnapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.SaveResumeSession(ctx, projectID, snap.ResumeSessionID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (project_id, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP;
	`, projectID, string(payload))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached state, or ErrNotFound when the project has
// no snapshot yet.
func (s *Store) LoadSnapshot(ctx context.Context, projectID string) (CachedSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE project_id = ?;`, projectID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedSnapshot{}, fmt.Errorf("%w: snapshot for project %s", ErrNotFound, projectID)
	}
	if err != nil {
		return CachedSnapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap CachedSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return CachedSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	for _, turn := range snap.Turns {
		normalizeCachedTurn(turn)
	}
	return snap, nil
}

// normalizeCachedTurn closes out a turn that was cached mid-stream. No event
// source exists for it after a restart, so restoring it as streaming would
// block sends forever; it surfaces as an error with the partial text kept.
func normalizeCachedTurn(turn *conversation.Turn) {
	if turn == nil || turn.Status.Terminal() {
		return
	}
	turn.Status = conversation.StatusError
	if turn.AssistantText == "" {
		turn.AssistantText = turn.StreamingText
	}
	turn.StreamingText = ""
}

// Projects lists every project the store knows about.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id FROM projects ORDER BY project_id;`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
