// Package audit provides the SQLite-backed decision log.
// Every decision the orchestrator makes, including escalated AI attempts and
// human answers, is appended here and never updated.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// ErrNotFound is returned when a decision id is not in the log.
var ErrNotFound = errors.New("decision not found")

// Recorder appends decisions to a log.
type Recorder interface {
	Record(ctx context.Context, d *models.Decision) error
}

// DB wraps an SQLite database connection holding the decision log.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultPath returns the decision log path under a state directory.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "decisions.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenAndMigrate opens the log at path and applies pending migrations.
func OpenAndMigrate(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Decisions},
		{2, migrationV2EscalationLink},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Decisions = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	step INTEGER NOT NULL DEFAULT 0,
	question TEXT NOT NULL,
	answer TEXT NOT NULL,
	confidence REAL NOT NULL,
	reasoning TEXT,
	provenance TEXT NOT NULL,
	decided_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_run_id ON decisions(run_id);
CREATE INDEX IF NOT EXISTS idx_decisions_provenance ON decisions(provenance);
`

const migrationV2EscalationLink = `
ALTER TABLE decisions ADD COLUMN escalation_id TEXT;
CREATE INDEX IF NOT EXISTS idx_decisions_escalation_id ON decisions(escalation_id);
`

// Record appends d to the log. A missing id or timestamp is filled in.
func (db *DB) Record(ctx context.Context, d *models.Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO decisions (id, run_id, step, question, answer, confidence, reasoning, provenance, decided_at, escalation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, nullString(d.RunID), d.Step, d.Question, d.Answer, d.Confidence, nullString(d.Reasoning),
		string(d.Provenance), formatTime(d.DecidedAt), nullString(d.EscalationID))
	if err != nil {
		return fmt.Errorf("record decision %s: %w", d.ID, err)
	}
	return nil
}

// Get returns the decision with the given id.
func (db *DB) Get(ctx context.Context, id string) (*models.Decision, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, selectDecision+" WHERE id = ?", id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	return d, nil
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	RunID        string
	EscalationID string
	Provenance   models.Provenance
	Limit        int
}

// List returns decisions matching f, oldest first.
func (db *DB) List(ctx context.Context, f Filter) ([]models.Decision, error) {
	var where []string
	var args []any
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.EscalationID != "" {
		where = append(where, "escalation_id = ?")
		args = append(args, f.EscalationID)
	}
	if f.Provenance != "" {
		where = append(where, "provenance = ?")
		args = append(args, string(f.Provenance))
	}

	query := selectDecision
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY decided_at, rowid"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const selectDecision = `SELECT id, run_id, step, question, answer, confidence, reasoning, provenance, decided_at, escalation_id FROM decisions`

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (*models.Decision, error) {
	var d models.Decision
	var runID, reasoning, escID sql.NullString
	var provenance, decidedAt string
	if err := s.Scan(&d.ID, &runID, &d.Step, &d.Question, &d.Answer, &d.Confidence, &reasoning, &provenance, &decidedAt, &escID); err != nil {
		return nil, err
	}
	d.RunID = runID.String
	d.Reasoning = reasoning.String
	d.EscalationID = escID.String
	d.Provenance = models.Provenance(provenance)
	t, err := parseTime(decidedAt)
	if err != nil {
		return nil, fmt.Errorf("parse decided_at: %w", err)
	}
	d.DecidedAt = t
	return &d, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Recorder = (*DB)(nil)
