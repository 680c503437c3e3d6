package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/mailzip-to-csv/model"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	subject     TEXT NOT NULL,
	mailbox     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	table_count INTEGER NOT NULL DEFAULT 0,
	row_count   INTEGER NOT NULL DEFAULT 0,
	output_path TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	message_id  TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	attachments TEXT NOT NULL DEFAULT '[]',
	error       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, position)
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteStore keeps run history in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

type runRow struct {
	ID         string `db:"id"`
	Subject    string `db:"subject"`
	Mailbox    string `db:"mailbox"`
	Status     string `db:"status"`
	Error      string `db:"error"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
	Tables     int    `db:"table_count"`
	Rows       int    `db:"row_count"`
	OutputPath string `db:"output_path"`
}

type messageRow struct {
	RunID       string `db:"run_id"`
	Position    int    `db:"position"`
	MessageID   string `db:"message_id"`
	Subject     string `db:"subject"`
	Status      string `db:"status"`
	Attachments string `db:"attachments"`
	Error       string `db:"error"`
}

// NewSQLiteStore opens or creates the database at path and applies pending
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Record stores the report and its per-message results in one transaction.
// Recording the same run id twice replaces the earlier record.
func (s *SQLiteStore) Record(ctx context.Context, report *model.Report) error {
	run := RunFromReport(report)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("clearing messages of run %s: %w", run.ID, err)
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, subject, mailbox, status, error,
			started_at, finished_at, table_count, row_count, output_path
		) VALUES (
			:id, :subject, :mailbox, :status, :error,
			:started_at, :finished_at, :table_count, :row_count, :output_path
		)`,
		runRow{
			ID:         run.ID,
			Subject:    run.Subject,
			Mailbox:    run.Mailbox,
			Status:     run.Status,
			Error:      run.Error,
			StartedAt:  run.StartedAt.UnixMilli(),
			FinishedAt: run.FinishedAt.UnixMilli(),
			Tables:     run.Tables,
			Rows:       run.Rows,
			OutputPath: run.OutputPath,
		})
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO messages (run_id, position, message_id, subject, status, attachments, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing message statement: %w", err)
	}
	defer stmt.Close()

	for i, m := range run.Messages {
		attachments, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("marshaling attachments of message %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, run.ID, i, m.ID, m.Subject, m.Status, string(attachments), m.Error); err != nil {
			return fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// Runs returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT * FROM runs ORDER BY started_at DESC, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}

	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		run := Run{
			ID:         r.ID,
			Subject:    r.Subject,
			Mailbox:    r.Mailbox,
			Status:     r.Status,
			Error:      r.Error,
			StartedAt:  time.UnixMilli(r.StartedAt).UTC(),
			FinishedAt: time.UnixMilli(r.FinishedAt).UTC(),
			Tables:     r.Tables,
			Rows:       r.Rows,
			OutputPath: r.OutputPath,
		}

		var messages []messageRow
		if err := s.db.SelectContext(ctx, &messages,
			"SELECT * FROM messages WHERE run_id = ? ORDER BY position", r.ID); err != nil {
			return nil, fmt.Errorf("querying messages of run %s: %w", r.ID, err)
		}
		for _, m := range messages {
			record := MessageRecord{
				ID:      m.MessageID,
				Subject: m.Subject,
				Status:  m.Status,
				Error:   m.Error,
			}
			if err := json.Unmarshal([]byte(m.Attachments), &record.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshaling attachments of message %s: %w", m.MessageID, err)
			}
			run.Messages = append(run.Messages, record)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
