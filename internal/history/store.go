// Package history records the outcome of every analysed attachment in a
// local SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"scanbot/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Record is one attachment's processing outcome.
type Record struct {
	ID           string
	MessageID    string
	Channel      string
	ChatID       string
	SenderID     string
	AttachmentID string
	Filename     string
	Status       string
	Stage        domain.Stage // failing stage; empty on success
	Error        string
	Results      domain.ResultSet
	Chunks       int
	Duration     time.Duration
	CreatedAt    time.Time
}

// SQLiteStore persists Records.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analyses (
		id            TEXT PRIMARY KEY,
		message_id    TEXT,
		channel       TEXT,
		chat_id       TEXT,
		sender_id     TEXT,
		attachment_id TEXT,
		filename      TEXT,
		status        TEXT NOT NULL,
		stage         TEXT,
		error         TEXT,
		results       TEXT,
		questions     INTEGER DEFAULT 0,
		chunks        INTEGER DEFAULT 0,
		duration_ms   INTEGER DEFAULT 0,
		created_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_time ON analyses(created_at);
	CREATE INDEX IF NOT EXISTS idx_analyses_chat ON analyses(channel, chat_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts rec, replacing any record with the same ID.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO analyses
		 (id, message_id, channel, chat_id, sender_id, attachment_id, filename, status, stage, error,
		  results, questions, chunks, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, rec.Channel, rec.ChatID, rec.SenderID, rec.AttachmentID, rec.Filename,
		rec.Status, string(rec.Stage), rec.Error, string(results), len(rec.Results), rec.Chunks,
		rec.Duration.Milliseconds(), rec.CreatedAt.UTC(),
	)
	return err
}

// Recent returns the newest records first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, channel, chat_id, sender_id, attachment_id, filename, status, stage, error,
		        results, chunks, duration_ms, created_at
		 FROM analyses ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var stage, results string
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Channel, &r.ChatID, &r.SenderID, &r.AttachmentID,
			&r.Filename, &r.Status, &stage, &r.Error, &results, &r.Chunks, &durationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Stage = domain.Stage(stage)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if results != "" && results != "null" {
			if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
				s.logger.Warn("corrupt results column", "id", r.ID, "err", err)
			}
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Prune deletes records older than retention and returns how many went.
func (s *SQLiteStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM analyses WHERE created_at < ?`, time.Now().Add(-retention).UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
