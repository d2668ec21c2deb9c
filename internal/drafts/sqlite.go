// Package drafts persists partially completed answer maps locally so a
// patient can resume a form after an interruption. Drafts live beside the
// server in SQLite; they are working state, not part of the submission
// record, and expire after a configured age.
package drafts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/intake-form-server/internal/domain"
)

// SQLiteStore implements domain.DraftStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	maxAge time.Duration
}

// NewSQLiteStore creates a new SQLite draft store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, maxAge time.Duration) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		maxAge: maxAge,
	}, nil
}

// newStoreWithDB wires a store onto an existing handle, used by tests.
func newStoreWithDB(db *sql.DB, maxAge time.Duration) *SQLiteStore {
	return &SQLiteStore{db: db, maxAge: maxAge}
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS drafts (
		session_id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		answers TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_drafts_updated_at ON drafts(updated_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save stores or replaces the draft for a session.
func (s *SQLiteStore) Save(ctx context.Context, draft *domain.Draft) error {
	answers, err := json.Marshal(draft.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal draft answers: %w", err)
	}

	draft.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (session_id, template_id, answers, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			template_id = excluded.template_id,
			answers = excluded.answers,
			updated_at = excluded.updated_at`,
		draft.SessionID, draft.TemplateID, string(answers), draft.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// Get retrieves the draft for a session. A draft older than the store's
// max age reports domain.ErrDraftExpired and is removed.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.Draft, error) {
	var draft domain.Draft
	var answers string

	err := s.db.QueryRowContext(ctx,
		"SELECT session_id, template_id, answers, updated_at FROM drafts WHERE session_id = ?",
		sessionID,
	).Scan(&draft.SessionID, &draft.TemplateID, &answers, &draft.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("draft %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}

	if s.maxAge > 0 && time.Since(draft.UpdatedAt) > s.maxAge {
		s.db.ExecContext(ctx, "DELETE FROM drafts WHERE session_id = ?", sessionID)
		return nil, fmt.Errorf("draft %s: %w", sessionID, domain.ErrDraftExpired)
	}

	if err := json.Unmarshal([]byte(answers), &draft.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft answers: %w", err)
	}
	return &draft, nil
}

// Delete removes the draft for a session. Deleting an absent draft is not
// an error.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM drafts WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// PruneExpired removes all drafts older than the store's max age and
// reports how many were removed.
func (s *SQLiteStore) PruneExpired(ctx context.Context) (int, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-s.maxAge)
	res, err := s.db.ExecContext(ctx, "DELETE FROM drafts WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune drafts: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned drafts: %w", err)
	}
	return int(n), nil
}

// Count returns the number of stored drafts.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM drafts").Scan(&count)
	return count, err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
