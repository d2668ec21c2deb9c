package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
)

// EntryRepository handles finalized submission persistence
type EntryRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewEntryRepository creates a new entry repository
func NewEntryRepository(db *pgxpool.Pool, logger *logrus.Logger) *EntryRepository {
	return &EntryRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a finalized submission entry
func (r *EntryRepository) Create(ctx context.Context, entry *domain.EntryRecord) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	submission, err := json.Marshal(entry.Submission)
	if err != nil {
		return fmt.Errorf("marshaling submission document: %w", err)
	}
	rawAnswers, err := json.Marshal(entry.RawAnswers)
	if err != nil {
		return fmt.Errorf("marshaling raw answers: %w", err)
	}

	var scoring []byte
	if entry.Scoring != nil {
		scoring, err = json.Marshal(entry.Scoring)
		if err != nil {
			return fmt.Errorf("marshaling scoring result: %w", err)
		}
	}

	query := `
		INSERT INTO form_entries (id, template_id, submission, raw_answers, scoring, mode, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Exec(ctx, query,
		entry.ID,
		entry.TemplateID,
		submission,
		rawAnswers,
		scoring,
		string(entry.Mode),
		entry.SubmittedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"entry_id":    entry.ID,
			"template_id": entry.TemplateID,
			"error":       err,
		}).Error("Failed to create form entry")
		return fmt.Errorf("creating form entry: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"entry_id":    entry.ID,
		"template_id": entry.TemplateID,
		"mode":        entry.Mode,
	}).Info("Form entry created")

	return nil
}

// GetByID retrieves a submission entry by its ID
func (r *EntryRepository) GetByID(ctx context.Context, id string) (*domain.EntryRecord, error) {
	query := `
		SELECT id, template_id, submission, raw_answers, scoring, mode, submitted_at, created_at
		FROM form_entries
		WHERE id = $1`

	entry, err := scanEntry(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("entry %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"entry_id": id,
			"error":    err,
		}).Error("Failed to get form entry")
		return nil, fmt.Errorf("getting form entry: %w", err)
	}

	return entry, nil
}

// ListByTemplate retrieves a template's entries, newest first
func (r *EntryRepository) ListByTemplate(ctx context.Context, templateID string, limit, offset int) ([]*domain.EntryRecord, error) {
	query := `
		SELECT id, template_id, submission, raw_answers, scoring, mode, submitted_at, created_at
		FROM form_entries
		WHERE template_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, templateID, limit, offset)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"template_id": templateID,
			"error":       err,
		}).Error("Failed to list form entries")
		return nil, fmt.Errorf("listing form entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.EntryRecord
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning form entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// scanEntry reads one entry row, decoding the JSONB payload columns.
func scanEntry(row pgx.Row) (*domain.EntryRecord, error) {
	var entry domain.EntryRecord
	var submission, rawAnswers, scoring []byte
	var mode string

	err := row.Scan(
		&entry.ID,
		&entry.TemplateID,
		&submission,
		&rawAnswers,
		&scoring,
		&mode,
		&entry.SubmittedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Mode = domain.EvalMode(mode)
	if err := json.Unmarshal(submission, &entry.Submission); err != nil {
		return nil, fmt.Errorf("unmarshaling submission document: %w", err)
	}
	if err := json.Unmarshal(rawAnswers, &entry.RawAnswers); err != nil {
		return nil, fmt.Errorf("unmarshaling raw answers: %w", err)
	}
	if len(scoring) > 0 {
		if err := json.Unmarshal(scoring, &entry.Scoring); err != nil {
			return nil, fmt.Errorf("unmarshaling scoring result: %w", err)
		}
	}

	return &entry, nil
}
