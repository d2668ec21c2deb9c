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

// TemplateRepository handles form template persistence
type TemplateRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *pgxpool.Pool, logger *logrus.Logger) *TemplateRepository {
	return &TemplateRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new form template. A missing id is assigned here so the
// caller always gets one back on the template.
func (r *TemplateRepository) Create(ctx context.Context, template *domain.FormTemplate) error {
	if template.ID == "" {
		template.ID = uuid.NewString()
	}

	schema, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("marshaling template schema: %w", err)
	}

	query := `
		INSERT INTO form_templates (id, organization_id, title, schema)
		VALUES ($1, $2, $3, $4)`

	_, err = r.db.Exec(ctx, query,
		template.ID,
		template.OrganizationID,
		template.Title,
		schema,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"template_id": template.ID,
			"title":       template.Title,
			"error":       err,
		}).Error("Failed to create form template")
		return fmt.Errorf("creating form template: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"template_id":  template.ID,
		"organization": template.OrganizationID,
		"title":        template.Title,
	}).Info("Form template created")

	return nil
}

// GetByID retrieves a form template by its ID
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*domain.FormTemplate, error) {
	query := `
		SELECT schema
		FROM form_templates
		WHERE id = $1`

	var schema []byte
	err := r.db.QueryRow(ctx, query, id).Scan(&schema)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"template_id": id,
			"error":       err,
		}).Error("Failed to get form template")
		return nil, fmt.Errorf("getting form template: %w", err)
	}

	var template domain.FormTemplate
	if err := json.Unmarshal(schema, &template); err != nil {
		return nil, fmt.Errorf("unmarshaling template schema: %w", err)
	}
	template.ID = id

	return &template, nil
}

// ListByOrganization retrieves an organization's templates with pagination
func (r *TemplateRepository) ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]*domain.FormTemplate, error) {
	query := `
		SELECT id, schema
		FROM form_templates
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, orgID, limit, offset)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"organization": orgID,
			"error":        err,
		}).Error("Failed to list form templates")
		return nil, fmt.Errorf("listing form templates: %w", err)
	}
	defer rows.Close()

	var templates []*domain.FormTemplate
	for rows.Next() {
		var id string
		var schema []byte
		if err := rows.Scan(&id, &schema); err != nil {
			return nil, fmt.Errorf("scanning form template: %w", err)
		}

		var template domain.FormTemplate
		if err := json.Unmarshal(schema, &template); err != nil {
			return nil, fmt.Errorf("unmarshaling template schema: %w", err)
		}
		template.ID = id
		templates = append(templates, &template)
	}

	return templates, rows.Err()
}

// Delete removes a form template and, through the schema's cascade, its
// entries.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM form_templates WHERE id = $1`, id)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"template_id": id,
			"error":       err,
		}).Error("Failed to delete form template")
		return fmt.Errorf("deleting form template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}

	r.log.WithField("template_id", id).Info("Form template deleted")
	return nil
}
