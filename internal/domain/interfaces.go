package domain

import (
	"context"
)

// TemplateRepository persists form templates.
type TemplateRepository interface {
	Create(ctx context.Context, template *FormTemplate) error
	GetByID(ctx context.Context, id string) (*FormTemplate, error)
	ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]*FormTemplate, error)
	Delete(ctx context.Context, id string) error
}

// EntryRepository persists finalized form submissions.
type EntryRepository interface {
	Create(ctx context.Context, entry *EntryRecord) error
	GetByID(ctx context.Context, id string) (*EntryRecord, error)
	ListByTemplate(ctx context.Context, templateID string, limit, offset int) ([]*EntryRecord, error)
}

// TemplateCache caches templates between the API layer and the repository.
type TemplateCache interface {
	Get(ctx context.Context, id string) (*FormTemplate, bool, error)
	Set(ctx context.Context, template *FormTemplate) error
	Invalidate(ctx context.Context, id string) error
}

// DraftStore keeps partially completed answer maps for session resume.
type DraftStore interface {
	Save(ctx context.Context, draft *Draft) error
	Get(ctx context.Context, sessionID string) (*Draft, error)
	Delete(ctx context.Context, sessionID string) error
	PruneExpired(ctx context.Context) (int, error)
}

// SubmissionNotifier delivers a finalized entry to the downstream boundary
// that stores it alongside summary generation.
type SubmissionNotifier interface {
	Notify(ctx context.Context, entry *EntryRecord) error
}
