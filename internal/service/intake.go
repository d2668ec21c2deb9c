package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
	"github.com/intake-form-server/internal/engine"
)

// IntakeService orchestrates the form intake workflow: template access
// through the cache, live evaluation, draft resume and final submission.
type IntakeService struct {
	logger    *logrus.Logger
	engine    *engine.Engine
	templates domain.TemplateRepository
	entries   domain.EntryRepository
	cache     domain.TemplateCache
	drafts    domain.DraftStore
	notifier  domain.SubmissionNotifier
}

// NewIntakeService creates a new intake service. cache, drafts and notifier
// may be nil; the service degrades to direct repository access, no resume
// support and no downstream notification respectively.
func NewIntakeService(
	logger *logrus.Logger,
	eng *engine.Engine,
	templates domain.TemplateRepository,
	entries domain.EntryRepository,
	cache domain.TemplateCache,
	drafts domain.DraftStore,
	notifier domain.SubmissionNotifier,
) *IntakeService {
	return &IntakeService{
		logger:    logger,
		engine:    eng,
		templates: templates,
		entries:   entries,
		cache:     cache,
		drafts:    drafts,
		notifier:  notifier,
	}
}

// EvaluationResult is the response of a live evaluation pass: which parts
// of the form to render for the current answers, a preview of the document
// those answers would submit as, plus the running score when the template
// scores at all.
type EvaluationResult struct {
	VisibleSections  []int                      `json:"visible_sections"`
	SectionQuestions map[int][]string           `json:"section_questions"`
	DynamicQuestions []domain.DynamicQuestion   `json:"dynamic_questions"`
	PrunedAnswers    []string                   `json:"pruned_answers,omitempty"`
	Document         *domain.SubmissionDocument `json:"document"`
	Scoring          *domain.ScoringResult      `json:"scoring,omitempty"`
}

// CreateTemplate validates and persists a new form template.
func (s *IntakeService) CreateTemplate(ctx context.Context, template *domain.FormTemplate) error {
	if err := ValidateTemplate(template); err != nil {
		return err
	}

	if err := s.templates.Create(ctx, template); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, template); err != nil {
			s.logger.WithError(err).Warn("Failed to prime template cache")
		}
	}
	return nil
}

// GetTemplate fetches a template, cache first. Cache failures degrade to
// the repository rather than failing the request.
func (s *IntakeService) GetTemplate(ctx context.Context, id string) (*domain.FormTemplate, error) {
	if s.cache != nil {
		template, hit, err := s.cache.Get(ctx, id)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"template_id": id,
				"error":       err,
			}).Warn("Template cache read failed, falling back to repository")
		} else if hit {
			return template, nil
		}
	}

	template, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, template); err != nil {
			s.logger.WithError(err).Warn("Failed to backfill template cache")
		}
	}
	return template, nil
}

// ListTemplates lists an organization's templates.
func (s *IntakeService) ListTemplates(ctx context.Context, orgID string, limit, offset int) ([]*domain.FormTemplate, error) {
	return s.templates.ListByOrganization(ctx, orgID, limit, offset)
}

// DeleteTemplate removes a template and drops it from the cache.
func (s *IntakeService) DeleteTemplate(ctx context.Context, id string) error {
	if err := s.templates.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.WithError(err).Warn("Failed to invalidate template cache")
		}
	}
	return nil
}

// Evaluate runs one visibility pass for the given answers. Orphaned
// dynamic answers are pruned from the map before the result is derived,
// and their ids reported so the client can drop them too.
func (s *IntakeService) Evaluate(ctx context.Context, templateID string, answers domain.AnswerMap, mode domain.EvalMode) (*EvaluationResult, error) {
	template, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return s.EvaluateTemplate(template, answers, mode), nil
}

// EvaluateTemplate runs one visibility pass against an already-loaded
// template. Live sessions hold the template for their lifetime and call
// this per answer snapshot.
func (s *IntakeService) EvaluateTemplate(template *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) *EvaluationResult {
	res := s.engine.Resolve(template, answers, mode)
	pruned := engine.PruneOrphanedAnswers(answers, res)

	result := &EvaluationResult{
		VisibleSections:  res.VisibleSections,
		SectionQuestions: res.SectionQuestions,
		DynamicQuestions: res.DynamicQuestions,
		PrunedAnswers:    pruned,
		Document:         s.engine.BuildSubmission(template, answers, mode),
	}
	if templateScores(template) {
		result.Scoring = s.engine.Score(template, answers, mode)
	}
	return result
}

// NewSessionTracker creates a debounced document tracker for a live
// session against an already-loaded template.
func (s *IntakeService) NewSessionTracker(template *domain.FormTemplate, mode domain.EvalMode, onUpdate func(*domain.SubmissionDocument)) *engine.Tracker {
	return s.engine.NewTracker(template, mode, onUpdate)
}

// Submit finalizes an intake session: builds the submission document,
// scores it, persists the entry, clears the session's draft and notifies
// downstream. Draft cleanup and notification are best effort.
func (s *IntakeService) Submit(ctx context.Context, templateID, sessionID string, answers domain.AnswerMap, mode domain.EvalMode) (*domain.EntryRecord, error) {
	template, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	tracker := s.engine.NewTracker(template, mode, nil)
	defer tracker.Stop()
	doc := tracker.Finalize(answers)

	entry := &domain.EntryRecord{
		TemplateID:  template.ID,
		Submission:  doc,
		RawAnswers:  answers,
		Mode:        mode,
		SubmittedAt: doc.SubmittedAt,
	}
	if templateScores(template) {
		entry.Scoring = s.engine.Score(template, answers, mode)
	}

	if err := s.entries.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("persisting submission: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"entry_id":    entry.ID,
		"template_id": template.ID,
		"mode":        mode,
		"sections":    len(doc.Sections),
	}).Info("Form submission recorded")

	if s.drafts != nil && sessionID != "" {
		if err := s.drafts.Delete(ctx, sessionID); err != nil {
			s.logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"error":      err,
			}).Warn("Failed to clear submitted session's draft")
		}
	}

	if s.notifier != nil {
		go s.notify(entry)
	}

	return entry, nil
}

// notify delivers the entry downstream on its own deadline, detached from
// the request context.
func (s *IntakeService) notify(entry *domain.EntryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.notifier.Notify(ctx, entry); err != nil {
		s.logger.WithFields(logrus.Fields{
			"entry_id": entry.ID,
			"error":    err,
		}).Error("Downstream submission notification failed")
	}
}

// GetEntry retrieves a stored submission.
func (s *IntakeService) GetEntry(ctx context.Context, id string) (*domain.EntryRecord, error) {
	return s.entries.GetByID(ctx, id)
}

// ListEntries lists a template's submissions, newest first.
func (s *IntakeService) ListEntries(ctx context.Context, templateID string, limit, offset int) ([]*domain.EntryRecord, error) {
	return s.entries.ListByTemplate(ctx, templateID, limit, offset)
}

// SaveDraft stores a session's in-progress answers.
func (s *IntakeService) SaveDraft(ctx context.Context, draft *domain.Draft) error {
	if s.drafts == nil {
		return fmt.Errorf("draft store is not configured")
	}
	return s.drafts.Save(ctx, draft)
}

// GetDraft retrieves a session's in-progress answers.
func (s *IntakeService) GetDraft(ctx context.Context, sessionID string) (*domain.Draft, error) {
	if s.drafts == nil {
		return nil, fmt.Errorf("draft store is not configured")
	}
	return s.drafts.Get(ctx, sessionID)
}

// DeleteDraft discards a session's in-progress answers.
func (s *IntakeService) DeleteDraft(ctx context.Context, sessionID string) error {
	if s.drafts == nil {
		return fmt.Errorf("draft store is not configured")
	}
	return s.drafts.Delete(ctx, sessionID)
}

// templateScores reports whether anything in the template is scorable.
func templateScores(template *domain.FormTemplate) bool {
	if template.ScoringConfig != nil {
		return true
	}
	for i := range template.Sections {
		for j := range template.Sections[i].Questions {
			if sc := template.Sections[i].Questions[j].Scoring; sc != nil && sc.Enabled {
				return true
			}
		}
	}
	return false
}
