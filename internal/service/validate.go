package service

import (
	"fmt"

	"github.com/intake-form-server/internal/domain"
)

// schemaError ties one offending field to the schema sentinel, so handlers
// map it with errors.Is while clients still see which field failed.
func schemaError(field, message string, value interface{}) error {
	return fmt.Errorf("%w: %w", domain.ErrInvalidSchema, domain.NewValidationError(field, message, value))
}

// ValidateTemplate checks a template's structural integrity before it is
// accepted. Conditions referencing unknown questions are deliberately NOT
// rejected here: at evaluation time they resolve to hidden, which keeps an
// edited template from breaking live sessions.
func ValidateTemplate(template *domain.FormTemplate) error {
	if template.Title == "" {
		return schemaError("title", "template title is required", template.Title)
	}
	if len(template.Sections) == 0 {
		return schemaError("sections", "template needs at least one section", nil)
	}

	seen := make(map[string]bool)
	for si := range template.Sections {
		section := &template.Sections[si]

		ids := make(map[string]bool, len(section.Questions))
		followupTemplates := make(map[string]bool)
		for qi := range section.Questions {
			q := &section.Questions[qi]
			field := fmt.Sprintf("sections[%d].questions[%d]", si, qi)
			if q.ID == "" {
				return schemaError(field+".id", "question has no id", nil)
			}
			if seen[q.ID] {
				return schemaError(field+".id", "duplicate question id", q.ID)
			}
			seen[q.ID] = true
			ids[q.ID] = true
			if q.IsFollowupTemplate {
				followupTemplates[q.ID] = true
			}

			if sc := q.Scoring; sc != nil && sc.Enabled && sc.MaxValue < sc.MinValue {
				return schemaError(field+".scoring", "scoring range is inverted", q.ID)
			}

			if err := validateConditionSections(q.ShowIf, field+".show_if", len(template.Sections)); err != nil {
				return err
			}
		}

		// Follow-up references must resolve within the same section.
		for qi := range section.Questions {
			q := &section.Questions[qi]
			for _, fid := range q.FollowupQuestionIDs {
				if !followupTemplates[fid] {
					return schemaError(
						fmt.Sprintf("sections[%d].questions[%d].followup_question_ids", si, qi),
						"referenced id is not a follow-up template in the same section", fid)
				}
			}
		}

		if err := validateConditionSections(section.ShowIf, fmt.Sprintf("sections[%d].show_if", si), len(template.Sections)); err != nil {
			return err
		}
	}

	return nil
}

func validateConditionSections(rule *domain.ShowIf, field string, sectionCount int) error {
	if rule == nil {
		return nil
	}
	for _, cond := range rule.Conditions {
		switch cond.Type {
		case domain.ConditionAnyAnswer, domain.ConditionSectionScore:
			if cond.Section < 0 || cond.Section >= sectionCount {
				return schemaError(field, fmt.Sprintf("condition references section %d of %d", cond.Section, sectionCount), cond.Section)
			}
		}
	}
	return nil
}
