package engine

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
)

// runtimeIDSeparator joins the sanitized template id and parent value in a
// dynamic question's runtime id.
const runtimeIDSeparator = "_for_"

// optionPlaceholder is substituted with the parent's selected value in a
// follow-up template's label.
const optionPlaceholder = "{option}"

// Resolution is the output of one visibility pass over a template: which
// sections are visible, which static questions within them, and the set of
// materialized dynamic follow-up instances. For a fixed template and answer
// map the output is fully deterministic, including ordering.
type Resolution struct {
	VisibleSections  []int                    `json:"visible_sections"`
	SectionQuestions map[int][]string         `json:"section_questions"`
	DynamicQuestions []domain.DynamicQuestion `json:"dynamic_questions"`
	Passes           int                      `json:"passes"`
	Converged        bool                     `json:"converged"`

	// followupTemplateIDs are the schema's follow-up template ids; runtime
	// answer keys are recognized against them, never by shape alone.
	followupTemplateIDs []string
}

// Dynamic returns the materialized instance with the given runtime id.
func (r *Resolution) Dynamic(runtimeID string) (*domain.DynamicQuestion, bool) {
	for i := range r.DynamicQuestions {
		if r.DynamicQuestions[i].RuntimeID == runtimeID {
			return &r.DynamicQuestions[i], true
		}
	}
	return nil, false
}

// resolve computes the visible set for a template, answer map and mode.
// Question visibility can depend on another dynamic instance's answer, so
// question-level resolution re-runs until the visible set stabilizes,
// bounded by the engine's pass cap. The cap is a safety valve against
// non-converging schemas, not a semantic guarantee; hitting it logs a
// schema-integrity warning and keeps the last visibility set reached.
func (e *Engine) resolve(tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) *Resolution {
	res := &Resolution{
		SectionQuestions: make(map[int][]string),
	}

	for _, section := range tpl.Sections {
		for _, q := range section.Questions {
			if q.IsFollowupTemplate {
				res.followupTemplateIDs = append(res.followupTemplateIDs, q.ID)
			}
		}
	}

	for i, section := range tpl.Sections {
		if EvaluateShowIf(section.ShowIf, tpl, answers, mode) {
			res.VisibleSections = append(res.VisibleSections, i)
		}
	}

	var prevSig string
	var dynamics []domain.DynamicQuestion

	for pass := 1; pass <= e.maxPasses; pass++ {
		res.Passes = pass
		sectionQuestions := make(map[int][]string, len(res.VisibleSections))
		nextDynamics := make([]domain.DynamicQuestion, 0, len(dynamics))
		seen := make(map[string]bool)

		for _, idx := range res.VisibleSections {
			section := tpl.Sections[idx]
			var visible []string

			for _, q := range section.Questions {
				if !questionVisible(&q, tpl, answers, mode) {
					continue
				}
				visible = append(visible, q.ID)
			}
			sectionQuestions[idx] = visible

			// Materialize follow-ups: static parents in schema order first,
			// then instances carried over from the previous pass (chained
			// follow-ups of follow-ups).
			for _, q := range section.Questions {
				if !questionVisible(&q, tpl, answers, mode) {
					continue
				}
				nextDynamics = materializeFollowups(nextDynamics, seen, &q, q.ID, idx, &section, answers)
			}
			for _, dq := range dynamics {
				if dq.Section != idx {
					continue
				}
				nextDynamics = materializeFollowups(nextDynamics, seen, &dq.Question, dq.RuntimeID, idx, &section, answers)
			}
		}

		dynamics = nextDynamics
		res.SectionQuestions = sectionQuestions
		res.DynamicQuestions = dynamics

		sig := resolutionSignature(res)
		if sig == prevSig {
			res.Converged = true
			break
		}
		prevSig = sig
	}

	if !res.Converged {
		e.log.WithFields(logrus.Fields{
			"form_title": tpl.Title,
			"passes":     res.Passes,
		}).Warn("Visibility resolution did not converge within pass cap, using last visibility set")
	} else {
		e.log.WithFields(logrus.Fields{
			"form_title":        tpl.Title,
			"passes":            res.Passes,
			"visible_sections":  len(res.VisibleSections),
			"dynamic_questions": len(res.DynamicQuestions),
		}).Debug("Resolved form visibility")
	}

	return res
}

// questionVisible applies the static-question visibility rule: follow-up
// templates are never directly visible, mode restrictions apply, and the
// question's own show_if must pass.
func questionVisible(q *domain.FormQuestion, tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) bool {
	if q.IsFollowupTemplate {
		return false
	}
	if !modeAllows(q.ShowInMode, mode) {
		return false
	}
	return EvaluateShowIf(q.ShowIf, tpl, answers, mode)
}

// modeAllows checks a question's show_in_mode restriction against the
// caller's mode. Absent or "all" means both audiences.
func modeAllows(showInMode string, mode domain.EvalMode) bool {
	switch showInMode {
	case "", "all":
		return true
	case string(domain.ModeOptician):
		return mode == domain.ModeOptician
	case string(domain.ModePatient):
		return mode == domain.ModePatient
	default:
		return true
	}
}

// materializeFollowups instantiates the parent question's follow-up
// templates, one instance per selected value. Templates are looked up in
// the parent's own section only.
func materializeFollowups(out []domain.DynamicQuestion, seen map[string]bool, parent *domain.FormQuestion, parentAnswerID string, sectionIdx int, section *domain.FormSection, answers domain.AnswerMap) []domain.DynamicQuestion {
	if len(parent.FollowupQuestionIDs) == 0 {
		return out
	}

	values := selectedValues(answers[parentAnswerID])
	for _, value := range values {
		for _, followupID := range parent.FollowupQuestionIDs {
			tmpl := findFollowupTemplate(section, followupID)
			if tmpl == nil {
				continue
			}
			runtimeID := RuntimeID(followupID, value)
			if seen[runtimeID] {
				continue
			}
			seen[runtimeID] = true

			instance := *tmpl
			instance.ID = runtimeID
			instance.Label = strings.ReplaceAll(tmpl.Label, optionPlaceholder, value)
			instance.IsFollowupTemplate = false

			out = append(out, domain.DynamicQuestion{
				RuntimeID:   runtimeID,
				OriginalID:  followupID,
				ParentID:    parent.ID,
				ParentValue: value,
				Section:     sectionIdx,
				Question:    instance,
			})
		}
	}
	return out
}

// findFollowupTemplate locates a follow-up template by static id within one
// section.
func findFollowupTemplate(section *domain.FormSection, id string) *domain.FormQuestion {
	for i := range section.Questions {
		if section.Questions[i].ID == id && section.Questions[i].IsFollowupTemplate {
			return &section.Questions[i]
		}
	}
	return nil
}

// selectedValues normalizes a parent answer to the list of selected values:
// arrays pass through, truthy scalars are wrapped, empty answers yield none.
func selectedValues(answer interface{}) []string {
	switch a := answer.(type) {
	case nil:
		return nil
	case []string:
		return a
	case []interface{}:
		values := make([]string, 0, len(a))
		for _, v := range a {
			if s, ok := v.(string); ok && s != "" {
				values = append(values, s)
			}
		}
		return values
	case string:
		if a == "" {
			return nil
		}
		return []string{a}
	case bool:
		if !a {
			return nil
		}
		return []string{"true"}
	case float64:
		if a == 0 {
			return nil
		}
		return []string{trimFloat(a)}
	default:
		return nil
	}
}

// trimFloat renders numeric parent values without a trailing ".0" so that
// runtime ids stay stable across number encodings.
func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}

// resolutionSignature builds a stable fingerprint of the visible set used to
// detect the fixed point.
func resolutionSignature(res *Resolution) string {
	var b strings.Builder
	for _, idx := range res.VisibleSections {
		fmt.Fprintf(&b, "s%d:", idx)
		for _, id := range res.SectionQuestions[idx] {
			b.WriteString(id)
			b.WriteByte(',')
		}
	}
	b.WriteByte('|')
	for _, dq := range res.DynamicQuestions {
		b.WriteString(dq.RuntimeID)
		b.WriteByte(',')
	}
	return b.String()
}

// PruneOrphanedAnswers removes answers keyed by runtime ids whose dynamic
// instance is no longer materialized, so that deselecting a parent value
// also drops the follow-up's captured answer. Returns the removed keys.
// A key only counts as a runtime id when its prefix names one of the
// template's follow-up templates; a static id that happens to contain the
// separator ("reason_for_visit") is never pruned.
func PruneOrphanedAnswers(answers domain.AnswerMap, res *Resolution) []string {
	active := make(map[string]bool, len(res.DynamicQuestions))
	for _, dq := range res.DynamicQuestions {
		active[dq.RuntimeID] = true
	}

	var removed []string
	for key := range answers {
		if _, _, ok := ExtractRuntimeParts(key); !ok {
			continue
		}
		if !res.isRuntimeKey(key) {
			continue
		}
		if !active[key] {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		delete(answers, key)
	}
	return removed
}

// isRuntimeKey reports whether an answer key addresses a dynamic instance
// of one of the template's follow-up templates.
func (r *Resolution) isRuntimeKey(key string) bool {
	for _, id := range r.followupTemplateIDs {
		if runtimeKeyFor(key, id) {
			return true
		}
	}
	return false
}

// runtimeKeyFor reports whether an answer key is a runtime id of the given
// follow-up template, anchored on the template's sanitized id.
func runtimeKeyFor(key, templateID string) bool {
	prefix := SanitizeID(templateID) + runtimeIDSeparator
	return strings.HasPrefix(key, prefix) && len(key) > len(prefix)
}

// SanitizeID strips diacritics and collapses anything outside [A-Za-z0-9]
// to single underscores, preserving case. Runtime ids built from Swedish
// option labels ("Grå-starr (operation)") must come out ASCII-clean and
// stable across calls.
func SanitizeID(s string) string {
	s = foldDiacritics(s)
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// foldDiacritics transliterates the accented characters that occur in the
// Nordic form content this engine processes.
var diacriticsReplacer = strings.NewReplacer(
	"å", "a", "Å", "A",
	"ä", "a", "Ä", "A",
	"ö", "o", "Ö", "O",
	"é", "e", "É", "E",
	"è", "e", "È", "E",
	"ü", "u", "Ü", "U",
	"æ", "ae", "Æ", "AE",
	"ø", "o", "Ø", "O",
)

func foldDiacritics(s string) string {
	return diacriticsReplacer.Replace(s)
}

// RuntimeID builds the deterministic composite id of a dynamic follow-up
// instance: sanitized template id, separator, sanitized parent value.
func RuntimeID(originalID, parentValue string) string {
	return SanitizeID(originalID) + runtimeIDSeparator + SanitizeID(parentValue)
}

// ExtractRuntimeParts approximately inverts RuntimeID, splitting a runtime
// id into the sanitized template id and parent value. The inversion is
// lossy by construction: sanitization is not injective.
func ExtractRuntimeParts(runtimeID string) (originalID, parentValue string, ok bool) {
	idx := strings.Index(runtimeID, runtimeIDSeparator)
	if idx <= 0 || idx+len(runtimeIDSeparator) >= len(runtimeID) {
		return "", "", false
	}
	return runtimeID[:idx], runtimeID[idx+len(runtimeIDSeparator):], true
}
