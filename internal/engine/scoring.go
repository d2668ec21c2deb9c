package engine

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
)

// Option scores are encoded in the option label itself, "Label (N)". This
// is a legacy convention the engine must remain wire-compatible with;
// ParseScoredOptions exposes the typed form and answer scoring resolves
// selected labels through it.
var optionScoreRe = regexp.MustCompile(`\((-?\d+(?:\.\d+)?)\)`)

// ScoredOption is the typed representation of a label-embedded score.
type ScoredOption struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ExtractOptionScore parses the embedded numeric score out of an option
// label. When a label carries more than one parenthesized number, the last
// one wins. Labels without a parseable score report ok=false; callers treat
// that as score 0 so one malformed option never corrupts the form's total.
func ExtractOptionScore(label string) (float64, bool) {
	matches := optionScoreRe.FindAllStringSubmatch(label, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	score, err := strconv.ParseFloat(last[1], 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// ParseScoredOptions converts a question's options into their typed scored
// form, parsing each label exactly once.
func ParseScoredOptions(q *domain.FormQuestion) []ScoredOption {
	out := make([]ScoredOption, 0, len(q.Options))
	for _, opt := range q.Options {
		score, _ := ExtractOptionScore(opt.Label)
		out = append(out, ScoredOption{Label: opt.Label, Score: score})
	}
	return out
}

// selectedScore resolves the score a selected label carries. Labels that
// name a declared option go through the question's typed option list;
// anything else (free text, number inputs) parses its own label.
func selectedScore(q *domain.FormQuestion, label string) (float64, bool) {
	for _, opt := range ParseScoredOptions(q) {
		if opt.Label == label {
			return opt.Score, true
		}
	}
	return ExtractOptionScore(label)
}

// questionScore extracts the score a question's current answer encodes.
// Selectable answers carry the score inside the selected label; multi-select
// answers sum across selections; numeric answers score as themselves.
func questionScore(q *domain.FormQuestion, answer interface{}) float64 {
	switch a := answer.(type) {
	case string:
		if score, ok := selectedScore(q, a); ok {
			return score
		}
		if q.Type == domain.TypeNumber {
			if f, err := strconv.ParseFloat(strings.TrimSpace(a), 64); err == nil {
				return f
			}
		}
		return 0
	case []string:
		var sum float64
		for _, v := range a {
			if score, ok := selectedScore(q, v); ok {
				sum += score
			}
		}
		return sum
	case []interface{}:
		var sum float64
		for _, v := range a {
			if s, ok := v.(string); ok {
				if score, ok := selectedScore(q, s); ok {
					sum += score
				}
			}
		}
		return sum
	case float64:
		if q.Type == domain.TypeNumber {
			return a
		}
		return 0
	default:
		return 0
	}
}

// scoreEntry is one scoring-enabled question that currently counts, with
// the score its answer encodes.
type scoreEntry struct {
	id       string
	question *domain.FormQuestion
	score    float64
}

// sectionScoreEntries collects the scoring answers one section currently
// counts: static questions that pass their own visibility rules, plus the
// section's materialized follow-up instances. Condition evaluation runs
// before any resolution exists, so without one the instances are recovered
// from the runtime-keyed answers themselves; the two sources agree whenever
// orphaned dynamic answers have been pruned.
func (ev *evaluator) sectionScoreEntries(sectionIdx int, res *Resolution) []scoreEntry {
	if sectionIdx < 0 || sectionIdx >= len(ev.tpl.Sections) || ev.summing[sectionIdx] {
		return nil
	}
	ev.summing[sectionIdx] = true
	defer delete(ev.summing, sectionIdx)

	section := &ev.tpl.Sections[sectionIdx]
	var entries []scoreEntry

	for i := range section.Questions {
		q := &section.Questions[i]
		if q.IsFollowupTemplate || q.Scoring == nil || !q.Scoring.Enabled {
			continue
		}
		if !modeAllows(q.ShowInMode, ev.mode) || !ev.showIf(q.ShowIf) {
			continue
		}
		answer, ok := ev.answers[q.ID]
		if !ok || isEmptyAnswer(answer) {
			continue
		}
		entries = append(entries, scoreEntry{id: q.ID, question: q, score: questionScore(q, answer)})
	}

	if res != nil {
		for i := range res.DynamicQuestions {
			dq := &res.DynamicQuestions[i]
			q := &dq.Question
			if dq.Section != sectionIdx || q.Scoring == nil || !q.Scoring.Enabled {
				continue
			}
			answer, ok := ev.answers[dq.RuntimeID]
			if !ok || isEmptyAnswer(answer) {
				continue
			}
			entries = append(entries, scoreEntry{id: dq.RuntimeID, question: q, score: questionScore(q, answer)})
		}
		return entries
	}

	for i := range section.Questions {
		tmpl := &section.Questions[i]
		if !tmpl.IsFollowupTemplate || tmpl.Scoring == nil || !tmpl.Scoring.Enabled {
			continue
		}
		var keys []string
		for key := range ev.answers {
			if runtimeKeyFor(key, tmpl.ID) && !isEmptyAnswer(ev.answers[key]) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			entries = append(entries, scoreEntry{id: key, question: tmpl, score: questionScore(tmpl, ev.answers[key])})
		}
	}
	return entries
}

func (ev *evaluator) sectionScore(sectionIdx int, res *Resolution) float64 {
	var total float64
	for _, entry := range ev.sectionScoreEntries(sectionIdx, res) {
		total += entry.score
	}
	return total
}

// SectionScore sums the scores a section currently counts: its visible,
// answered, scoring-enabled questions plus the dynamic instances of its
// follow-up templates. The section_score condition type and the form-level
// scoring pass both go through the same summation, so they cannot drift
// apart on what counts.
func SectionScore(tpl *domain.FormTemplate, sectionIdx int, answers domain.AnswerMap, mode domain.EvalMode) float64 {
	return newEvaluator(tpl, answers, mode).sectionScore(sectionIdx, nil)
}

// Score walks the template's scoring-enabled questions against the answers
// and produces the full scoring result: total, max possible, percentage,
// form-level threshold flag and the per-question flagged report. Only
// currently-visible, currently-answered questions contribute, dynamic
// follow-up instances included.
func (e *Engine) Score(tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) *domain.ScoringResult {
	res := e.Resolve(tpl, answers, mode)
	result := &domain.ScoringResult{
		FlaggedQuestions: []domain.FlaggedQuestion{},
	}

	ev := newEvaluator(tpl, answers, mode)
	for _, idx := range res.VisibleSections {
		for _, entry := range ev.sectionScoreEntries(idx, res) {
			result.TotalScore += entry.score
			result.MaxPossible += entry.question.Scoring.MaxValue

			if th := entry.question.Scoring.FlagThreshold; th != nil && entry.score >= *th {
				result.FlaggedQuestions = append(result.FlaggedQuestions, domain.FlaggedQuestion{
					ID:          entry.id,
					Label:       entry.question.Label,
					Score:       entry.score,
					WarningText: entry.question.Scoring.WarningText,
				})
			}
		}
	}

	if result.MaxPossible > 0 {
		result.Percentage = result.TotalScore / result.MaxPossible * 100
	}
	if tpl.ScoringConfig != nil {
		result.ThresholdExceeded = result.TotalScore >= tpl.ScoringConfig.TotalThreshold
	}

	e.log.WithFields(logrus.Fields{
		"form_title":         tpl.Title,
		"total_score":        result.TotalScore,
		"max_possible":       result.MaxPossible,
		"flagged":            len(result.FlaggedQuestions),
		"threshold_exceeded": result.ThresholdExceeded,
	}).Debug("Scored form answers")

	return result
}
