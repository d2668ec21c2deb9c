// Package engine implements the conditional form runtime: show_if condition
// evaluation, visibility resolution with dynamic follow-up materialization,
// submission document building and scoring.
//
// Everything in this package is a pure, synchronous function of an immutable
// FormTemplate and a snapshot of the current AnswerMap. Re-evaluation after
// any answer change is safe and cheap; there is no hidden mutable state.
package engine

import (
	"strconv"
	"strings"

	"github.com/intake-form-server/internal/domain"
)

// EvaluateShowIf evaluates a visibility rule against the current answers.
// A nil rule means visible. Malformed references (a question id absent from
// the answer map) evaluate false, which hides the entity rather than
// failing the pass.
func EvaluateShowIf(rule *domain.ShowIf, tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) bool {
	return newEvaluator(tpl, answers, mode).showIf(rule)
}

// evaluator carries the inputs of one rule evaluation. The summing set
// tracks sections currently on the score-summation path: a section_score
// condition over a section already being summed reads zero, so a schema
// whose gates form a score cycle terminates instead of recursing.
type evaluator struct {
	tpl     *domain.FormTemplate
	answers domain.AnswerMap
	mode    domain.EvalMode
	summing map[int]bool
}

func newEvaluator(tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) *evaluator {
	return &evaluator{
		tpl:     tpl,
		answers: answers,
		mode:    mode,
		summing: make(map[int]bool),
	}
}

func (ev *evaluator) showIf(rule *domain.ShowIf) bool {
	if rule == nil {
		return true
	}

	if len(rule.Conditions) > 0 {
		return ev.conditionSet(rule.Conditions, rule.Logic)
	}

	return evaluateLegacy(rule.Question, rule.Equals, rule.Contains, ev.answers)
}

// evaluateLegacy handles the single-question rule shape.
func evaluateLegacy(question string, equals interface{}, contains string, answers domain.AnswerMap) bool {
	if question == "" {
		return true
	}

	answer, ok := answers[question]
	if !ok {
		return false
	}

	if contains != "" {
		return answerContains(answer, contains)
	}
	if equals != nil {
		return answerEquals(answer, equals)
	}
	// Only the question id given: visible iff the answer is truthy.
	return isTruthy(answer)
}

// conditionSet reduces an advanced condition list with AND/OR logic.
// OR is the default: any passing entry makes the rule pass.
func (ev *evaluator) conditionSet(conditions []domain.Condition, logic domain.ConditionLogic) bool {
	if logic == "" {
		logic = domain.LogicOr
	}

	for _, cond := range conditions {
		met := ev.condition(cond)
		if logic == domain.LogicAnd && !met {
			return false
		}
		if logic == domain.LogicOr && met {
			return true
		}
	}
	return logic == domain.LogicAnd
}

// condition evaluates a single typed condition entry.
func (ev *evaluator) condition(cond domain.Condition) bool {
	switch cond.Type {
	case domain.ConditionAnswer, "":
		return evaluateLegacy(cond.Question, cond.Equals, cond.Contains, ev.answers)

	case domain.ConditionAnyAnswer:
		return ev.anyAnswerInSection(cond.Section, cond.Value)

	case domain.ConditionSectionScore:
		return ev.compareSectionScore(cond)

	default:
		// Unknown condition kinds hide rather than throw.
		return false
	}
}

// anyAnswerInSection reports whether any question inside the named section
// currently holds the given value. Dynamic follow-up answers count toward
// their template's section.
func (ev *evaluator) anyAnswerInSection(sectionIdx int, value interface{}) bool {
	if sectionIdx < 0 || sectionIdx >= len(ev.tpl.Sections) {
		return false
	}
	section := ev.tpl.Sections[sectionIdx]

	matches := func(answer interface{}) bool {
		if value == nil {
			return isTruthy(answer)
		}
		return answerEquals(answer, value)
	}

	for _, q := range section.Questions {
		if answer, ok := ev.answers[q.ID]; ok && matches(answer) {
			return true
		}
	}

	// Runtime ids of dynamic instances belong to the section that declares
	// their follow-up template. Matching anchors on the template id, so a
	// static id that merely contains the separator never counts here.
	for key, answer := range ev.answers {
		for _, q := range section.Questions {
			if !q.IsFollowupTemplate || !runtimeKeyFor(key, q.ID) {
				continue
			}
			if matches(answer) {
				return true
			}
		}
	}
	return false
}

// compareSectionScore compares a section's summed score against the
// condition's threshold using its operator.
func (ev *evaluator) compareSectionScore(cond domain.Condition) bool {
	if cond.Section < 0 || cond.Section >= len(ev.tpl.Sections) {
		return false
	}
	score := ev.sectionScore(cond.Section, nil)

	switch cond.Operator {
	case domain.OpLessThan:
		return score < cond.Threshold
	case domain.OpGreaterThan:
		return score > cond.Threshold
	case domain.OpEquals:
		return score == cond.Threshold
	default:
		return false
	}
}

// answerEquals implements the legacy "equals" comparison: strict equality
// for scalars, membership when the expected value is an array.
func answerEquals(answer, want interface{}) bool {
	switch w := want.(type) {
	case string:
		s, ok := answer.(string)
		return ok && s == w
	case bool:
		b, ok := answer.(bool)
		return ok && b == w
	case float64:
		f, ok := toFloat(answer)
		return ok && f == w
	case int:
		f, ok := toFloat(answer)
		return ok && f == float64(w)
	case []string:
		for _, v := range w {
			if answerEquals(answer, v) {
				return true
			}
		}
		return false
	case []interface{}:
		for _, v := range w {
			if answerEquals(answer, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// answerContains implements the legacy "contains" comparison: array
// membership for multi-select answers, strict equality otherwise.
func answerContains(answer interface{}, want string) bool {
	switch a := answer.(type) {
	case []string:
		for _, v := range a {
			if v == want {
				return true
			}
		}
		return false
	case []interface{}:
		for _, v := range a {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
		return false
	case string:
		return a == want
	default:
		return false
	}
}

// isTruthy mirrors the truthiness the form runtime applies when a rule names
// a question without a comparator: empty strings, nil, false and zero are
// falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	switch a := v.(type) {
	case nil:
		return false
	case string:
		return a != ""
	case bool:
		return a
	case float64:
		return a != 0
	case int:
		return a != 0
	case []string:
		return len(a) > 0
	case []interface{}:
		return len(a) > 0
	default:
		return true
	}
}

// toFloat normalizes the numeric answer encodings that survive JSON
// round-trips and form inputs.
func toFloat(v interface{}) (float64, bool) {
	switch a := v.(type) {
	case float64:
		return a, true
	case int:
		return float64(a), true
	case int64:
		return float64(a), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
