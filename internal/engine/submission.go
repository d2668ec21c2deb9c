package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intake-form-server/internal/domain"
)

// Sentinel labels for "other/free-text" options and the companion-answer id
// suffixes the form builder emits for them.
var (
	otherSentinels = map[string]bool{
		"other":  true,
		"övrigt": true,
		"annat":  true,
	}
	otherSuffixes = []string{"_other", "_övrigt", "_annat"}
)

// isEmptyAnswer reports whether an answer counts as absent: nil, a string
// that is empty after trimming, or an empty selection list. false and 0 are
// valid answers and must be kept.
func isEmptyAnswer(v interface{}) bool {
	switch a := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(a) == ""
	case []string:
		return len(a) == 0
	case []interface{}:
		return len(a) == 0
	default:
		return false
	}
}

// isOtherSentinel reports whether a selected label is one of the recognized
// "other" options that carry a companion free-text answer.
func isOtherSentinel(label string) bool {
	return otherSentinels[strings.ToLower(strings.TrimSpace(label))]
}

// BuildSubmission derives the submission document from a template and an
// answer snapshot in one pass. A section appears iff it is currently
// visible and holds at least one non-empty response; dynamic follow-ups are
// keyed by runtime id.
func (e *Engine) BuildSubmission(tpl *domain.FormTemplate, answers domain.AnswerMap, mode domain.EvalMode) *domain.SubmissionDocument {
	res := e.Resolve(tpl, answers, mode)
	doc := &domain.SubmissionDocument{
		FormTitle:   tpl.Title,
		Sections:    []domain.AnsweredSection{},
		SubmittedAt: time.Now().UTC(),
	}

	for _, idx := range res.VisibleSections {
		section := tpl.Sections[idx]
		responses := newResponseList()

		for _, id := range res.SectionQuestions[idx] {
			answer, ok := answers[id]
			if !ok || isEmptyAnswer(answer) {
				continue
			}
			responses.upsert(id, answer)
			e.appendOtherCompanion(responses, id, answer, res, idx, answers)
		}

		for _, dq := range res.DynamicQuestions {
			if dq.Section != idx {
				continue
			}
			answer, ok := answers[dq.RuntimeID]
			if !ok || isEmptyAnswer(answer) {
				continue
			}
			responses.upsert(dq.RuntimeID, answer)
		}

		if len(responses.items) > 0 {
			doc.Sections = append(doc.Sections, domain.AnsweredSection{
				SectionTitle: section.SectionTitle,
				Responses:    responses.items,
			})
		}
	}

	return doc
}

// appendOtherCompanion includes the free-text companion answer of an
// "other" selection, provided the companion question is itself visible and
// answered.
func (e *Engine) appendOtherCompanion(responses *responseList, id string, answer interface{}, res *Resolution, sectionIdx int, answers domain.AnswerMap) {
	selected, ok := answer.(string)
	if !ok || !isOtherSentinel(selected) {
		return
	}

	visible := make(map[string]bool, len(res.SectionQuestions[sectionIdx]))
	for _, qid := range res.SectionQuestions[sectionIdx] {
		visible[qid] = true
	}

	for _, suffix := range otherSuffixes {
		companionID := id + suffix
		if !visible[companionID] {
			continue
		}
		companion, ok := answers[companionID]
		if !ok || isEmptyAnswer(companion) {
			continue
		}
		responses.upsert(companionID, companion)
	}
}

// responseList keeps responses ordered with update-in-place semantics.
type responseList struct {
	items []domain.Response
	index map[string]int
}

func newResponseList() *responseList {
	return &responseList{index: make(map[string]int)}
}

func (l *responseList) upsert(id string, answer interface{}) {
	if i, ok := l.index[id]; ok {
		l.items[i].Answer = answer
		return
	}
	l.index[id] = len(l.items)
	l.items = append(l.items, domain.Response{ID: id, Answer: answer})
}

// Tracker maintains a submission document incrementally while a form is
// being edited. Rapid updates are coalesced within the debounce window and
// deduplicated on the answer snapshot's hash; only the latest snapshot is
// ever materialized (last write wins, a pending rebuild is superseded by a
// newer update). Correctness never depends on the debounce: every rebuild
// is a full re-derivation from the current snapshot.
type Tracker struct {
	engine   *Engine
	template *domain.FormTemplate
	mode     domain.EvalMode
	onUpdate func(*domain.SubmissionDocument)

	mu       sync.Mutex
	timer    *time.Timer
	pending  domain.AnswerMap
	lastHash string
	doc      *domain.SubmissionDocument
	stopped  bool
}

// NewTracker creates a tracker for one editing session. onUpdate may be nil;
// when set it is invoked with each rebuilt document.
func (e *Engine) NewTracker(tpl *domain.FormTemplate, mode domain.EvalMode, onUpdate func(*domain.SubmissionDocument)) *Tracker {
	return &Tracker{
		engine:   e,
		template: tpl,
		mode:     mode,
		onUpdate: onUpdate,
	}
}

// Update registers a new answer snapshot. An unchanged snapshot (same hash)
// short-circuits without scheduling a rebuild.
func (t *Tracker) Update(answers domain.AnswerMap) {
	snapshot := make(domain.AnswerMap, len(answers))
	for k, v := range answers {
		snapshot[k] = v
	}
	hash := AnswerHash(snapshot)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if hash == t.lastHash && t.doc != nil {
		return
	}
	t.lastHash = hash
	t.pending = snapshot

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.engine.debounce, t.rebuildPending)
}

// rebuildPending runs on the debounce timer with the latest snapshot.
func (t *Tracker) rebuildPending() {
	t.mu.Lock()
	if t.stopped || t.pending == nil {
		t.mu.Unlock()
		return
	}
	answers := t.pending
	t.pending = nil
	t.mu.Unlock()

	doc := t.rebuild(answers)

	t.mu.Lock()
	t.doc = doc
	callback := t.onUpdate
	t.mu.Unlock()

	if callback != nil {
		callback(doc)
	}
}

// rebuild prunes orphaned dynamic answers and derives a fresh document.
func (t *Tracker) rebuild(answers domain.AnswerMap) *domain.SubmissionDocument {
	res := t.engine.Resolve(t.template, answers, t.mode)
	if removed := PruneOrphanedAnswers(answers, res); len(removed) > 0 {
		t.engine.log.WithFields(logrus.Fields{
			"form_title": t.template.Title,
			"removed":    removed,
		}).Debug("Pruned orphaned dynamic answers")
	}
	return t.engine.BuildSubmission(t.template, answers, t.mode)
}

// Flush cancels any pending debounce and rebuilds immediately from the
// latest snapshot. It returns the current document.
func (t *Tracker) Flush() *domain.SubmissionDocument {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	answers := t.pending
	t.pending = nil
	t.mu.Unlock()

	if answers != nil {
		doc := t.rebuild(answers)
		t.mu.Lock()
		t.doc = doc
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc
}

// Document returns the most recently built document, which may lag the
// latest Update by up to the debounce window.
func (t *Tracker) Document() *domain.SubmissionDocument {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc
}

// Finalize builds the submission payload from the given snapshot with a
// fresh timestamp. The returned document is a private snapshot the caller
// owns; subsequent tracker updates never mutate it.
func (t *Tracker) Finalize(answers domain.AnswerMap) *domain.SubmissionDocument {
	snapshot := make(domain.AnswerMap, len(answers))
	for k, v := range answers {
		snapshot[k] = v
	}
	res := t.engine.Resolve(t.template, snapshot, t.mode)
	PruneOrphanedAnswers(snapshot, res)
	return t.engine.BuildSubmission(t.template, snapshot, t.mode)
}

// Stop cancels any pending rebuild. The tracker ignores updates afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
