package engine

import (
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intake-form-server/internal/domain"
)

func testEngine() *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger, Config{})
}

func followupTestTemplate() *domain.FormTemplate {
	return &domain.FormTemplate{
		ID:    "tpl-followups",
		Title: "Ögonhälsa",
		Sections: []domain.FormSection{
			{
				SectionTitle: "Operationer",
				Questions: []domain.FormQuestion{
					{
						ID:                  "öga_operation",
						Label:               "Har du opererat ögonen?",
						Type:                domain.TypeCheckbox,
						Options:             []domain.QuestionOption{{Label: "Grå-starr (operation)"}, {Label: "Laser"}},
						FollowupQuestionIDs: []string{"op_detail"},
					},
					{
						ID:                 "op_detail",
						Label:              "Berätta mer om {option}",
						Type:               domain.TypeTextarea,
						IsFollowupTemplate: true,
					},
				},
			},
		},
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain id passes through", "A_detail", "A_detail"},
		{"diacritics fold to ascii", "öga_operation", "oga_operation"},
		{"parens and dashes collapse", "Grå-starr (operation)", "Gra_starr_operation"},
		{"whitespace collapses", "  torra   ögon ", "torra_ogon"},
		{"case is preserved", "Ja", "Ja"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeID(tt.input); got != tt.want {
				t.Errorf("SanitizeID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRuntimeID_Deterministic(t *testing.T) {
	first := RuntimeID("öga_operation", "Grå-starr (operation)")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, RuntimeID("öga_operation", "Grå-starr (operation)"))
	}

	assert.NotContains(t, first, "(")
	assert.NotContains(t, first, ")")
	assert.NotContains(t, first, "-")
	assert.NotContains(t, first, "å")
	assert.NotContains(t, first, "Å")

	originalID, parentValue, ok := ExtractRuntimeParts(first)
	require.True(t, ok)
	assert.Equal(t, "oga_operation", originalID)
	assert.Equal(t, "Gra_starr_operation", parentValue)
}

func TestExtractRuntimeParts(t *testing.T) {
	tests := []struct {
		name      string
		runtimeID string
		wantOK    bool
	}{
		{"well-formed runtime id", "A_detail_for_Ja", true},
		{"static id without separator", "glasses", false},
		{"separator at start", "_for_Ja", false},
		{"separator at end", "A_detail_for_", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := ExtractRuntimeParts(tt.runtimeID)
			if ok != tt.wantOK {
				t.Errorf("ExtractRuntimeParts(%q) ok = %v, want %v", tt.runtimeID, ok, tt.wantOK)
			}
		})
	}
}

func TestResolve_FollowupTemplatesNeverDirectlyVisible(t *testing.T) {
	e := testEngine()
	tpl := followupTestTemplate()
	// Give the template its own passing show_if; it must stay hidden anyway.
	tpl.Sections[0].Questions[1].ShowIf = &domain.ShowIf{}

	res := e.Resolve(tpl, domain.AnswerMap{}, domain.ModePatient)

	require.Equal(t, []int{0}, res.VisibleSections)
	assert.Equal(t, []string{"öga_operation"}, res.SectionQuestions[0])
	assert.Empty(t, res.DynamicQuestions)
}

func TestResolve_MaterializesOneInstancePerSelectedValue(t *testing.T) {
	e := testEngine()
	tpl := followupTestTemplate()
	answers := domain.AnswerMap{
		"öga_operation": []string{"Grå-starr (operation)", "Laser"},
	}

	res := e.Resolve(tpl, answers, domain.ModePatient)

	require.Len(t, res.DynamicQuestions, 2)
	first, second := res.DynamicQuestions[0], res.DynamicQuestions[1]

	assert.Equal(t, "op_detail_for_Gra_starr_operation", first.RuntimeID)
	assert.Equal(t, "op_detail_for_Laser", second.RuntimeID)
	assert.NotEqual(t, first.RuntimeID, second.RuntimeID)
	assert.Equal(t, "Berätta mer om Grå-starr (operation)", first.Question.Label)
	assert.Equal(t, "Berätta mer om Laser", second.Question.Label)
	assert.Equal(t, "öga_operation", first.ParentID)
	assert.Equal(t, "op_detail", first.OriginalID)
	assert.False(t, first.Question.IsFollowupTemplate)
}

func TestResolve_DeselectingRemovesExactlyThatInstance(t *testing.T) {
	e := testEngine()
	tpl := followupTestTemplate()

	answers := domain.AnswerMap{
		"öga_operation":                        []string{"Grå-starr (operation)", "Laser"},
		"op_detail_for_Gra_starr_operation":    "2019",
		"op_detail_for_Laser":                  "2021",
	}
	res := e.Resolve(tpl, answers, domain.ModePatient)
	require.Len(t, res.DynamicQuestions, 2)

	// Deselect the first value.
	answers["öga_operation"] = []string{"Laser"}
	res = e.Resolve(tpl, answers, domain.ModePatient)
	require.Len(t, res.DynamicQuestions, 1)
	assert.Equal(t, "op_detail_for_Laser", res.DynamicQuestions[0].RuntimeID)

	removed := PruneOrphanedAnswers(answers, res)
	assert.Equal(t, []string{"op_detail_for_Gra_starr_operation"}, removed)
	assert.NotContains(t, answers, "op_detail_for_Gra_starr_operation")
	assert.Equal(t, "2021", answers["op_detail_for_Laser"])
}

func TestPruneOrphanedAnswers_KeepsStaticIDsWithSeparator(t *testing.T) {
	e := testEngine()
	tpl := &domain.FormTemplate{
		Title: "Besöksorsak",
		Sections: []domain.FormSection{
			{
				SectionTitle: "Allmänt",
				Questions: []domain.FormQuestion{
					{ID: "reason_for_visit", Label: "Varför söker du?", Type: domain.TypeText},
				},
			},
		},
	}
	answers := domain.AnswerMap{"reason_for_visit": "new glasses"}

	res := e.Resolve(tpl, answers, domain.ModePatient)
	removed := PruneOrphanedAnswers(answers, res)

	assert.Empty(t, removed)
	assert.Equal(t, "new glasses", answers["reason_for_visit"])

	doc := e.BuildSubmission(tpl, answers, domain.ModePatient)
	require.Len(t, doc.Sections, 1)
	require.Len(t, doc.Sections[0].Responses, 1)
	assert.Equal(t, domain.Response{ID: "reason_for_visit", Answer: "new glasses"}, doc.Sections[0].Responses[0])
}

func TestPruneOrphanedAnswers_TemplateIDWithSeparator(t *testing.T) {
	e := testEngine()
	tpl := &domain.FormTemplate{
		Title: "Remiss",
		Sections: []domain.FormSection{
			{
				SectionTitle: "Remiss",
				Questions: []domain.FormQuestion{
					{
						ID: "referral", Label: "Remitterad?", Type: domain.TypeRadio,
						Options:             []domain.QuestionOption{{Label: "Ja", TriggersFollowups: true}},
						FollowupQuestionIDs: []string{"reason_for_referral"},
					},
					{
						ID: "reason_for_referral", Label: "Orsak för {option}", Type: domain.TypeText,
						IsFollowupTemplate: true,
					},
				},
			},
		},
	}
	answers := domain.AnswerMap{
		"referral":                   "Nej",
		"reason_for_referral_for_Ja": "synfältsbortfall",
	}

	res := e.Resolve(tpl, answers, domain.ModePatient)
	removed := PruneOrphanedAnswers(answers, res)

	assert.Equal(t, []string{"reason_for_referral_for_Ja"}, removed)
	assert.NotContains(t, answers, "reason_for_referral_for_Ja")
	assert.Equal(t, "Nej", answers["referral"])
}

func TestResolve_Idempotent(t *testing.T) {
	e := testEngine()
	tpl := followupTestTemplate()
	answers := domain.AnswerMap{
		"öga_operation": []string{"Laser"},
	}

	first := e.resolve(tpl, answers, domain.ModePatient)
	second := e.resolve(tpl, answers, domain.ModePatient)

	if !reflect.DeepEqual(first.VisibleSections, second.VisibleSections) {
		t.Errorf("visible sections differ: %v vs %v", first.VisibleSections, second.VisibleSections)
	}
	if !reflect.DeepEqual(first.SectionQuestions, second.SectionQuestions) {
		t.Errorf("section questions differ: %v vs %v", first.SectionQuestions, second.SectionQuestions)
	}
	if !reflect.DeepEqual(first.DynamicQuestions, second.DynamicQuestions) {
		t.Errorf("dynamic questions differ: %v vs %v", first.DynamicQuestions, second.DynamicQuestions)
	}
}

func TestResolve_ChainedDynamicVisibility(t *testing.T) {
	e := testEngine()
	tpl := &domain.FormTemplate{
		ID:    "tpl-chained",
		Title: "Kedjad logik",
		Sections: []domain.FormSection{
			{
				SectionTitle: "Kedja",
				Questions: []domain.FormQuestion{
					{
						ID:                  "parent",
						Label:               "Val",
						Type:                domain.TypeRadio,
						FollowupQuestionIDs: []string{"detail"},
					},
					{
						ID:                 "detail",
						Label:              "Detalj för {option}",
						Type:               domain.TypeText,
						IsFollowupTemplate: true,
					},
					{
						// Visible only once the dynamic instance is answered.
						ID:     "confirm",
						Label:  "Bekräfta",
						Type:   domain.TypeRadio,
						ShowIf: &domain.ShowIf{Question: "detail_for_Ja"},
					},
				},
			},
		},
	}

	res := e.Resolve(tpl, domain.AnswerMap{"parent": "Ja"}, domain.ModePatient)
	assert.Equal(t, []string{"parent"}, res.SectionQuestions[0])

	res = e.Resolve(tpl, domain.AnswerMap{"parent": "Ja", "detail_for_Ja": "text"}, domain.ModePatient)
	assert.Equal(t, []string{"parent", "confirm"}, res.SectionQuestions[0])
	assert.True(t, res.Converged)
}

func TestResolve_ModeRestrictions(t *testing.T) {
	e := testEngine()
	tpl := &domain.FormTemplate{
		ID:    "tpl-modes",
		Title: "Lägen",
		Sections: []domain.FormSection{
			{
				Questions: []domain.FormQuestion{
					{ID: "everyone", Label: "Alla", Type: domain.TypeText},
					{ID: "staff_only", Label: "Personal", Type: domain.TypeText, ShowInMode: "optician"},
					{ID: "patient_only", Label: "Patient", Type: domain.TypeText, ShowInMode: "patient"},
				},
			},
		},
	}

	patient := e.Resolve(tpl, domain.AnswerMap{}, domain.ModePatient)
	assert.Equal(t, []string{"everyone", "patient_only"}, patient.SectionQuestions[0])

	optician := e.Resolve(tpl, domain.AnswerMap{}, domain.ModeOptician)
	assert.Equal(t, []string{"everyone", "staff_only"}, optician.SectionQuestions[0])
}

func TestResolve_HiddenSectionSkipsQuestions(t *testing.T) {
	e := testEngine()
	tpl := &domain.FormTemplate{
		ID:    "tpl-hidden",
		Title: "Dold sektion",
		Sections: []domain.FormSection{
			{
				SectionTitle: "Alltid",
				Questions:    []domain.FormQuestion{{ID: "a", Label: "A", Type: domain.TypeRadio}},
			},
			{
				SectionTitle: "Villkorad",
				ShowIf:       &domain.ShowIf{Question: "a", Equals: "Ja"},
				Questions:    []domain.FormQuestion{{ID: "b", Label: "B", Type: domain.TypeRadio}},
			},
		},
	}

	res := e.Resolve(tpl, domain.AnswerMap{"a": "Nej"}, domain.ModePatient)
	assert.Equal(t, []int{0}, res.VisibleSections)
	_, hasHidden := res.SectionQuestions[1]
	assert.False(t, hasHidden)
}

func TestResolve_ChainedFollowupsNeedExtraPasses(t *testing.T) {
	e := testEngine()

	// A follow-up template that itself declares follow-ups: instances of b
	// spawn instances of c once answered, which takes an extra pass.
	tpl := &domain.FormTemplate{
		ID:    "tpl-deep-chain",
		Title: "Djup kedja",
		Sections: []domain.FormSection{
			{
				Questions: []domain.FormQuestion{
					{ID: "trigger", Label: "T", Type: domain.TypeRadio, FollowupQuestionIDs: []string{"b"}},
					{ID: "b", Label: "B {option}", Type: domain.TypeText, IsFollowupTemplate: true, FollowupQuestionIDs: []string{"c"}},
					{ID: "c", Label: "C {option}", Type: domain.TypeText, IsFollowupTemplate: true},
				},
			},
		},
	}
	answers := domain.AnswerMap{"trigger": "x", "b_for_x": "y"}

	res := e.resolve(tpl, answers, domain.ModePatient)
	require.True(t, res.Converged)
	assert.GreaterOrEqual(t, res.Passes, 2)
	assert.LessOrEqual(t, res.Passes, DefaultMaxResolvePasses)

	ids := make([]string, 0, len(res.DynamicQuestions))
	for _, dq := range res.DynamicQuestions {
		ids = append(ids, dq.RuntimeID)
	}
	assert.Equal(t, []string{"b_for_x", "c_for_y"}, ids)
}

func TestResolve_PassCapStopsRunawaySchemas(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	e := New(logger, Config{MaxResolvePasses: 2})

	// The depth-3 chain cannot fully materialize within two passes; the
	// resolver must stop at the cap instead of iterating further.
	tpl := &domain.FormTemplate{
		ID:    "tpl-capped",
		Title: "Kapad kedja",
		Sections: []domain.FormSection{
			{
				Questions: []domain.FormQuestion{
					{ID: "trigger", Label: "T", Type: domain.TypeRadio, FollowupQuestionIDs: []string{"b"}},
					{ID: "b", Label: "B {option}", Type: domain.TypeText, IsFollowupTemplate: true, FollowupQuestionIDs: []string{"c"}},
					{ID: "c", Label: "C {option}", Type: domain.TypeText, IsFollowupTemplate: true, FollowupQuestionIDs: []string{"d"}},
					{ID: "d", Label: "D {option}", Type: domain.TypeText, IsFollowupTemplate: true},
				},
			},
		},
	}
	answers := domain.AnswerMap{"trigger": "x", "b_for_x": "y", "c_for_y": "z"}

	res := e.resolve(tpl, answers, domain.ModePatient)
	assert.Equal(t, 2, res.Passes)
}

func TestSelectedValues(t *testing.T) {
	tests := []struct {
		name   string
		answer interface{}
		want   []string
	}{
		{"nil yields none", nil, nil},
		{"empty string yields none", "", nil},
		{"scalar wraps", "Ja", []string{"Ja"}},
		{"string slice passes through", []string{"A", "B"}, []string{"A", "B"}},
		{"interface slice converts", []interface{}{"A", "B"}, []string{"A", "B"}},
		{"false yields none", false, nil},
		{"zero yields none", float64(0), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectedValues(tt.answer)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("selectedValues(%v) = %v, want %v", tt.answer, got, tt.want)
			}
		})
	}
}

func TestAnswerHash_Stable(t *testing.T) {
	a := domain.AnswerMap{"x": "1", "y": []string{"a", "b"}, "z": false}
	b := domain.AnswerMap{"z": false, "y": []string{"a", "b"}, "x": "1"}

	assert.Equal(t, AnswerHash(a), AnswerHash(b))

	b["x"] = "2"
	assert.NotEqual(t, AnswerHash(a), AnswerHash(b))

	hash := AnswerHash(a)
	assert.False(t, strings.ContainsAny(hash, " ():"), "hash must be hex")
}
