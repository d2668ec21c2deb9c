package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intake-form-server/internal/domain"
	"github.com/intake-form-server/internal/engine"
	"github.com/intake-form-server/internal/service"
)

type memTemplateRepo struct {
	mu        sync.Mutex
	templates map[string]*domain.FormTemplate
}

func (r *memTemplateRepo) Create(_ context.Context, t *domain.FormTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = "tpl-new"
	}
	r.templates[t.ID] = t
	return nil
}

func (r *memTemplateRepo) GetByID(_ context.Context, id string) (*domain.FormTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (r *memTemplateRepo) ListByOrganization(_ context.Context, orgID string, limit, offset int) ([]*domain.FormTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.FormTemplate
	for _, t := range r.templates {
		if t.OrganizationID == orgID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memTemplateRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.templates, id)
	return nil
}

type memEntryRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.EntryRecord
}

func (r *memEntryRepo) Create(_ context.Context, e *domain.EntryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = "entry-new"
	}
	r.entries[e.ID] = e
	return nil
}

func (r *memEntryRepo) GetByID(_ context.Context, id string) (*domain.EntryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (r *memEntryRepo) ListByTemplate(_ context.Context, templateID string, limit, offset int) ([]*domain.EntryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.EntryRecord
	for _, e := range r.entries {
		if e.TemplateID == templateID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memDraftStore struct {
	mu     sync.Mutex
	drafts map[string]*domain.Draft
}

func (d *memDraftStore) Save(_ context.Context, draft *domain.Draft) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drafts[draft.SessionID] = draft
	return nil
}

func (d *memDraftStore) Get(_ context.Context, sessionID string) (*domain.Draft, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	draft, ok := d.drafts[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return draft, nil
}

func (d *memDraftStore) Delete(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drafts, sessionID)
	return nil
}

func (d *memDraftStore) PruneExpired(_ context.Context) (int, error) { return 0, nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	svc := service.NewIntakeService(
		logger,
		engine.New(logger, engine.Config{DebounceWindow: 10 * time.Millisecond}),
		&memTemplateRepo{templates: make(map[string]*domain.FormTemplate)},
		&memEntryRepo{entries: make(map[string]*domain.EntryRecord)},
		nil,
		&memDraftStore{drafts: make(map[string]*domain.Draft)},
		nil,
	)

	cfg := &domain.Config{}
	cfg.Logging.Level = "info"
	return NewServer(cfg, svc, logger)
}

func apiTemplateJSON() string {
	return `{
		"organization_id": "org-1",
		"title": "Synundersökning",
		"scoring_config": {"total_threshold": 3},
		"sections": [
			{
				"section_title": "Besvär",
				"questions": [
					{
						"id": "dryness",
						"label": "Torra ögon?",
						"type": "radio",
						"options": [
							"Aldrig (0)",
							{"label": "Ofta (4)", "triggers_followups": true}
						],
						"followup_question_ids": ["dryness_detail"],
						"scoring": {"enabled": true, "max_value": 4}
					},
					{
						"id": "dryness_detail",
						"label": "Berätta om {option}",
						"type": "textarea",
						"is_followup_template": true
					}
				]
			}
		]
	}`
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func createTemplate(t *testing.T, srv *Server) string {
	t.Helper()
	w := doRequest(t, srv, http.MethodPost, "/api/v1/templates", apiTemplateJSON())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created domain.FormTemplate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestTemplateLifecycle(t *testing.T) {
	srv := newTestServer(t)
	id := createTemplate(t, srv)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/templates/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Synundersökning")

	w = doRequest(t, srv, http.MethodGet, "/api/v1/templates?organization_id=org-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv, http.MethodDelete, "/api/v1/templates/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/templates/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTemplate_SchemaRejected(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/v1/templates", `{"title": ""}`)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var apiErr domain.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, domain.ErrValidation, apiErr.Code)
}

func TestEvaluateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := createTemplate(t, srv)

	body := `{"answers": {"dryness": "Ofta (4)", "dryness_detail_for_Ofta_4": "länge"}, "mode": "patient"}`
	w := doRequest(t, srv, http.MethodPost, "/api/v1/templates/"+id+"/evaluate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result service.EvaluationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, []int{0}, result.VisibleSections)
	require.Len(t, result.DynamicQuestions, 1)
	assert.Equal(t, "dryness_detail_for_Ofta_4", result.DynamicQuestions[0].RuntimeID)
	assert.Equal(t, "Berätta om Ofta (4)", result.DynamicQuestions[0].Question.Label)
	require.NotNil(t, result.Scoring)
	assert.Equal(t, 4.0, result.Scoring.TotalScore)
}

func TestEvaluate_UnknownTemplate(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/v1/templates/nope/evaluate", `{"answers": {}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmissionFlow(t *testing.T) {
	srv := newTestServer(t)
	id := createTemplate(t, srv)

	body := `{"answers": {"dryness": "Ofta (4)"}, "mode": "patient", "session_id": "sess-1"}`
	w := doRequest(t, srv, http.MethodPost, "/api/v1/templates/"+id+"/submissions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var entry domain.EntryRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	require.NotEmpty(t, entry.ID)
	assert.Equal(t, id, entry.TemplateID)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/submissions/"+entry.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/templates/"+id+"/submissions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), entry.ID)
}

func TestSubmit_RequiresAnswers(t *testing.T) {
	srv := newTestServer(t)
	id := createTemplate(t, srv)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/templates/"+id+"/submissions", `{"answers": {}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDraftLifecycle(t *testing.T) {
	srv := newTestServer(t)
	id := createTemplate(t, srv)

	body := `{"template_id": "` + id + `", "answers": {"dryness": "Aldrig (0)"}}`
	w := doRequest(t, srv, http.MethodPut, "/api/v1/drafts/sess-9", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(t, srv, http.MethodGet, "/api/v1/drafts/sess-9", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Aldrig (0)")

	w = doRequest(t, srv, http.MethodDelete, "/api/v1/drafts/sess-9", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/drafts/sess-9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiveSession(t *testing.T) {
	srv := newTestServer(t)
	id := createTemplate(t, srv)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/templates/" + id + "/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	payload, _ := json.Marshal(map[string]interface{}{
		"answers": map[string]interface{}{"dryness": "Ofta (4)"},
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	// First frame is the immediate evaluation.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var eval struct {
		Type   string                    `json:"type"`
		Result service.EvaluationResult  `json:"result"`
	}
	require.NoError(t, conn.ReadJSON(&eval))
	assert.Equal(t, "evaluation", eval.Type)
	require.Len(t, eval.Result.DynamicQuestions, 1)

	// The debounced document follows.
	var doc struct {
		Type     string                     `json:"type"`
		Document *domain.SubmissionDocument `json:"document"`
	}
	require.NoError(t, conn.ReadJSON(&doc))
	assert.Equal(t, "document", doc.Type)
	require.NotNil(t, doc.Document)
	require.Len(t, doc.Document.Sections, 1)
	assert.Equal(t, "dryness", doc.Document.Sections[0].Responses[0].ID)
}

func TestLiveSession_UnknownTemplate(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/v1/templates/nope/live", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
