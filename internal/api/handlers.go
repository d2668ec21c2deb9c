package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/intake-form-server/internal/domain"
)

// evaluateRequest is the body of a live evaluation call.
type evaluateRequest struct {
	Answers domain.AnswerMap `json:"answers"`
	Mode    string           `json:"mode"`
}

// submitRequest is the body of a final submission call.
type submitRequest struct {
	Answers   domain.AnswerMap `json:"answers"`
	Mode      string           `json:"mode"`
	SessionID string           `json:"session_id"`
}

// draftRequest is the body of a draft save call.
type draftRequest struct {
	TemplateID string           `json:"template_id"`
	Answers    domain.AnswerMap `json:"answers"`
}

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var template domain.FormTemplate
	if err := c.ShouldBindJSON(&template); err != nil {
		s.writeError(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid template body", err)
		return
	}

	if err := s.service.CreateTemplate(c.Request.Context(), &template); err != nil {
		if errors.Is(err, domain.ErrInvalidSchema) {
			s.writeError(c, http.StatusUnprocessableEntity, domain.ErrValidation, "template schema rejected", err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to store template", err)
		return
	}

	c.JSON(http.StatusCreated, template)
}

func (s *Server) handleListTemplates(c *gin.Context) {
	orgID := c.Query("organization_id")
	if orgID == "" {
		s.writeError(c, http.StatusBadRequest, domain.ErrInvalidInput, "organization_id query parameter is required", nil)
		return
	}
	limit, offset := pagination(c)

	templates, err := s.service.ListTemplates(c.Request.Context(), orgID, limit, offset)
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to list templates", err)
		return
	}
	if templates == nil {
		templates = []*domain.FormTemplate{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	template, err := s.service.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(c, http.StatusNotFound, domain.ErrInvalidInput, "template not found", err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to load template", err)
		return
	}
	c.JSON(http.StatusOK, template)
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	err := s.service.DeleteTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(c, http.StatusNotFound, domain.ErrInvalidInput, "template not found", err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to delete template", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid evaluation body", err)
		return
	}
	if req.Answers == nil {
		req.Answers = domain.AnswerMap{}
	}

	result, err := s.service.Evaluate(c.Request.Context(), c.Param("id"), req.Answers, parseMode(req.Mode))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(c, http.StatusNotFound, domain.ErrInvalidInput, "template not found", err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, domain.ErrInternalServer, "evaluation failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid submission body", err)
		return
	}
	if len(req.Answers) == 0 {
		s.writeError(c, http.StatusBadRequest, domain.ErrInvalidInput, "answers are required", nil)
		return
	}

	entry, err := s.service.Submit(c.Request.Context(), c.Param("id"), req.SessionID, req.Answers, parseMode(req.Mode))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(c, http.StatusNotFound, domain.ErrInvalidInput, "template not found", err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to store submission", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleListSubmissions(c *gin.Context) {
	limit, offset := pagination(c)
	entries, err := s.service.ListEntries(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to list submissions", err)
		return
	}
	if entries == nil {
		entries = []*domain.EntryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"submissions": entries})
}

func (s *Server) handleGetSubmission(c *gin.Context) {
	entry, err := s.service.GetEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(c, http.StatusNotFound, domain.ErrInvalidInput, "submission not found", err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to load submission", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleSaveDraft(c *gin.Context) {
	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, domain.ErrInvalidInput, "invalid draft body", err)
		return
	}
	if req.TemplateID == "" {
		s.writeError(c, http.StatusBadRequest, domain.ErrInvalidInput, "template_id is required", nil)
		return
	}

	draft := &domain.Draft{
		SessionID:  c.Param("session_id"),
		TemplateID: req.TemplateID,
		Answers:    req.Answers,
	}
	if err := s.service.SaveDraft(c.Request.Context(), draft); err != nil {
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to save draft", err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (s *Server) handleGetDraft(c *gin.Context) {
	draft, err := s.service.GetDraft(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.writeError(c, http.StatusNotFound, domain.ErrInvalidInput, "draft not found", err)
		case errors.Is(err, domain.ErrDraftExpired):
			s.writeError(c, http.StatusGone, domain.ErrInvalidInput, "draft expired", err)
		default:
			s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to load draft", err)
		}
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (s *Server) handleDeleteDraft(c *gin.Context) {
	if err := s.service.DeleteDraft(c.Request.Context(), c.Param("session_id")); err != nil {
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to delete draft", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError renders the standard error body and logs the cause.
func (s *Server) writeError(c *gin.Context, status int, code, message string, err error) {
	apiErr := &domain.APIError{
		Code:          code,
		Message:       message,
		CorrelationID: c.GetString("correlation_id"),
	}
	if err != nil {
		apiErr.Details = err.Error()
		s.log.WithFields(map[string]interface{}{
			"status":         status,
			"code":           code,
			"correlation_id": apiErr.CorrelationID,
			"error":          err,
		}).Warn(message)
	}
	c.JSON(status, apiErr)
}

// parseMode maps the wire mode onto an EvalMode, defaulting to patient.
func parseMode(mode string) domain.EvalMode {
	if mode == string(domain.ModeOptician) {
		return domain.ModeOptician
	}
	return domain.ModePatient
}

// pagination reads limit/offset query parameters with sane bounds.
func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
