package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/intake-form-server/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is origin-agnostic; kiosk clients connect from file:// and
	// embedded webviews.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveMessage is one client frame: the full current answer snapshot.
type liveMessage struct {
	Answers domain.AnswerMap `json:"answers"`
}

// liveEvaluation is pushed after every client frame.
type liveEvaluation struct {
	Type   string      `json:"type"`
	Result interface{} `json:"result"`
}

// liveDocument is pushed when the debounced tracker rebuilds the document.
type liveDocument struct {
	Type     string                     `json:"type"`
	Document *domain.SubmissionDocument `json:"document"`
}

// handleLiveSession upgrades to a websocket and evaluates every answer
// snapshot the client sends. Evaluation results go back immediately; the
// running submission document follows debounced.
func (s *Server) handleLiveSession(c *gin.Context) {
	template, err := s.service.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(c, http.StatusNotFound, domain.ErrInvalidInput, "template not found", err)
			return
		}
		s.writeError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "failed to load template", err)
		return
	}
	mode := parseMode(c.Query("mode"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(v); err != nil {
			s.log.WithError(err).Debug("Live session write failed")
		}
	}

	tracker := s.service.NewSessionTracker(template, mode, func(doc *domain.SubmissionDocument) {
		send(liveDocument{Type: "document", Document: doc})
	})
	defer tracker.Stop()

	for {
		var msg liveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("Live session closed unexpectedly")
			}
			return
		}
		if msg.Answers == nil {
			msg.Answers = domain.AnswerMap{}
		}

		result := s.service.EvaluateTemplate(template, msg.Answers, mode)
		send(liveEvaluation{Type: "evaluation", Result: result})
		tracker.Update(msg.Answers)
	}
}
