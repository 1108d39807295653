package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cc_session_hub/internal/adapter"
	"cc_session_hub/internal/permission"
	"cc_session_hub/internal/session"
)

var errBadRequest = errors.New("bad request")

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, permission.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBadCursor), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionFailed), errors.Is(err, session.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, adapter.ErrUnsupported):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) listSessions(c *gin.Context) {
	req := session.ListRequest{Cursor: c.Query("cursor")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(c, badRequest("limit %q", raw))
			return
		}
		req.Limit = n
	}
	page, err := s.manager.List(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type createBody struct {
	WorkingDir string `json:"workingDir"`
	Mode       string `json:"mode"`
	Title      string `json:"title"`
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
}

func (s *Server) createSession(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}
	if _, err := adapter.ParseMode(body.Mode); err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}

	sess, err := s.manager.Create(c.Request.Context(), session.CreateRequest{
		WorkingDir: body.WorkingDir,
		Mode:       body.Mode,
		Title:      body.Title,
		Model:      body.Model,
		Prompt:     body.Prompt,
	})
	if err != nil {
		// the session exists even when its agent could not be started
		if sess != nil {
			c.Header("Location", "/api/sessions/"+sess.ID())
		}
		s.fail(c, err)
		return
	}
	c.Header("Location", "/api/sessions/"+sess.ID())
	c.JSON(http.StatusCreated, sess.Info())
}

func (s *Server) lookup(c *gin.Context) (*session.Session, bool) {
	sess, err := s.manager.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

type updateBody struct {
	Title *string `json:"title"`
}

func (s *Server) updateSession(c *gin.Context) {
	var body updateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}
	if body.Title == nil || *body.Title == "" {
		s.fail(c, badRequest("title is required"))
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := sess.SetTitle(*body.Title); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.manager.Delete(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) activateSession(c *gin.Context) {
	sess, err := s.manager.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) deactivateSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := sess.Deactivate(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) sessionEvents(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	events, err := sess.Events()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type pendingRequest struct {
	RequestID   string    `json:"requestId"`
	ToolName    string    `json:"toolName"`
	Pattern     string    `json:"pattern"`
	Description string    `json:"description"`
	Issued      time.Time `json:"issued"`
}

func (s *Server) pendingPermissions(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	reqs := sess.PendingPermissions()
	out := make([]pendingRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, pendingRequest{
			RequestID:   r.ID,
			ToolName:    r.ToolName,
			Pattern:     r.Pattern,
			Description: permission.Describe(r.ToolName, r.Input),
			Issued:      r.Issued,
		})
	}
	c.JSON(http.StatusOK, out)
}

// decisionBody is shared by the REST endpoint and the stream command.
type decisionBody struct {
	Behavior    string `json:"behavior"`
	AlwaysAllow bool   `json:"alwaysAllow"`
	Message     string `json:"message"`
}

func (d decisionBody) decision() (permission.Decision, error) {
	switch d.Behavior {
	case "allow":
		return permission.Decision{Allow: true, AlwaysAllow: d.AlwaysAllow, Message: d.Message}, nil
	case "deny":
		return permission.Decision{Message: d.Message}, nil
	}
	return permission.Decision{}, badRequest("behavior %q: want allow or deny", d.Behavior)
}

func (s *Server) decidePermission(c *gin.Context) {
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}
	d, err := body.decision()
	if err != nil {
		s.fail(c, err)
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := sess.Decide(c.Param("requestId"), d); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
