// Package handlers provides the HTTP API for session management.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devdesk-terminal/host/internal/model"
	"github.com/devdesk-terminal/host/internal/session"
)

// SessionHandler handles HTTP requests for terminal sessions.
type SessionHandler struct {
	manager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Name  string            `json:"name"`
	Shell string            `json:"shell"`
	Cwd   string            `json:"cwd"`
	Env   map[string]string `json:"env"`
	Cols  int               `json:"cols"`
	Rows  int               `json:"rows"`
}

// ResizeRequest is the body of POST /api/sessions/:id/resize.
type ResizeRequest struct {
	Cols int `json:"cols" binding:"required,min=1"`
	Rows int `json:"rows" binding:"required,min=1"`
}

// SessionResponse is a session record in API responses.
type SessionResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Shell          string            `json:"shell"`
	Workdir        string            `json:"workdir"`
	Env            map[string]string `json:"env,omitempty"`
	Cols           int               `json:"cols"`
	Rows           int               `json:"rows"`
	State          string            `json:"state"`
	ExitCode       *int              `json:"exitCode,omitempty"`
	PID            *int              `json:"pid,omitempty"`
	TranscriptPath string            `json:"transcriptPath,omitempty"`
	Duration       string            `json:"duration"`
	CreatedAt      string            `json:"createdAt"`
	UpdatedAt      string            `json:"updatedAt"`
}

// ErrorResponse wraps an API error.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:             s.ID,
		Name:           s.Name,
		Shell:          s.Shell,
		Workdir:        s.Workdir,
		Env:            s.Env,
		Cols:           s.Cols,
		Rows:           s.Rows,
		State:          s.State.String(),
		ExitCode:       s.ExitCode,
		PID:            s.PID,
		TranscriptPath: s.TranscriptPath,
		Duration:       s.Duration().Round(time.Second).String(),
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      s.UpdatedAt.Format(time.RFC3339),
	}
}

func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.manager.Create(c.Request.Context(), session.CreateRequest{
		Options: model.TerminalOptions{
			Name:  req.Name,
			Shell: req.Shell,
			Cwd:   req.Cwd,
			Env:   req.Env,
		},
		Cols: req.Cols,
		Rows: req.Rows,
	})
	if err != nil {
		if strings.Contains(err.Error(), "maximum active sessions") {
			sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.manager.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSessionResponse(sess)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Delete handles DELETE /api/sessions/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete session: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// Kill handles POST /api/sessions/:id/kill.
func (h *SessionHandler) Kill(c *gin.Context) {
	if err := h.manager.Kill(c.Param("id")); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to kill session: "+err.Error())
		return
	}
	c.Status(http.StatusAccepted)
}

// Resize handles POST /api/sessions/:id/resize.
func (h *SessionHandler) Resize(c *gin.Context) {
	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.manager.Resize(c.Request.Context(), c.Param("id"), req.Cols, req.Rows); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to resize session: "+err.Error())
		return
	}
	c.Status(http.StatusOK)
}

// GetTranscript handles GET /api/sessions/:id/transcript, serving the
// session's asciinema recording.
func (h *SessionHandler) GetTranscript(c *gin.Context) {
	sess, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+c.Param("id")+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	if sess.TranscriptPath == "" {
		sendError(c, http.StatusNotFound, "TRANSCRIPT_NOT_FOUND", "No transcript for session "+sess.ID)
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+sess.ID+".cast")
	c.File(sess.TranscriptPath)
}

// RegisterRoutes registers the session routes on a router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/kill", h.Kill)
		sessions.POST("/:id/resize", h.Resize)
		sessions.GET("/:id/transcript", h.GetTranscript)
	}
}
