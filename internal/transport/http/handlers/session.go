package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

// SessionHandler lets a principal inspect and kill its own sessions.
type SessionHandler struct {
	sessions SessionLister
	killer   SessionKiller
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(sessions SessionLister, killer SessionKiller) *SessionHandler {
	return &SessionHandler{sessions: sessions, killer: killer}
}

// RegisterRoutes binds session management routes. The group must already
// require authentication.
func (h *SessionHandler) RegisterRoutes(r *gin.RouterGroup) {
	if r == nil {
		return
	}

	r.GET("", h.ListSessions)
	r.DELETE("/:session_id", h.RevokeSession)
	r.DELETE("", h.RevokeOtherSessions)
}

// ListSessions godoc
// @Summary List active sessions
// @Description Returns the live sessions of the caller, most recently active first. The calling session is flagged as current.
// @Tags Sessions
// @Produce json
// @Success 200 {object} SessionListResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	who, _ := middleware.CurrentPrincipal(c)

	sessions, err := h.sessions.ListActive(c.Request.Context(), who.PrincipalID)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	payload := make([]SessionPayload, 0, len(sessions))
	for _, s := range sessions {
		payload = append(payload, newSessionPayload(s, who.SessionID))
	}

	c.JSON(http.StatusOK, SessionListResponse{Sessions: payload, Total: len(payload)})
}

// RevokeSession godoc
// @Summary Kill one session
// @Description Revokes a session owned by the caller. Killing the current session logs the caller out.
// @Tags Sessions
// @Produce json
// @Param session_id path string true "Session ID"
// @Success 200 {object} MessageResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sessions/{session_id} [delete]
func (h *SessionHandler) RevokeSession(c *gin.Context) {
	who, _ := middleware.CurrentPrincipal(c)
	sessionID := strings.TrimSpace(c.Param("session_id"))

	err := h.killer.KillSession(c.Request.Context(), who, sessionID, middleware.RequestMeta(c))
	if err != nil {
		// Sessions of other principals are reported as missing.
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrSessionNotFound, Status: http.StatusNotFound, Message: "session not found"},
			{Err: usecase.ErrSessionForbidden, Status: http.StatusNotFound, Message: "session not found"},
		}, http.StatusInternalServerError, "failed to revoke session")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "session revoked"})
}

// RevokeOtherSessions godoc
// @Summary Kill all other sessions
// @Description Revokes every session of the caller except the current one.
// @Tags Sessions
// @Produce json
// @Success 200 {object} SessionBulkRevokeResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/sessions [delete]
func (h *SessionHandler) RevokeOtherSessions(c *gin.Context) {
	who, _ := middleware.CurrentPrincipal(c)

	count, err := h.killer.KillOtherSessions(c.Request.Context(), who, middleware.RequestMeta(c))
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}

	c.JSON(http.StatusOK, SessionBulkRevokeResponse{RevokedCount: count})
}
