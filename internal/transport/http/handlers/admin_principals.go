package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

var principalAdminCases = []ErrorCase{
	{Err: usecase.ErrForbidden, Status: http.StatusForbidden, Message: "insufficient permissions", Code: CodeForbidden},
	{Err: usecase.ErrSelfModification, Status: http.StatusConflict, Message: "cannot modify own account"},
	{Err: usecase.ErrPrincipalNotFound, Status: http.StatusNotFound, Message: "principal not found"},
}

// PrincipalAdminHandler lets administrators deactivate principals and change roles.
type PrincipalAdminHandler struct {
	admin PrincipalAdministrator
}

// NewPrincipalAdminHandler constructs a PrincipalAdminHandler.
func NewPrincipalAdminHandler(admin PrincipalAdministrator) *PrincipalAdminHandler {
	return &PrincipalAdminHandler{admin: admin}
}

// RegisterRoutes binds the admin routes. The group must already require an admin.
func (h *PrincipalAdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/:principal_id/deactivate", h.Deactivate)
	r.PUT("/:principal_id/role", h.ChangeRole)
}

// Deactivate godoc
// @Summary Deactivate a principal
// @Description Marks the principal inactive and revokes all of its sessions.
// @Tags Admin
// @Produce json
// @Param principal_id path string true "Principal ID"
// @Success 200 {object} MessageResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/principals/{principal_id}/deactivate [post]
func (h *PrincipalAdminHandler) Deactivate(c *gin.Context) {
	who, _ := middleware.CurrentPrincipal(c)
	targetID := strings.TrimSpace(c.Param("principal_id"))

	if err := h.admin.Deactivate(c.Request.Context(), who, targetID, middleware.RequestMeta(c)); err != nil {
		RespondWithMappedError(c, err, principalAdminCases, http.StatusInternalServerError, "failed to deactivate principal")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "principal deactivated"})
}

// ChangeRole godoc
// @Summary Change the role of a principal
// @Description Sets CUSTOMER or ADMIN and revokes all sessions of the principal so old tokens stop working.
// @Tags Admin
// @Accept json
// @Produce json
// @Param principal_id path string true "Principal ID"
// @Param request body RoleChangeRequest true "New role"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/admin/principals/{principal_id}/role [put]
func (h *PrincipalAdminHandler) ChangeRole(c *gin.Context) {
	var req RoleChangeRequest
	if !bindJSON(c, &req) {
		return
	}

	role, _ := domain.ParseRole(req.Role)
	who, _ := middleware.CurrentPrincipal(c)
	targetID := strings.TrimSpace(c.Param("principal_id"))

	if err := h.admin.ChangeRole(c.Request.Context(), who, targetID, role, req.Company, middleware.RequestMeta(c)); err != nil {
		RespondWithMappedError(c, err, principalAdminCases, http.StatusInternalServerError, "failed to change role")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "role changed"})
}
