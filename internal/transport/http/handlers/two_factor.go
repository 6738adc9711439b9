package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

var twoFactorCases = []ErrorCase{
	{Err: usecase.ErrTwoFactorAlreadyEnabled, Status: http.StatusConflict, Message: "two-factor authentication is already enabled"},
	{Err: usecase.ErrTwoFactorNotEnabled, Status: http.StatusConflict, Message: "two-factor authentication is not enabled"},
	{Err: usecase.ErrTwoFactorSetupMissing, Status: http.StatusConflict, Message: "two-factor setup has not been started"},
	{Err: usecase.ErrCodeInvalid, Status: http.StatusBadRequest, Message: "invalid code", Code: CodeInvalidCode},
	{Err: usecase.ErrInvalidCredentials, Status: http.StatusBadRequest, Message: "invalid password", Code: CodeInvalidCredentials},
	{Err: usecase.ErrPrincipalNotFound, Status: http.StatusUnauthorized, Message: "authentication required", Code: CodeUnauthenticated},
}

// TwoFactorHandler manages TOTP enrollment for the caller.
type TwoFactorHandler struct {
	twoFactor  TwoFactorManager
	principals PrincipalLoader
}

// NewTwoFactorHandler constructs a TwoFactorHandler.
func NewTwoFactorHandler(twoFactor TwoFactorManager, principals PrincipalLoader) *TwoFactorHandler {
	return &TwoFactorHandler{twoFactor: twoFactor, principals: principals}
}

// RegisterRoutes binds the two-factor routes. The group must already require
// authentication.
func (h *TwoFactorHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("", h.status)
	r.POST("/setup", h.setup)
	r.POST("/confirm", h.confirm)
	r.POST("/disable", h.disable)
	r.POST("/backup-codes", h.backupCodes)
}

func (h *TwoFactorHandler) current(c *gin.Context) (*domain.Principal, bool) {
	who, _ := middleware.CurrentPrincipal(c)
	principal, err := h.principals.Me(c.Request.Context(), who.PrincipalID)
	if err != nil {
		RespondWithMappedError(c, err, twoFactorCases, http.StatusInternalServerError, "failed to load principal")
		return nil, false
	}
	return principal, true
}

// status reports whether TOTP is enabled for the caller.
func (h *TwoFactorHandler) status(c *gin.Context) {
	who, _ := middleware.CurrentPrincipal(c)
	enabled, err := h.twoFactor.Status(c.Request.Context(), who.PrincipalID)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to load two-factor status")
		return
	}
	c.JSON(http.StatusOK, TwoFactorStatusResponse{Enabled: enabled})
}

// Setup godoc
// @Summary Begin TOTP enrollment
// @Description Generates a new secret and backup codes. TOTP stays disabled until confirmed.
// @Tags TwoFactor
// @Produce json
// @Success 200 {object} TwoFactorSetupResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/2fa/setup [post]
func (h *TwoFactorHandler) setup(c *gin.Context) {
	principal, ok := h.current(c)
	if !ok {
		return
	}

	enrollment, err := h.twoFactor.BeginEnrollment(c.Request.Context(), *principal)
	if err != nil {
		RespondWithMappedError(c, err, twoFactorCases, http.StatusInternalServerError, "failed to start two-factor setup")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, TwoFactorSetupResponse{
		Secret:      enrollment.Secret,
		OTPAuthURL:  enrollment.URL,
		BackupCodes: enrollment.BackupCodes,
	})
}

// Confirm godoc
// @Summary Confirm TOTP enrollment
// @Tags TwoFactor
// @Accept json
// @Produce json
// @Param request body TwoFactorCodeRequest true "Code from the authenticator app"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/2fa/confirm [post]
func (h *TwoFactorHandler) confirm(c *gin.Context) {
	var req TwoFactorCodeRequest
	if !bindJSON(c, &req) {
		return
	}
	principal, ok := h.current(c)
	if !ok {
		return
	}

	if err := h.twoFactor.ConfirmEnrollment(c.Request.Context(), *principal, req.Code, middleware.RequestMeta(c)); err != nil {
		RespondWithMappedError(c, err, twoFactorCases, http.StatusInternalServerError, "failed to confirm two-factor setup")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "two-factor authentication enabled"})
}

// Disable godoc
// @Summary Disable TOTP
// @Tags TwoFactor
// @Accept json
// @Produce json
// @Param request body TwoFactorDisableRequest true "Account password"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/2fa/disable [post]
func (h *TwoFactorHandler) disable(c *gin.Context) {
	var req TwoFactorDisableRequest
	if !bindJSON(c, &req) {
		return
	}
	principal, ok := h.current(c)
	if !ok {
		return
	}

	if err := h.twoFactor.Disable(c.Request.Context(), *principal, req.Password, middleware.RequestMeta(c)); err != nil {
		RespondWithMappedError(c, err, twoFactorCases, http.StatusInternalServerError, "failed to disable two-factor authentication")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "two-factor authentication disabled"})
}

// BackupCodes godoc
// @Summary Regenerate backup codes
// @Description Replaces all backup codes. Requires a current TOTP code.
// @Tags TwoFactor
// @Accept json
// @Produce json
// @Param request body TwoFactorCodeRequest true "Code from the authenticator app"
// @Success 200 {object} BackupCodesResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/2fa/backup-codes [post]
func (h *TwoFactorHandler) backupCodes(c *gin.Context) {
	var req TwoFactorCodeRequest
	if !bindJSON(c, &req) {
		return
	}
	principal, ok := h.current(c)
	if !ok {
		return
	}

	codes, err := h.twoFactor.RegenerateBackupCodes(c.Request.Context(), *principal, req.Code)
	if err != nil {
		RespondWithMappedError(c, err, twoFactorCases, http.StatusInternalServerError, "failed to regenerate backup codes")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}
