package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

const forgotPasswordMessage = "if the account exists, a reset link has been sent"

// PasswordHandler exposes password change and reset endpoints.
type PasswordHandler struct {
	passwords PasswordManager
	cookies   CookieConfig
}

// NewPasswordHandler constructs a PasswordHandler.
func NewPasswordHandler(passwords PasswordManager, cookies CookieConfig) *PasswordHandler {
	return &PasswordHandler{passwords: passwords, cookies: cookies}
}

// ChangePassword godoc
// @Summary Change password
// @Description Requires the current password. Every other session of the caller is revoked.
// @Tags Password
// @Accept json
// @Produce json
// @Param request body PasswordChangeRequest true "Current and new password"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/password/change [post]
func (h *PasswordHandler) ChangePassword(c *gin.Context) {
	var req PasswordChangeRequest
	if !bindJSON(c, &req) {
		return
	}

	who, _ := middleware.CurrentPrincipal(c)
	err := h.passwords.Change(c.Request.Context(), who, req.CurrentPassword, req.NewPassword, middleware.RequestMeta(c))
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidCredentials) {
			respondFields(c, map[string]string{"currentPassword": "is incorrect"})
			return
		}
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrPrincipalNotFound, Status: http.StatusUnauthorized, Message: "authentication required", Code: CodeUnauthenticated},
		}, http.StatusInternalServerError, "failed to change password")
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "password changed"})
}

// ForgotPassword godoc
// @Summary Request a password reset
// @Description Always answers 200 so the response cannot be used to probe for accounts.
// @Tags Password
// @Accept json
// @Produce json
// @Param request body PasswordForgotRequest true "Account email"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 429 {object} middleware.ProblemDetails
// @Router /api/v1/password/forgot [post]
func (h *PasswordHandler) ForgotPassword(c *gin.Context) {
	var req PasswordForgotRequest
	if !bindJSON(c, &req) {
		return
	}

	h.passwords.Forgot(c.Request.Context(), req.Email, middleware.RequestMeta(c))
	c.JSON(http.StatusOK, MessageResponse{Message: forgotPasswordMessage})
}

// ResetPassword godoc
// @Summary Reset password with a token
// @Description Consumes the single-use token, sets the new password and revokes every session of the principal.
// @Tags Password
// @Accept json
// @Produce json
// @Param request body PasswordResetRequest true "Reset token and new password"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 429 {object} middleware.ProblemDetails
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/password/reset [post]
func (h *PasswordHandler) ResetPassword(c *gin.Context) {
	var req PasswordResetRequest
	if !bindJSON(c, &req) {
		return
	}

	err := h.passwords.Reset(c.Request.Context(), req.Token, req.NewPassword, middleware.RequestMeta(c))
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrResetTokenInvalid, Status: http.StatusBadRequest, Message: "reset link is invalid or has expired"},
		}, http.StatusInternalServerError, "failed to reset password")
		return
	}

	h.cookies.clear(c)
	c.JSON(http.StatusOK, MessageResponse{Message: "password reset"})
}
