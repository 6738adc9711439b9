package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Error:   errorMsg,
		TraceID: traceIDStr,
	}
}

// newCodedError adds a coarse machine readable code to an error payload.
func newCodedError(c *gin.Context, errorMsg, code string) ErrorResponse {
	resp := NewErrorResponse(c, errorMsg)
	resp.Code = code
	return resp
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// LoginRequest defines the payload for the first login step.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email,max=254"`
	Password string `json:"password" binding:"required,max=1024"`
}

// LoginChallengeResponse tells the client which second factor to collect.
type LoginChallengeResponse struct {
	RequiresTwoFactor bool      `json:"requiresTwoFactor"`
	ChallengeID       string    `json:"challengeId"`
	Method            string    `json:"method"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// VerifyTwoFactorRequest completes a login with either a one-time code or a backup code.
type VerifyTwoFactorRequest struct {
	ChallengeID string `json:"challengeId" binding:"required,max=64"`
	Code        string `json:"code" binding:"required_without=BackupCode,omitempty,len=6,numeric"`
	BackupCode  string `json:"backupCode" binding:"omitempty,max=32"`
}

// LoginSuccessResponse is returned once both factors succeeded.
type LoginSuccessResponse struct {
	AccessToken string           `json:"accessToken"`
	TokenType   string           `json:"tokenType"`
	ExpiresIn   int              `json:"expiresIn"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	Principal   PrincipalSummary `json:"principal"`
	Session     SessionPayload   `json:"session"`
}

// PrincipalSummary describes a principal returned by the API.
type PrincipalSummary struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Name             string     `json:"name"`
	Role             string     `json:"role"`
	Company          *string    `json:"company,omitempty"`
	IsActive         bool       `json:"isActive"`
	TwoFactorEnabled *bool      `json:"twoFactorEnabled,omitempty"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// SessionPayload describes a session view in API responses.
type SessionPayload struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	IP             string    `json:"ip,omitempty"`
	Device         string    `json:"device,omitempty"`
	Browser        string    `json:"browser,omitempty"`
	OS             string    `json:"os,omitempty"`
	Country        string    `json:"country,omitempty"`
	City           string    `json:"city,omitempty"`
	Current        bool      `json:"current"`
}

// SessionListResponse wraps the active sessions of the caller.
type SessionListResponse struct {
	Sessions []SessionPayload `json:"sessions"`
	Total    int              `json:"total"`
}

// SessionBulkRevokeResponse summarises bulk revocation operations.
type SessionBulkRevokeResponse struct {
	RevokedCount int `json:"revokedCount"`
}

// TwoFactorSetupResponse carries the enrollment material. It is shown once.
type TwoFactorSetupResponse struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauthUrl"`
	BackupCodes []string `json:"backupCodes"`
}

// TwoFactorCodeRequest carries a code from the authenticator app.
type TwoFactorCodeRequest struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

// TwoFactorDisableRequest requires the account password.
type TwoFactorDisableRequest struct {
	Password string `json:"password" binding:"required,max=1024"`
}

// BackupCodesResponse lists freshly generated backup codes.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

// TwoFactorStatusResponse reports whether TOTP is enabled.
type TwoFactorStatusResponse struct {
	Enabled bool `json:"enabled"`
}

// PasswordChangeRequest captures a password change request body.
type PasswordChangeRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required,max=1024"`
	NewPassword     string `json:"newPassword" binding:"required,max=1024"`
}

// PasswordForgotRequest starts a reset.
type PasswordForgotRequest struct {
	Email string `json:"email" binding:"required,email,max=254"`
}

// PasswordResetRequest completes a reset with the emailed token.
type PasswordResetRequest struct {
	Token       string `json:"token" binding:"required,max=256"`
	NewPassword string `json:"newPassword" binding:"required,max=1024"`
}

// RegistrationRequest defines the customer registration payload.
type RegistrationRequest struct {
	Email    string `json:"email" binding:"required,email,max=254"`
	Name     string `json:"name" binding:"required,max=120"`
	Password string `json:"password" binding:"required,max=1024"`
}

// RoleChangeRequest changes the role of a principal.
type RoleChangeRequest struct {
	Role    string `json:"role" binding:"required,oneof=CUSTOMER ADMIN"`
	Company string `json:"company" binding:"omitempty,max=120"`
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse describes readiness probe results with dependency checks.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func newPrincipalSummary(p domain.Principal) PrincipalSummary {
	return PrincipalSummary{
		ID:          p.ID,
		Email:       p.Email,
		Name:        p.Name,
		Role:        string(p.Role),
		Company:     p.Company,
		IsActive:    p.IsActive,
		LastLoginAt: p.LastLoginAt,
		CreatedAt:   p.CreatedAt,
	}
}

func newSessionPayload(s domain.Session, currentID string) SessionPayload {
	return SessionPayload{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		LastActivityAt: s.LastActivityAt,
		IP:             s.Metadata.IP,
		Device:         s.Metadata.Device,
		Browser:        s.Metadata.Browser,
		OS:             s.Metadata.OS,
		Country:        s.Metadata.Country,
		City:           s.Metadata.City,
		Current:        s.ID == currentID,
	}
}

func newChallengeResponse(ch usecase.IssuedChallenge) LoginChallengeResponse {
	return LoginChallengeResponse{
		RequiresTwoFactor: true,
		ChallengeID:       ch.ID,
		Method:            string(ch.Method),
		ExpiresAt:         ch.ExpiresAt,
	}
}
