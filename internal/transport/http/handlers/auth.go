package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

// AuthRouteMiddlewares attaches per-endpoint middleware, typically rate limits.
type AuthRouteMiddlewares struct {
	Login    []gin.HandlerFunc
	Verify   []gin.HandlerFunc
	Register []gin.HandlerFunc
}

// AuthHandler exposes the login handshake for one audience.
type AuthHandler struct {
	auth         Authenticator
	twoFactor    TwoFactorManager
	registration Registrar
	cookies      CookieConfig
	audience     domain.Role
	logger       *zap.Logger
}

// AuthHandlerOption configures optional AuthHandler dependencies.
type AuthHandlerOption func(*AuthHandler)

// WithRegistration exposes POST /register on the group.
func WithRegistration(registration Registrar) AuthHandlerOption {
	return func(h *AuthHandler) {
		h.registration = registration
	}
}

// WithAudience restricts logins to principals of one role.
func WithAudience(role domain.Role) AuthHandlerOption {
	return func(h *AuthHandler) {
		h.audience = role
	}
}

// WithTwoFactorStatus makes /me report whether TOTP is enabled.
func WithTwoFactorStatus(tf TwoFactorManager) AuthHandlerOption {
	return func(h *AuthHandler) {
		h.twoFactor = tf
	}
}

// WithAuthLogger sets the handler logger.
func WithAuthLogger(l *zap.Logger) AuthHandlerOption {
	return func(h *AuthHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(auth Authenticator, cookies CookieConfig, opts ...AuthHandlerOption) *AuthHandler {
	handler := &AuthHandler{
		auth:    auth,
		cookies: cookies,
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}

	return handler
}

// RegisterRoutes binds authentication routes, applying optional middleware ahead of handlers.
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup, mw AuthRouteMiddlewares) {
	r.POST("/login", chain(mw.Login, h.login)...)
	r.POST("/verify-2fa", chain(mw.Verify, h.verifyTwoFactor)...)
	r.POST("/logout", h.logout)

	guard := middleware.RequireAuthenticated()
	if h.audience == domain.RoleAdmin {
		guard = middleware.RequireAdmin()
	}
	r.GET("/me", guard, h.me)

	if h.registration != nil {
		r.POST("/register", chain(mw.Register, h.register)...)
	}
}

func chain(mw []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(mw)+1)
	out = append(out, mw...)
	return append(out, handler)
}

// Login godoc
// @Summary Start a login
// @Description Checks email and password and opens a second-factor challenge. No session exists until verify-2fa succeeds.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} LoginChallengeResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} middleware.ProblemDetails
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	challenge, err := h.auth.Login(c.Request.Context(), usecase.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Audience: h.audience,
	}, middleware.RequestMeta(c))
	if err != nil {
		RespondWithMappedError(c, err, authFailureCases, http.StatusInternalServerError, "login failed")
		return
	}

	c.JSON(http.StatusOK, newChallengeResponse(*challenge))
}

// VerifyTwoFactor godoc
// @Summary Complete a login
// @Description Verifies the one-time code or a backup code, creates a session and sets the credential cookies.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body VerifyTwoFactorRequest true "Challenge and code"
// @Success 200 {object} LoginSuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} middleware.ProblemDetails
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/auth/verify-2fa [post]
func (h *AuthHandler) verifyTwoFactor(c *gin.Context) {
	var req VerifyTwoFactorRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.auth.VerifySecondFactor(c.Request.Context(), usecase.SecondFactorInput{
		ChallengeID: strings.TrimSpace(req.ChallengeID),
		Code:        strings.TrimSpace(req.Code),
		BackupCode:  strings.TrimSpace(req.BackupCode),
	}, middleware.RequestMeta(c))
	if err != nil {
		RespondWithMappedError(c, err, authFailureCases, http.StatusInternalServerError, "verification failed")
		return
	}

	tokenTTL := h.auth.TokenTTL()
	sessionTTL := result.Session.ExpiresAt.Sub(result.Session.CreatedAt)
	h.cookies.setCredentials(c, result.AccessToken, tokenTTL, result.Session.ID, sessionTTL)

	c.JSON(http.StatusOK, LoginSuccessResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(tokenTTL.Seconds()),
		ExpiresAt:   result.TokenExpiresAt,
		Principal:   newPrincipalSummary(result.Principal),
		Session:     newSessionPayload(result.Session, result.Session.ID),
	})
}

// Logout godoc
// @Summary Log out
// @Description Revokes the current session and clears the credential cookies. Cookies are cleared even when the revocation fails.
// @Tags Authentication
// @Produce json
// @Success 200 {object} MessageResponse
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) logout(c *gin.Context) {
	defer h.cookies.clear(c)

	who, ok := middleware.CurrentPrincipal(c)
	if !ok {
		creds := middleware.ExtractCredentials(c, "", h.cookies.SessionName)
		who = usecase.Resolution{SessionID: creds.SessionID, Via: usecase.ViaNone}
	}

	if err := h.auth.Logout(c.Request.Context(), who, middleware.RequestMeta(c)); err != nil {
		logger.Enrich(c.Request.Context(), h.logger).Error("logout could not revoke session", zap.Error(err))
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "logged out"})
}

// Me godoc
// @Summary Current principal
// @Tags Authentication
// @Produce json
// @Success 200 {object} PrincipalSummary
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) me(c *gin.Context) {
	who, _ := middleware.CurrentPrincipal(c)

	principal, err := h.auth.Me(c.Request.Context(), who.PrincipalID)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrPrincipalNotFound, Status: http.StatusUnauthorized, Message: "authentication required", Code: CodeUnauthenticated},
		}, http.StatusInternalServerError, "failed to load principal")
		return
	}

	summary := newPrincipalSummary(*principal)
	if h.twoFactor != nil {
		enabled, err := h.twoFactor.Status(c.Request.Context(), principal.ID)
		if err != nil {
			logger.Enrich(c.Request.Context(), h.logger).Warn("two-factor status unavailable", zap.Error(err))
		} else {
			summary.TwoFactorEnabled = &enabled
		}
	}

	c.JSON(http.StatusOK, summary)
}

// Register godoc
// @Summary Register a customer account
// @Description Creates an active CUSTOMER principal. The first login still requires an emailed code.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body RegistrationRequest true "Registration request payload"
// @Success 201 {object} PrincipalSummary
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} middleware.ProblemDetails
// @Failure 500 {object} ErrorResponse
// @Router /api/v1/auth/register [post]
func (h *AuthHandler) register(c *gin.Context) {
	var req RegistrationRequest
	if !bindJSON(c, &req) {
		return
	}

	principal, err := h.registration.Register(c.Request.Context(), usecase.RegisterInput{
		Email:    req.Email,
		Name:     strings.TrimSpace(req.Name),
		Password: req.Password,
	}, middleware.RequestMeta(c))
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrEmailTaken, Status: http.StatusConflict, Message: "email already registered"},
		}, http.StatusInternalServerError, "failed to register")
		return
	}

	c.JSON(http.StatusCreated, newPrincipalSummary(*principal))
}
