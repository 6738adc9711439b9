package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lledo-industries/auth-core/internal/usecase"
)

const principalKey = "principal"

// Coarse error codes shared with the handlers package.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func newErrorResponse(c *gin.Context, errorMsg, code string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		Code:    code,
		TraceID: GetTraceID(c),
	}
}

// PrincipalResolver decides who is calling from the raw credentials.
type PrincipalResolver interface {
	Resolve(ctx context.Context, creds usecase.Credentials) usecase.Resolution
}

// Authenticate resolves the caller on every request and stores the result,
// anonymous or not. It never rejects; the Require* guards do.
func Authenticate(resolver PrincipalResolver, tokenCookie, sessionCookie string) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := ExtractCredentials(c, tokenCookie, sessionCookie)
		who := usecase.Anonymous
		if creds.Token != "" || creds.SessionID != "" {
			who = resolver.Resolve(c.Request.Context(), creds)
		}

		c.Set(principalKey, who)
		if who.Authenticated {
			c.Set(PrincipalIDKey, who.PrincipalID)
			GetRequestContext(c).PrincipalID = who.PrincipalID
		}

		c.Next()
	}
}

// ExtractCredentials reads the bearer token from the Authorization header,
// then the token cookie, plus the session cookie.
func ExtractCredentials(c *gin.Context, tokenCookie, sessionCookie string) usecase.Credentials {
	var creds usecase.Credentials

	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			creds.Token = strings.TrimSpace(parts[1])
		}
	}
	if creds.Token == "" && tokenCookie != "" {
		if v, err := c.Cookie(tokenCookie); err == nil {
			creds.Token = strings.TrimSpace(v)
		}
	}
	if sessionCookie != "" {
		if v, err := c.Cookie(sessionCookie); err == nil {
			creds.SessionID = strings.TrimSpace(v)
		}
	}
	return creds
}

// RequireAuthenticated rejects anonymous callers with 401.
func RequireAuthenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "authentication required", CodeUnauthenticated))
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects anonymous callers with 401 and non-admins with 403.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := CurrentPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "authentication required", CodeUnauthenticated))
			return
		}
		if !who.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden,
				newErrorResponse(c, "insufficient permissions", CodeForbidden))
			return
		}
		c.Next()
	}
}

// CurrentPrincipal returns the resolution stored by Authenticate. The boolean
// is false for anonymous callers.
func CurrentPrincipal(c *gin.Context) (usecase.Resolution, bool) {
	value, exists := c.Get(principalKey)
	if !exists {
		return usecase.Anonymous, false
	}
	who, ok := value.(usecase.Resolution)
	if !ok || !who.Authenticated {
		return usecase.Anonymous, false
	}
	return who, true
}
