package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

type stubResolver struct {
	result usecase.Resolution
	seen   []usecase.Credentials
}

func (s *stubResolver) Resolve(ctx context.Context, creds usecase.Credentials) usecase.Resolution {
	s.seen = append(s.seen, creds)
	return s.result
}

func newGuardedRouter(resolver PrincipalResolver, guard gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(EnrichContext(), Authenticate(resolver, "admin_access_token", "auth_session"))
	router.GET("/protected", guard, func(c *gin.Context) {
		who, _ := CurrentPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"principal": who.PrincipalID})
	})
	return router
}

func TestAuthenticatePrefersBearerHeaderOverCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)

	resolver := &stubResolver{result: usecase.Resolution{Authenticated: true, PrincipalID: "p-1", Role: domain.RoleCustomer, Via: usecase.ViaToken}}
	router := newGuardedRouter(resolver, RequireAuthenticated())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	req.AddCookie(&http.Cookie{Name: "admin_access_token", Value: "cookie-token"})
	req.AddCookie(&http.Cookie{Name: "auth_session", Value: "sess-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(resolver.seen) != 1 {
		t.Fatalf("expected one resolve call, got %d", len(resolver.seen))
	}
	if got := resolver.seen[0]; got.Token != "header-token" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected credentials %+v", got)
	}
}

func TestAuthenticateFallsBackToTokenCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)

	resolver := &stubResolver{result: usecase.Resolution{Authenticated: true, PrincipalID: "p-1"}}
	router := newGuardedRouter(resolver, RequireAuthenticated())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: "admin_access_token", Value: "cookie-token"})
	router.ServeHTTP(httptest.NewRecorder(), req)

	if len(resolver.seen) != 1 || resolver.seen[0].Token != "cookie-token" {
		t.Fatalf("expected cookie token to be used, got %+v", resolver.seen)
	}
}

func TestRequireAuthenticatedRejectsAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)

	resolver := &stubResolver{result: usecase.Anonymous}
	router := newGuardedRouter(resolver, RequireAuthenticated())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/protected", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(resolver.seen) != 0 {
		t.Fatalf("resolver should not run without credentials")
	}

	var body ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != CodeUnauthenticated {
		t.Fatalf("expected code %q, got %q", CodeUnauthenticated, body.Code)
	}
	if body.TraceID == "" {
		t.Fatalf("expected trace id in error body")
	}
}

func TestRequireAdminDistinguishesForbiddenFromUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		result usecase.Resolution
		want   int
	}{
		{name: "anonymous", result: usecase.Anonymous, want: http.StatusUnauthorized},
		{name: "customer", result: usecase.Resolution{Authenticated: true, PrincipalID: "c-1", Role: domain.RoleCustomer}, want: http.StatusForbidden},
		{name: "admin", result: usecase.Resolution{Authenticated: true, PrincipalID: "a-1", Role: domain.RoleAdmin}, want: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newGuardedRouter(&stubResolver{result: tc.result}, RequireAdmin())

			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			req.AddCookie(&http.Cookie{Name: "auth_session", Value: "sess-1"})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestExtractCredentialsIgnoresNonBearerSchemes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rr := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rr)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	creds := ExtractCredentials(c, "admin_access_token", "auth_session")
	if creds.Token != "" || creds.SessionID != "" {
		t.Fatalf("expected empty credentials, got %+v", creds)
	}
}
