package routes_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/infra/config"
	"github.com/lledo-industries/auth-core/internal/ratelimit"
	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
	httproutes "github.com/lledo-industries/auth-core/internal/transport/http/routes"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		App: config.AppSettings{
			Env:            "test",
			AllowedOrigins: []string{"https://admin.lledo.example"},
		},
		JWT:     config.JWTSettings{CookieName: "admin_access_token"},
		Session: config.SessionSettings{CookieName: "auth_session"},
		RateLimit: config.RateLimitSettings{
			LoginWindow:      time.Minute,
			LoginMaxAttempts: 2,
		},
	}
}

type bearerResolver map[string]usecase.Resolution

func (b bearerResolver) Resolve(_ context.Context, creds usecase.Credentials) usecase.Resolution {
	if who, ok := b[creds.Token]; ok {
		return who
	}
	return usecase.Anonymous
}

var callers = bearerResolver{
	"customer-token": {Authenticated: true, PrincipalID: "cust-1", Role: domain.RoleCustomer, SessionID: "s-1", Via: usecase.ViaToken},
	"admin-token":    {Authenticated: true, PrincipalID: "admin-1", Role: domain.RoleAdmin, SessionID: "s-2", Via: usecase.ViaToken},
}

type loginOnlyAuth struct{}

func (loginOnlyAuth) Login(context.Context, usecase.LoginInput, usecase.RequestMeta) (*usecase.IssuedChallenge, error) {
	return &usecase.IssuedChallenge{ID: "challenge", Method: domain.ChallengeMethodEmail, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (loginOnlyAuth) VerifySecondFactor(context.Context, usecase.SecondFactorInput, usecase.RequestMeta) (*usecase.LoginResult, error) {
	return nil, usecase.ErrCodeInvalid
}

func (loginOnlyAuth) Logout(context.Context, usecase.Resolution, usecase.RequestMeta) error {
	return nil
}

func (loginOnlyAuth) Me(_ context.Context, principalID string) (*domain.Principal, error) {
	return &domain.Principal{ID: principalID, Email: principalID + "@example.com", Role: domain.RoleCustomer, IsActive: true}, nil
}

func (loginOnlyAuth) TokenTTL() time.Duration { return time.Hour }

type noopAdmin struct{}

func (noopAdmin) Deactivate(context.Context, usecase.Resolution, string, usecase.RequestMeta) error {
	return nil
}

func (noopAdmin) ChangeRole(context.Context, usecase.Resolution, string, domain.Role, string, usecase.RequestMeta) error {
	return nil
}

func newRouter(t *testing.T, deps httproutes.Dependencies) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Config == nil {
		deps.Config = testConfig()
	}
	deps.Logger = zaptest.NewLogger(t)
	return httproutes.Register(deps)
}

func serve(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	r := newRouter(t, httproutes.Dependencies{})

	w := serve(r, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	r := newRouter(t, httproutes.Dependencies{})

	w := serve(r, http.MethodGet, "/api/v1/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected a JSON body, got %q", w.Header().Get("Content-Type"))
	}
}

func TestLoginIsRateLimitedPerIP(t *testing.T) {
	limiter := middleware.NewRateLimiter(ratelimit.New(), nil)
	r := newRouter(t, httproutes.Dependencies{
		RateLimiter: limiter,
		Resolver:    callers,
		Services:    httproutes.ServiceSet{Auth: loginOnlyAuth{}},
	})

	body := `{"email":"ada@example.com","password":"correct horse battery"}`
	for i := 0; i < 2; i++ {
		if w := serve(r, http.MethodPost, "/api/v1/auth/login", body, nil); w.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
	}

	w := serve(r, http.MethodPost, "/api/v1/auth/login", body, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the budget is spent, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on rejection")
	}
}

func TestAdminPrincipalRoutesRequireAdmin(t *testing.T) {
	r := newRouter(t, httproutes.Dependencies{
		Resolver: callers,
		Services: httproutes.ServiceSet{Principals: noopAdmin{}},
	})

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{name: "anonymous", want: http.StatusUnauthorized},
		{name: "customer", token: "customer-token", want: http.StatusForbidden},
		{name: "admin", token: "admin-token", want: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.token != "" {
				headers["Authorization"] = "Bearer " + tc.token
			}
			w := serve(r, http.MethodPost, "/api/v1/admin/principals/cust-9/deactivate", "", headers)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestMeIsScopedByAudience(t *testing.T) {
	r := newRouter(t, httproutes.Dependencies{
		Resolver: callers,
		Services: httproutes.ServiceSet{Auth: loginOnlyAuth{}},
	})
	headers := map[string]string{"Authorization": "Bearer customer-token"}

	if w := serve(r, http.MethodGet, "/api/v1/auth/me", "", headers); w.Code != http.StatusOK {
		t.Fatalf("customer /auth/me: expected 200, got %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/api/v1/admin-auth/me", "", headers); w.Code != http.StatusForbidden {
		t.Fatalf("customer /admin-auth/me: expected 403, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(t, httproutes.Dependencies{Services: httproutes.ServiceSet{Auth: loginOnlyAuth{}}})

	w := serve(r, http.MethodOptions, "/api/v1/auth/login", "", map[string]string{
		"Origin":                        "https://admin.lledo.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.lledo.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: registry})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	r := newRouter(t, httproutes.Dependencies{HTTPMetrics: metrics, Gatherer: registry})

	serve(r, http.MethodGet, "/healthz", "", nil)

	w := serve(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `auth_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz request in metrics output:\n%s", w.Body.String())
	}
}
