package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/infra/config"
	"github.com/lledo-industries/auth-core/internal/transport/http/handlers"
	"github.com/lledo-industries/auth-core/internal/transport/http/middleware"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Auth         handlers.Authenticator
	Sessions     handlers.SessionLister
	SessionKill  handlers.SessionKiller
	TwoFactor    handlers.TwoFactorManager
	Passwords    handlers.PasswordManager
	Registration handlers.Registrar
	Principals   handlers.PrincipalAdministrator
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Resolver    middleware.PrincipalResolver
	Services    ServiceSet
	HTTPMetrics *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers.UseJSONFieldNames()

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.App.TrustedProxies); err != nil {
		log.Warn("invalid trusted proxies, falling back to none", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}

	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Handler())
	}
	r.Use(middleware.CORS(cfg.App.AllowedOrigins))
	if deps.Resolver != nil {
		r.Use(middleware.Authenticate(deps.Resolver, cfg.JWT.CookieName, cfg.Session.CookieName))
	}

	healthOptions := make([]handlers.HealthOption, 0, 2)

	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}

	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}

	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	r.GET("/metrics", gin.WrapH(metricsHandler(deps.Gatherer)))

	if !cfg.App.IsProduction() {
		handlers.RegisterSwagger(r)
	}

	cookies := handlers.CookieConfig{
		TokenName:   cfg.JWT.CookieName,
		SessionName: cfg.Session.CookieName,
		Secure:      cfg.App.IsProduction(),
	}
	services := deps.Services
	rl := newLimits(deps)

	api := r.Group("/api/v1")
	if fallback := rl.fallback(); fallback != nil {
		api.Use(fallback)
	}
	{
		if services.Auth != nil {
			authOptions := []handlers.AuthHandlerOption{handlers.WithAuthLogger(log)}
			if services.TwoFactor != nil {
				authOptions = append(authOptions, handlers.WithTwoFactorStatus(services.TwoFactor))
			}

			adminAuth := handlers.NewAuthHandler(services.Auth, cookies,
				append(authOptions, handlers.WithAudience(domain.RoleAdmin))...)
			adminAuth.RegisterRoutes(api.Group("/admin-auth"), rl.authMiddlewares())

			if services.Registration != nil {
				authOptions = append(authOptions, handlers.WithRegistration(services.Registration))
			}
			customerAuth := handlers.NewAuthHandler(services.Auth, cookies, authOptions...)
			customerAuth.RegisterRoutes(api.Group("/auth"), rl.authMiddlewares())
		}

		if services.Sessions != nil && services.SessionKill != nil {
			sessionGroup := api.Group("/sessions")
			sessionGroup.Use(middleware.RequireAuthenticated())
			handlers.NewSessionHandler(services.Sessions, services.SessionKill).RegisterRoutes(sessionGroup)
		}

		if services.TwoFactor != nil && services.Auth != nil {
			twoFactorGroup := api.Group("/2fa")
			twoFactorGroup.Use(middleware.RequireAuthenticated())
			handlers.NewTwoFactorHandler(services.TwoFactor, services.Auth).RegisterRoutes(twoFactorGroup)
		}

		if services.Passwords != nil {
			passwordHandler := handlers.NewPasswordHandler(services.Passwords, cookies)

			passwordGroup := api.Group("/password")
			passwordGroup.POST("/change", middleware.RequireAuthenticated(), passwordHandler.ChangePassword)

			resetGroup := passwordGroup.Group("")
			resetGroup.Use(rl.passwordReset()...)
			resetGroup.POST("/forgot", passwordHandler.ForgotPassword)
			resetGroup.POST("/reset", passwordHandler.ResetPassword)
		}

		if services.Principals != nil {
			adminGroup := api.Group("/admin/principals")
			adminGroup.Use(middleware.RequireAdmin())
			handlers.NewPrincipalAdminHandler(services.Principals).RegisterRoutes(adminGroup)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.NewErrorResponse(c, "route not found"))
	})

	return r
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// limits turns the rate limit settings into per-endpoint middleware.
type limits struct {
	limiter  *middleware.RateLimiter
	settings config.RateLimitSettings
}

func newLimits(deps Dependencies) limits {
	return limits{limiter: deps.RateLimiter, settings: deps.Config.RateLimit}
}

func (l limits) window(fallback time.Duration) time.Duration {
	if l.settings.WindowDuration > 0 {
		return l.settings.WindowDuration
	}
	return fallback
}

func (l limits) rule(name string, limit int, window time.Duration, id middleware.IdentifierFunc) []gin.HandlerFunc {
	if l.limiter == nil || limit <= 0 {
		return nil
	}
	return []gin.HandlerFunc{l.limiter.RateLimit(middleware.RateLimitRule{
		Name:       name,
		Limit:      limit,
		Window:     window,
		Identifier: id,
	})}
}

func (l limits) authMiddlewares() handlers.AuthRouteMiddlewares {
	loginWindow := l.settings.LoginWindow
	if loginWindow <= 0 {
		loginWindow = 15 * time.Minute
	}

	return handlers.AuthRouteMiddlewares{
		Login:    l.rule("auth_login_ip", l.settings.LoginMaxAttempts, loginWindow, middleware.ClientIPIdentifier()),
		Verify:   l.rule("auth_verify_ip", l.settings.VerifyMaxAttempts, loginWindow, middleware.ClientIPIdentifier()),
		Register: l.rule("auth_register_ip", l.settings.RegisterMaxAttempts, l.window(time.Hour), middleware.ClientIPIdentifier()),
	}
}

func (l limits) passwordReset() []gin.HandlerFunc {
	return l.rule("password_reset_ip", l.settings.PasswordResetMaxAttempts, l.window(time.Hour), middleware.ClientIPIdentifier())
}

func (l limits) fallback() gin.HandlerFunc {
	mw := l.rule("api_default", l.settings.DefaultMaxRequests, l.window(time.Minute), middleware.PrincipalIdentifier())
	if len(mw) == 0 {
		return nil
	}
	return mw[0]
}
