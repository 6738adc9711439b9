package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/infra/telemetry"
)

const (
	rateLimitProblemType  = "https://auth.lledo.example/errors/rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"
)

// IdentifierFunc extracts the identifier used to scope rate limits (e.g., client IP).
type IdentifierFunc func(*gin.Context) (string, bool)

// RateLimitRule configures a fixed-window budget for a particular identifier.
type RateLimitRule struct {
	Name       string
	Limit      int
	Window     time.Duration
	Identifier IdentifierFunc
}

// RateLimiter turns port.RateLimiter decisions into gin middleware.
type RateLimiter struct {
	limiter port.RateLimiter
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

type ruleResult struct {
	rule     RateLimitRule
	decision port.RateDecision
}

// ProblemDetails represents an RFC 9457 compatible error payload for rate limits.
type ProblemDetails struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail"`
	Instance   string         `json:"instance"`
	RetryAfter int            `json:"retry_after"`
	TraceID    string         `json:"trace_id,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// NewRateLimiter builds a reusable rate limiter middleware helper.
func NewRateLimiter(limiter port.RateLimiter, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}

	return &RateLimiter{
		limiter: limiter,
		logger:  log,
		metrics: telemetry.NewNopMetrics(),
	}
}

// WithMetrics counts rejections per rule.
func (rl *RateLimiter) WithMetrics(m *telemetry.Metrics) *RateLimiter {
	if m != nil {
		rl.metrics = m
	}
	return rl
}

// ClientIPIdentifier builds an IdentifierFunc using the request's client IP.
func ClientIPIdentifier() IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		ip := c.ClientIP()
		if ip == "" {
			return "", false
		}
		return ip, true
	}
}

// PrincipalIdentifier scopes a rule to the authenticated principal and falls
// back to the client IP for anonymous callers.
func PrincipalIdentifier() IdentifierFunc {
	byIP := ClientIPIdentifier()
	return func(c *gin.Context) (string, bool) {
		if who, ok := CurrentPrincipal(c); ok {
			return "principal:" + who.PrincipalID, true
		}
		return byIP(c)
	}
}

// RateLimit returns a Gin middleware enforcing the provided rules. Every rule
// consumes one unit; the first rejection stops the request.
func (rl *RateLimiter) RateLimit(rules ...RateLimitRule) gin.HandlerFunc {
	filtered := make([]RateLimitRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Identifier == nil || rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		if rule.Name == "" {
			rule.Name = "default"
		}
		filtered = append(filtered, rule)
	}

	return func(c *gin.Context) {
		if len(filtered) == 0 || rl.limiter == nil {
			c.Next()
			return
		}

		var best *ruleResult
		for _, rule := range filtered {
			identifier, ok := rule.Identifier(c)
			if !ok || identifier == "" {
				continue
			}

			key := fmt.Sprintf("%s:%s", rule.Name, identifier)
			decision, err := rl.limiter.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
			if err != nil {
				logger.Enrich(c.Request.Context(), rl.logger).Warn("rate limit check failed",
					zap.String("rule", rule.Name),
					zap.String("identifier", maskIdentifier(identifier)),
					zap.Error(err),
				)
				continue
			}

			res := ruleResult{rule: rule, decision: decision}
			if !decision.Allowed {
				rl.metrics.RateLimitRejections.WithLabelValues(rule.Name).Inc()
				rl.applyHeaders(c, res)
				rl.respondRateLimited(c, res)
				return
			}

			if best == nil || tighter(res, *best) {
				snapshot := res
				best = &snapshot
			}
		}

		if best != nil {
			rl.applyHeaders(c, *best)
		}

		c.Next()
	}
}

// tighter reports whether candidate leaves less headroom than current.
func tighter(candidate, current ruleResult) bool {
	if candidate.decision.Remaining != current.decision.Remaining {
		return candidate.decision.Remaining < current.decision.Remaining
	}
	return candidate.decision.ResetAt.Before(current.decision.ResetAt)
}

func (rl *RateLimiter) applyHeaders(c *gin.Context, res ruleResult) {
	d := res.decision
	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	if !d.Allowed {
		headers.Set("Retry-After", strconv.Itoa(retrySeconds(d.RetryAfter)))
	}
}

func (rl *RateLimiter) respondRateLimited(c *gin.Context, res ruleResult) {
	seconds := retrySeconds(res.decision.RetryAfter)

	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	problem := ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("Too many requests. Try again in %d seconds.", seconds),
		Instance:   instance,
		RetryAfter: seconds,
		TraceID:    GetTraceID(c),
		Extensions: map[string]any{"rule": res.rule.Name},
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, problem)
}

func retrySeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 0 {
		return 0
	}
	return seconds
}

func maskIdentifier(identifier string) string {
	if strings.HasPrefix(identifier, "principal:") {
		return identifier
	}
	return logger.MaskIP(identifier)
}
