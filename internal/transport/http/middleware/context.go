package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

const (
	// TraceIDHeader is the HTTP header name for trace ID
	TraceIDHeader = "X-Trace-ID"
	// TraceIDKey is the context key for trace ID
	TraceIDKey = "trace_id"
	// PrincipalIDKey is the context key for the authenticated principal ID
	PrincipalIDKey = "principal_id"

	requestContextKey = "request_context"
)

// RequestContext holds request-scoped information
type RequestContext struct {
	TraceID     string
	PrincipalID string
	IP          string
	UserAgent   string
}

// EnrichContext adds trace ID and request context to each request. When an
// OpenTelemetry span is active its trace id wins over the header.
func EnrichContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceIDHeader)
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)

		ctx := context.WithValue(c.Request.Context(), logger.TraceIDKey{}, traceID)
		c.Request = c.Request.WithContext(ctx)

		reqCtx := &RequestContext{
			TraceID:   traceID,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		c.Set(requestContextKey, reqCtx)

		c.Next()
	}
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(c *gin.Context) string {
	if traceID, exists := c.Get(TraceIDKey); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return ""
}

// GetRequestContext retrieves the full request context
func GetRequestContext(c *gin.Context) *RequestContext {
	if ctx, exists := c.Get(requestContextKey); exists {
		if reqCtx, ok := ctx.(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{}
}

// RequestMeta returns the client address and user agent in the shape the
// audit log and session registry expect.
func RequestMeta(c *gin.Context) usecase.RequestMeta {
	reqCtx := GetRequestContext(c)
	meta := usecase.RequestMeta{IP: reqCtx.IP, UserAgent: reqCtx.UserAgent}
	if meta.IP == "" {
		meta.IP = c.ClientIP()
	}
	if meta.UserAgent == "" {
		meta.UserAgent = c.Request.UserAgent()
	}
	return meta
}
