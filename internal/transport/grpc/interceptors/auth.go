package interceptors

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

// Incoming metadata keys are always lower case.
const (
	authorizationKey = "authorization"
	sessionKey       = "x-session-id"
	bearerPrefix     = "bearer "
)

// PrincipalResolver decides who is calling from the raw credentials.
type PrincipalResolver interface {
	Resolve(ctx context.Context, creds usecase.Credentials) usecase.Resolution
}

// AuthOptions fine-tunes interceptor behaviour.
type AuthOptions struct {
	// PublicMethods skip authentication entirely.
	PublicMethods []string
	// AdminMethods additionally require the ADMIN role.
	AdminMethods []string
	Logger       *zap.Logger
}

// AuthInterceptor authenticates calls with the same resolver the HTTP surface uses.
type AuthInterceptor struct {
	resolver PrincipalResolver
	logger   *zap.Logger
	public   map[string]struct{}
	admin    map[string]struct{}
}

// NewAuthInterceptor constructs a new AuthInterceptor instance.
func NewAuthInterceptor(resolver PrincipalResolver, opts AuthOptions) *AuthInterceptor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &AuthInterceptor{
		resolver: resolver,
		logger:   log,
		public:   methodSet(opts.PublicMethods),
		admin:    methodSet(opts.AdminMethods),
	}
}

// UnaryServerInterceptor returns a gRPC unary interceptor that enforces authentication.
func (ai *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := ai.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func (ai *AuthInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := ai.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

func (ai *AuthInterceptor) authorize(ctx context.Context, method string) (context.Context, error) {
	if ai == nil || ai.resolver == nil {
		return ctx, nil
	}
	if _, ok := ai.public[method]; ok {
		return ctx, nil
	}

	log := logger.Enrich(ctx, ai.logger).With(zap.String("method", method))

	creds := credentialsFromMetadata(ctx)
	if creds.Token == "" && creds.SessionID == "" {
		log.Debug("gRPC call without credentials")
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}

	who := ai.resolver.Resolve(ctx, creds)
	if !who.Authenticated {
		log.Warn("gRPC authentication failed", zap.Bool("bearer", creds.Token != ""))
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}

	if _, ok := ai.admin[method]; ok && !who.IsAdmin() {
		log.Warn("gRPC admin method denied", zap.String("principal_id", who.PrincipalID))
		return nil, status.Error(codes.PermissionDenied, "admin role required")
	}

	return WithResolution(ctx, who), nil
}

type resolutionContextKey struct{}

// WithResolution returns a derived context carrying the caller identity.
func WithResolution(ctx context.Context, who usecase.Resolution) context.Context {
	return context.WithValue(ctx, resolutionContextKey{}, who)
}

// ResolutionFromContext returns the caller identity stored by the interceptor.
func ResolutionFromContext(ctx context.Context) (usecase.Resolution, bool) {
	if ctx == nil {
		return usecase.Anonymous, false
	}
	who, ok := ctx.Value(resolutionContextKey{}).(usecase.Resolution)
	if !ok || !who.Authenticated {
		return usecase.Anonymous, false
	}
	return who, true
}

func credentialsFromMetadata(ctx context.Context) usecase.Credentials {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return usecase.Credentials{}
	}

	var creds usecase.Credentials
	if values := md.Get(authorizationKey); len(values) > 0 {
		value := strings.TrimSpace(values[0])
		if len(value) > len(bearerPrefix) && strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
			creds.Token = strings.TrimSpace(value[len(bearerPrefix):])
		}
	}
	if values := md.Get(sessionKey); len(values) > 0 {
		creds.SessionID = strings.TrimSpace(values[0])
	}
	return creds
}

func methodSet(methods []string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, method := range methods {
		if method = strings.TrimSpace(method); method != "" {
			set[method] = struct{}{}
		}
	}
	return set
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}
