package transportgrpc

import (
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcinterceptors "github.com/lledo-industries/auth-core/internal/transport/grpc/interceptors"
)

// Methods reachable without credentials.
var defaultPublicMethods = []string{
	ResolveMethod,
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
	"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo",
}

// ServerDependencies encapsulates services required by the gRPC server layer.
type ServerDependencies struct {
	Resolver      grpcinterceptors.PrincipalResolver
	Logger        *zap.Logger
	Metrics       *grpcinterceptors.GRPCMetrics
	Tracing       *grpcinterceptors.TracingOptions
	Health        *health.Server
	PublicMethods []string // appended to the built-in public methods
	AdminMethods  []string
}

// NewServer wires gRPC services with authentication enforced through interceptors.
func NewServer(deps ServerDependencies) (*grpc.Server, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("principal resolver is required")
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	authInterceptor := grpcinterceptors.NewAuthInterceptor(deps.Resolver, grpcinterceptors.AuthOptions{
		Logger:        log,
		PublicMethods: append(append([]string(nil), defaultPublicMethods...), deps.PublicMethods...),
		AdminMethods:  deps.AdminMethods,
	})

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(deps.Metrics.UnaryServerInterceptor(), authInterceptor.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(deps.Metrics.StreamServerInterceptor(), authInterceptor.StreamServerInterceptor()),
	}
	if deps.Tracing != nil {
		opts = append(opts, grpcinterceptors.TracingServerOption(*deps.Tracing))
	}

	server := grpc.NewServer(opts...)

	RegisterPrincipalService(server, NewPrincipalServer(deps.Resolver, log))

	healthServer := deps.Health
	if healthServer == nil {
		healthServer = health.NewServer()
	}
	healthpb.RegisterHealthServer(server, healthServer)

	// Register reflection service for tools like Postman, grpcurl, etc.
	reflection.Register(server)

	return server, nil
}
