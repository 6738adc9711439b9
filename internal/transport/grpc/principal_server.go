package transportgrpc

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lledo-industries/auth-core/internal/infra/logger"
	grpcinterceptors "github.com/lledo-industries/auth-core/internal/transport/grpc/interceptors"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

// Fully qualified method names of the principal service.
const (
	PrincipalServiceName  = "lledo.auth.v1.PrincipalService"
	ResolveMethod         = "/" + PrincipalServiceName + "/Resolve"
	WhoAmIMethod          = "/" + PrincipalServiceName + "/WhoAmI"
	principalServiceProto = "lledo/auth/v1/principal.proto"
)

// PrincipalService lets backend services resolve end-user credentials
// without sharing the signing key.
type PrincipalService interface {
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// PrincipalServer implements PrincipalService on top of the principal resolver.
type PrincipalServer struct {
	resolver grpcinterceptors.PrincipalResolver
	logger   *zap.Logger
}

// NewPrincipalServer constructs a PrincipalServer instance.
func NewPrincipalServer(resolver grpcinterceptors.PrincipalResolver, log *zap.Logger) *PrincipalServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &PrincipalServer{resolver: resolver, logger: log}
}

// RegisterPrincipalService attaches svc to the gRPC server.
func RegisterPrincipalService(server grpc.ServiceRegistrar, svc PrincipalService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: PrincipalServiceName,
		HandlerType: (*PrincipalService)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Resolve", Handler: resolveHandler},
			{MethodName: "WhoAmI", Handler: whoAmIHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: principalServiceProto,
	}, svc)
}

// Resolve answers for the credentials in the request body, never for the caller.
// Unknown, expired or revoked credentials yield authenticated=false rather than an error.
func (s *PrincipalServer) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	creds := usecase.Credentials{
		Token:     stringField(req, "token"),
		SessionID: stringField(req, "session_id"),
	}
	if creds.Token == "" && creds.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "token or session_id is required")
	}

	who := s.resolver.Resolve(ctx, creds)
	if !who.Authenticated {
		logger.Enrich(ctx, s.logger).Debug("credentials did not resolve", zap.Bool("bearer", creds.Token != ""))
	}
	return resolutionStruct(who)
}

// WhoAmI returns the identity the auth interceptor attached to the call.
func (s *PrincipalServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	who, ok := grpcinterceptors.ResolutionFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	return resolutionStruct(who)
}

func resolutionStruct(who usecase.Resolution) (*structpb.Struct, error) {
	fields := map[string]any{
		"authenticated": who.Authenticated,
		"via":           string(who.Via),
	}
	if who.Authenticated {
		fields["principal_id"] = who.PrincipalID
		fields["email"] = who.Email
		fields["role"] = string(who.Role)
		fields["company"] = who.Company
		fields["session_id"] = who.SessionID
	}

	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func stringField(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(PrincipalService)
	if interceptor == nil {
		return svc.Resolve(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResolveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		typed, ok := req.(*structpb.Struct)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "invalid request type")
		}
		return svc.Resolve(ctx, typed)
	}
	return interceptor(ctx, req, info, handler)
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &emptypb.Empty{}
	if err := dec(req); err != nil {
		return nil, err
	}
	svc := srv.(PrincipalService)
	if interceptor == nil {
		return svc.WhoAmI(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WhoAmIMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		typed, ok := req.(*emptypb.Empty)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "invalid request type")
		}
		return svc.WhoAmI(ctx, typed)
	}
	return interceptor(ctx, req, info, handler)
}
