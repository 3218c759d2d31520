package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

/*
gRPC-транспорт без сгенерированного кода: сервис authz.v1.Authorization с одним
методом Check. Запрос и ответ: google.protobuf.Struct с теми же полями, что
и JSON-API (/v1/authorize), поэтому прокси и тесты могут звать его любым клиентом
с поддержкой well-known types.
*/

const (
	authorizationServiceName = "authz.v1.Authorization"
	checkFullMethod          = "/" + authorizationServiceName + "/Check"
)

// AuthorizationServer: серверная сторона authz.v1.Authorization.
type AuthorizationServer interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var authorizationServiceDesc = grpc.ServiceDesc{
	ServiceName: authorizationServiceName,
	HandlerType: (*AuthorizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "authz/v1/authorization.proto",
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizationServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizationServer).Check(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAuthorizationServer регистрирует сервис на gRPC-сервере.
func RegisterAuthorizationServer(s grpc.ServiceRegistrar, srv AuthorizationServer) {
	s.RegisterService(&authorizationServiceDesc, srv)
}

type GRPCGatewayServer struct {
	authz Decider
}

func NewGRPCGatewayServer(authz Decider) *GRPCGatewayServer {
	return &GRPCGatewayServer{authz: authz}
}

func (s *GRPCGatewayServer) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	attrs, err := attributesFromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request attributes: %v", err)
	}
	// Адрес пира берем из транспорта, если прокси его не передал
	if p, ok := peer.FromContext(ctx); ok && attrs.Peer.Address == "" && p.Addr != nil {
		attrs.Peer.Address = remoteHost(p.Addr.String())
	}

	d := s.authz.Authorize(ctx, attrs)
	return decisionToStruct(d)
}

func attributesFromStruct(req *structpb.Struct) (domain.RequestAttributes, error) {
	var attrs domain.RequestAttributes
	if req == nil {
		return attrs, fmt.Errorf("empty request")
	}
	raw, err := protojson.Marshal(req)
	if err != nil {
		return attrs, err
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return attrs, err
	}
	return attrs, nil
}

func decisionToStruct(d domain.Decision) (*structpb.Struct, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode decision: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode decision: %v", err)
	}
	return out, nil
}

// AuthorizationClient: клиент authz.v1.Authorization для прокси-адаптеров и CLI.
type AuthorizationClient struct {
	cc grpc.ClientConnInterface
}

func NewAuthorizationClient(cc grpc.ClientConnInterface) *AuthorizationClient {
	return &AuthorizationClient{cc: cc}
}

// Check отправляет атрибуты запроса и разбирает ответ обратно в Decision.
func (c *AuthorizationClient) Check(ctx context.Context, attrs domain.RequestAttributes, opts ...grpc.CallOption) (domain.Decision, error) {
	var d domain.Decision

	raw, err := json.Marshal(attrs)
	if err != nil {
		return d, err
	}
	in := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, in); err != nil {
		return d, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, checkFullMethod, in, out, opts...); err != nil {
		return d, err
	}

	raw, err = protojson.Marshal(out)
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(raw, &d)
	return d, err
}
