package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cafeorders.v1.OrderService"

const (
	submitOrderMethod = "/" + ServiceName + "/SubmitOrder"
	getOrderMethod    = "/" + ServiceName + "/GetOrder"
	cancelOrderMethod = "/" + ServiceName + "/CancelOrder"
)

// OrderServiceServer is the server side of cafeorders.v1.OrderService. Messages are
// google.protobuf.Struct values carrying the JSON shape of the HTTP API.
type OrderServiceServer interface {
	SubmitOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// OrderServiceDesc describes cafeorders.v1.OrderService for registration.
var OrderServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "SubmitOrder", Handler: unaryHandler(submitOrderMethod, OrderServiceServer.SubmitOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler(getOrderMethod, OrderServiceServer.GetOrder)},
		{MethodName: "CancelOrder", Handler: unaryHandler(cancelOrderMethod, OrderServiceServer.CancelOrder)},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "cafeorders/v1/orders.proto",
}

type unaryCall func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpcpkg.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterOrderServiceServer registers srv on s.
func RegisterOrderServiceServer(s grpcpkg.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// Client calls cafeorders.v1.OrderService.
type Client struct {
	conn grpcpkg.ClientConnInterface
}

// NewClient constructs a Client over conn.
func NewClient(conn grpcpkg.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) SubmitOrder(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, submitOrderMethod, in, opts)
}

func (c *Client) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, getOrderMethod, in, opts)
}

func (c *Client) CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, cancelOrderMethod, in, opts)
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// NewServer builds a gRPC server exposing the order service, gRPC health and,
// when enabled, reflection.
func NewServer(orders OrderServiceServer, withReflection bool, opts ...grpcpkg.ServerOption) (*grpcpkg.Server, *health.Server) {
	server := grpcpkg.NewServer(opts...)
	RegisterOrderServiceServer(server, orders)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if withReflection {
		reflection.Register(server)
	}
	return server, healthServer
}

// MarkNotServing flips every health status to NOT_SERVING ahead of a graceful stop.
func MarkNotServing(h *health.Server) {
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}
