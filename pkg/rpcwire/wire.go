package rpcwire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	CoordinatorServiceName = "coordinator.CoordinatorService"
	BackendServiceName     = "coordinator.BackendService"

	routeMethod   = "/" + CoordinatorServiceName + "/Route"
	processMethod = "/" + BackendServiceName + "/Process"
)

// RouteRequest asks the coordinator to rank services for a query.
type RouteRequest struct {
	TenantID  string            `json:"tenantId"`
	UserID    string            `json:"userId"`
	QueryText string            `json:"queryText"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RouteResponse carries the ranked service names plus the canonical envelope
// and routing metadata as opaque JSON strings.
type RouteResponse struct {
	TargetServices      []string          `json:"targetServices"`
	NormalizedFields    map[string]string `json:"normalizedFields,omitempty"`
	EnvelopeJSON        string            `json:"envelopeJson"`
	RoutingMetadataJSON string            `json:"routingMetadataJson"`
}

// ProcessRequest delivers an envelope to a backend as opaque JSON.
type ProcessRequest struct {
	EnvelopeJSON string `json:"envelopeJson"`
}

// ProcessResponse is a backend's answer to Process.
type ProcessResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	EnvelopeJSON string `json:"envelopeJson"`
}

// RouteServer is implemented by the coordinator's RPC listener.
type RouteServer interface {
	Route(ctx context.Context, req *RouteRequest) (*RouteResponse, error)
}

// BackendServer is implemented by downstream services (and by test fakes).
type BackendServer interface {
	Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error)
}

func routeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RouteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouteServer).Route(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: routeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouteServer).Route(ctx, req.(*RouteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func processHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ProcessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: processMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BackendServer).Process(ctx, req.(*ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CoordinatorServiceDesc is the coordinator's inbound RPC surface.
var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorServiceName,
	HandlerType: (*RouteServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Route", Handler: routeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator",
}

// BackendServiceDesc is the surface downstream services expose.
var BackendServiceDesc = grpc.ServiceDesc{
	ServiceName: BackendServiceName,
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Process", Handler: processHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator",
}

// RegisterCoordinatorServer registers the Route handler on a gRPC server.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv RouteServer) {
	s.RegisterService(&CoordinatorServiceDesc, srv)
}

// RegisterBackendServer registers the Process handler on a gRPC server.
func RegisterBackendServer(s grpc.ServiceRegistrar, srv BackendServer) {
	s.RegisterService(&BackendServiceDesc, srv)
}

// CallRoute invokes Route over an established connection.
func CallRoute(ctx context.Context, conn grpc.ClientConnInterface, req *RouteRequest) (*RouteResponse, error) {
	out := new(RouteResponse)
	if err := conn.Invoke(ctx, routeMethod, req, out, grpc.ForceCodec(Codec{})); err != nil {
		return nil, err
	}
	return out, nil
}

// CallProcess invokes Process over an established connection.
func CallProcess(ctx context.Context, conn grpc.ClientConnInterface, req *ProcessRequest) (*ProcessResponse, error) {
	out := new(ProcessResponse)
	if err := conn.Invoke(ctx, processMethod, req, out, grpc.ForceCodec(Codec{})); err != nil {
		return nil, err
	}
	return out, nil
}
