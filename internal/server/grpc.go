package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/inos-labs/coordinator/internal/routing"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
	"github.com/inos-labs/coordinator/pkg/rpcwire"
)

// RPCHandler serves the binary-framed Route surface. Routing semantics are
// identical to POST /route; the RPC caller dispatches on its own.
type RPCHandler struct {
	engine          *routing.Engine
	defaultDeadline time.Duration
	log             *zap.Logger
}

// NewRPCHandler creates the Route RPC handler.
func NewRPCHandler(engine *routing.Engine, defaultDeadline time.Duration, log *zap.Logger) *RPCHandler {
	if defaultDeadline <= 0 {
		defaultDeadline = 60 * time.Second
	}
	return &RPCHandler{
		engine:          engine,
		defaultDeadline: defaultDeadline,
		log:             log.With(zap.String("module", "server.rpc")),
	}
}

// Route implements rpcwire.RouteServer.
func (h *RPCHandler) Route(ctx context.Context, req *rpcwire.RouteRequest) (*rpcwire.RouteResponse, error) {
	env := envelope.Build("grpc", req.TenantID, req.UserID, req.QueryText, req.Metadata, nil, "")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.defaultDeadline)
		defer cancel()
	}

	candidates, method, err := h.engine.Route(ctx, env)
	if err != nil {
		return nil, rpcStatus(err)
	}

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.ServiceName)
	}

	envJSON, err := env.ToJSON()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	metaJSON, err := json.Marshal(map[string]any{
		"method":     method,
		"candidates": candidates,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &rpcwire.RouteResponse{
		TargetServices: names,
		NormalizedFields: map[string]string{
			"requestId": env.RequestID,
			"tenantId":  env.TenantID,
			"userId":    env.UserID,
		},
		EnvelopeJSON:        string(envJSON),
		RoutingMetadataJSON: string(metaJSON),
	}, nil
}

// rpcStatus maps the error taxonomy onto gRPC codes.
func rpcStatus(err error) error {
	switch {
	case errors.Is(err, errors.ErrNoActiveServices), errors.Is(err, errors.ErrAIUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, errors.ErrEnvelopeMalformed), errors.Is(err, errors.ErrEnvelopeInvalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errors.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
