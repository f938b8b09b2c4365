package clients

import (
	"context"
	"net"
	"net/url"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/inos-labs/coordinator/internal/dispatch"
	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
	"github.com/inos-labs/coordinator/pkg/rpcwire"
)

// rpcPortOffset is the port-arithmetic convention: a backend's RPC listener
// sits at its HTTP port plus this offset.
const rpcPortOffset = 51

// RPCAddr derives the RPC address from a normalized HTTP endpoint. Endpoints
// without an explicit port have no derivable RPC address.
func RPCAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", errors.Wrap(errors.ErrInvalidURL, endpoint)
	}
	port := u.Port()
	if port == "" {
		return "", errors.Wrap(errors.ErrInvalidURL, "endpoint has no explicit port")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalidURL, port)
	}
	return net.JoinHostPort(u.Hostname(), strconv.Itoa(n+rpcPortOffset)), nil
}

// RPCClient delivers envelopes to backends over the Process RPC.
type RPCClient struct {
	pool *Pool
	log  *zap.Logger
}

// NewRPCClient creates the RPC channel on a shared connection pool.
func NewRPCClient(pool *Pool, log *zap.Logger) *RPCClient {
	return &RPCClient{pool: pool, log: log.With(zap.String("module", "clients.rpc"))}
}

// Invoke serializes the envelope and sends it as the opaque Process payload.
func (c *RPCClient) Invoke(ctx context.Context, rec registry.ServiceRecord, env envelope.Envelope) (dispatch.BackendResponse, error) {
	addr, err := RPCAddr(rec.Endpoint)
	if err != nil {
		return dispatch.BackendResponse{}, err
	}
	conn, err := c.pool.Get(addr)
	if err != nil {
		return dispatch.BackendResponse{}, errors.Wrap(errors.ErrTransportError, err.Error())
	}

	raw, err := env.ToJSON()
	if err != nil {
		return dispatch.BackendResponse{}, err
	}

	resp, err := rpcwire.CallProcess(ctx, conn, &rpcwire.ProcessRequest{EnvelopeJSON: string(raw)})
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded || ctx.Err() != nil {
			return dispatch.BackendResponse{}, errors.Wrap(errors.ErrBackendTimeout, rec.Name)
		}
		return dispatch.BackendResponse{}, errors.Wrap(errors.ErrTransportError, err.Error())
	}

	out := dispatch.BackendResponse{Success: resp.Success, Error: resp.Error}
	if resp.EnvelopeJSON != "" {
		var payload any
		if err := json.Unmarshal([]byte(resp.EnvelopeJSON), &payload); err != nil {
			return dispatch.BackendResponse{}, errors.Wrap(errors.ErrBackendError, "undecodable rpc payload")
		}
		out.Payload = payload
	}
	return out, nil
}
