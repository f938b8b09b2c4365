// Package clients implements the outbound protocol channels the dispatcher
// uses to reach backends: HTTP POST and the Process RPC, behind a per-record
// protocol selector.
package clients

import (
	"context"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/dispatch"
	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
)

// Client selects a channel per service record and implements dispatch.Invoker.
type Client struct {
	http *HTTPClient
	rpc  *RPCClient
	pool *Pool
	log  *zap.Logger
}

// New wires the two channels over a shared connection pool.
func New(log *zap.Logger, poolOpts ...PoolOption) *Client {
	pool := NewPool(log, poolOpts...)
	return &Client{
		http: NewHTTPClient(log),
		rpc:  NewRPCClient(pool, log),
		pool: pool,
		log:  log.With(zap.String("module", "clients")),
	}
}

// Invoke routes over RPC when the manifest opts in, HTTP otherwise. A record
// whose RPC address cannot be derived falls back to HTTP rather than failing.
func (c *Client) Invoke(ctx context.Context, rec registry.ServiceRecord, env envelope.Envelope) (dispatch.BackendResponse, error) {
	if rec.Manifest != nil && rec.Manifest.SupportsRPC {
		resp, err := c.rpc.Invoke(ctx, rec, env)
		if err == nil || !errors.Is(err, errors.ErrInvalidURL) {
			return resp, err
		}
		c.log.Warn("rpc address not derivable, falling back to http",
			zap.String("service", rec.Name),
			zap.String("endpoint", rec.Endpoint))
	}
	return c.http.Invoke(ctx, rec, env)
}

// Close releases pooled RPC connections.
func (c *Client) Close() {
	c.pool.Close()
}
