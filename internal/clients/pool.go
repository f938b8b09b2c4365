package clients

import (
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DialFunc opens a client connection to one RPC address.
type DialFunc func(addr string) (*grpc.ClientConn, error)

// Pool caches one long-lived connection per backend address. Acquisition is
// lazy; connections survive across requests until Close.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	dial  DialFunc
	log   *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the default dialer. Tests use it to point the pool at
// in-memory listeners.
func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// NewPool creates an empty connection pool.
func NewPool(log *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		conns: make(map[string]*grpc.ClientConn),
		dial: func(addr string) (*grpc.ClientConn, error) {
			return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		},
		log: log.With(zap.String("module", "clients.pool")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the cached connection for addr, dialing once on first use.
// Creation is guarded so concurrent callers share a single connection.
func (p *Pool) Get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}
	conn, err := p.dial(addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	p.log.Debug("rpc connection opened", zap.String("addr", addr))
	return conn, nil
}

// Size reports the number of cached connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close tears down every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.log.Warn("closing rpc connection", zap.String("addr", addr), zap.Error(err))
		}
		delete(p.conns, addr)
	}
}
