// Package server hosts the coordinator's two inbound listeners: the REST
// surface and the binary-framed Route RPC. Both share the routing engine.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/inos-labs/coordinator/pkg/grpcutil"
	"github.com/inos-labs/coordinator/pkg/rpcwire"
)

// Options configures the listeners.
type Options struct {
	HTTPPort int
	RPCPort  int

	HTTP *HTTPHandler
	RPC  rpcwire.RouteServer

	RateLimitRPS   float64
	RateLimitBurst int

	ShutdownGrace time.Duration
}

// Server runs both listeners until the context is cancelled.
type Server struct {
	opts Options
	http *http.Server
	grpc *grpc.Server
	log  *zap.Logger
}

// New assembles the listeners without starting them.
func New(opts Options, log *zap.Logger) *Server {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.HTTPPort),
		Handler:           opts.HTTP.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcOpts []grpc.ServerOption
	if opts.RateLimitRPS > 0 {
		grpcOpts = append(grpcOpts, grpc.ChainUnaryInterceptor(
			grpcutil.NewRateLimitInterceptor(opts.RateLimitRPS, opts.RateLimitBurst)))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	rpcwire.RegisterCoordinatorServer(grpcSrv, opts.RPC)

	return &Server{
		opts: opts,
		http: httpSrv,
		grpc: grpcSrv,
		log:  log.With(zap.String("module", "server")),
	}
}

// Run blocks serving both listeners. Cancelling ctx starts a graceful
// shutdown; Run returns once both listeners have stopped.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.RPCPort))
	if err != nil {
		return fmt.Errorf("rpc listener: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listener up", zap.Int("port", s.opts.HTTPPort))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.log.Info("rpc listener up", zap.Int("port", s.opts.RPCPort))
		if err := s.grpc.Serve(lis); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
		defer cancel()

		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}

		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			s.grpc.Stop()
		}
		return nil
	})

	return g.Wait()
}
