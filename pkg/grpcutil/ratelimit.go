// Package grpcutil holds server-side gRPC interceptors.
package grpcutil

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type tokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	lastCheck time.Time
}

// NewRateLimitInterceptor returns a unary interceptor that rate limits by
// peer IP. rps is the refill rate, burst the bucket capacity. rps <= 0
// disables limiting.
func NewRateLimitInterceptor(rps float64, burst int) grpc.UnaryServerInterceptor {
	var buckets sync.Map // map[string]*tokenBucket
	return func(
		ctx context.Context,
		req any,
		_ *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if rps <= 0 {
			return handler(ctx, req)
		}
		ip := "unknown"
		if p, ok := peer.FromContext(ctx); ok {
			if addr, ok := p.Addr.(*net.TCPAddr); ok {
				ip = addr.IP.String()
			}
		}
		bucketIface, _ := buckets.LoadOrStore(ip, &tokenBucket{tokens: float64(burst), lastCheck: time.Now()})
		bucket, ok := bucketIface.(*tokenBucket)
		if !ok {
			return nil, status.Error(codes.Internal, "rate limiter internal error")
		}
		bucket.mu.Lock()
		defer bucket.mu.Unlock()
		now := time.Now()
		elapsed := now.Sub(bucket.lastCheck)
		bucket.lastCheck = now
		tokens := bucket.tokens + elapsed.Seconds()*rps
		if tokens > float64(burst) {
			tokens = float64(burst)
		}
		if tokens < 1 {
			bucket.tokens = tokens
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		bucket.tokens = tokens - 1
		return handler(ctx, req)
	}
}
