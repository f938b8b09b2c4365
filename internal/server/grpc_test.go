package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/internal/routing"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/json"
	"github.com/inos-labs/coordinator/pkg/rpcwire"
)

func rpcFixture(t *testing.T) (*registry.Registry, *grpc.ClientConn) {
	t.Helper()
	log := zap.NewNop()
	idx := routing.NewIndex(log)
	reg := registry.New(log, registry.WithIndexNotifier(idx))
	eng := routing.NewEngine(routing.EngineOptions{
		Registry:        reg,
		Index:           idx,
		FallbackEnabled: true,
	}, log)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpcwire.RegisterCoordinatorServer(srv, NewRPCHandler(eng, time.Minute, log))
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return reg, conn
}

func activateRPC(t *testing.T, reg *registry.Registry, name string, caps []string) {
	t.Helper()
	ctx := context.Background()
	id, err := reg.Register(ctx, name, "1.0.0", "http://"+name+":4000", "", registry.Metadata{Capabilities: caps})
	require.NoError(t, err)
	_, err = reg.CompleteMigration(ctx, id, &registry.Manifest{
		Endpoints: []registry.ManifestEndpoint{{Path: "/api/" + name, Method: "POST"}},
	})
	require.NoError(t, err)
}

func TestRPCRoute(t *testing.T) {
	reg, conn := rpcFixture(t)
	activateRPC(t, reg, "payments", []string{"payments", "billing"})
	activateRPC(t, reg, "users", []string{"users"})

	resp, err := rpcwire.CallRoute(context.Background(), conn, &rpcwire.RouteRequest{
		TenantID:  "acme",
		UserID:    "u-1",
		QueryText: "charge payments card",
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.TargetServices)
	assert.Equal(t, "payments", resp.TargetServices[0])
	assert.Equal(t, "acme", resp.NormalizedFields["tenantId"])
	assert.Equal(t, "u-1", resp.NormalizedFields["userId"])
	assert.NotEmpty(t, resp.NormalizedFields["requestId"])

	env, err := envelope.FromJSON([]byte(resp.EnvelopeJSON))
	require.NoError(t, err)
	assert.Equal(t, "grpc", env.Source)
	assert.Equal(t, "charge payments card", env.Payload.Query)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.RoutingMetadataJSON), &meta))
	assert.Equal(t, "keyword", meta["method"])
	candidates, _ := meta["candidates"].([]any)
	assert.NotEmpty(t, candidates)
}

func TestRPCRouteDefaultsIdentity(t *testing.T) {
	reg, conn := rpcFixture(t)
	activateRPC(t, reg, "payments", nil)

	resp, err := rpcwire.CallRoute(context.Background(), conn, &rpcwire.RouteRequest{QueryText: "q"})
	require.NoError(t, err)
	assert.Equal(t, "default", resp.NormalizedFields["tenantId"])
	assert.Equal(t, "anonymous", resp.NormalizedFields["userId"])
}

func TestRPCRouteEmptyRegistry(t *testing.T) {
	_, conn := rpcFixture(t)

	_, err := rpcwire.CallRoute(context.Background(), conn, &rpcwire.RouteRequest{QueryText: "q"})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
