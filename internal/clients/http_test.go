package clients

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
)

func paymentsRecord(endpoint string) registry.ServiceRecord {
	return registry.ServiceRecord{ID: "id-payments", Name: "payments", Endpoint: endpoint}
}

func TestHTTPInvokeDeliversEnvelope(t *testing.T) {
	var gotPath, gotRequestID, gotTarget string
	var gotEnv envelope.Envelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-ID")
		gotTarget = r.Header.Get("X-Target-Service")
		body, _ := io.ReadAll(r.Body)
		gotEnv, _ = envelope.FromJSON(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":42,"currency":"EUR","total":7}`))
	}))
	defer srv.Close()

	env := envelope.Build("http", "acme", "u-1", "charge card", nil, nil, "req-9")
	resp, err := NewHTTPClient(zap.NewNop()).Invoke(context.Background(), paymentsRecord(srv.URL), env)
	require.NoError(t, err)

	assert.Equal(t, "/api/process", gotPath)
	assert.Equal(t, "req-9", gotRequestID)
	assert.Equal(t, "payments", gotTarget)
	assert.Equal(t, "charge card", gotEnv.Payload.Query)

	assert.True(t, resp.Success)
	payload, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	assert.Len(t, payload, 3)
}

func TestHTTPInvokeBackendReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "ledger offline"})
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(zap.NewNop()).Invoke(context.Background(), paymentsRecord(srv.URL), envelope.Build("http", "", "", "q", nil, nil, ""))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "ledger offline", resp.Error)
}

func TestHTTPInvokeNon2xxIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(zap.NewNop()).Invoke(context.Background(), paymentsRecord(srv.URL), envelope.Build("http", "", "", "q", nil, nil, ""))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "500")
}

func TestHTTPInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPClient(zap.NewNop()).Invoke(ctx, paymentsRecord(srv.URL), envelope.Build("http", "", "", "q", nil, nil, ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackendTimeout))
}

func TestHTTPInvokeUndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(zap.NewNop()).Invoke(context.Background(), paymentsRecord(srv.URL), envelope.Build("http", "", "", "q", nil, nil, ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackendError))
}
