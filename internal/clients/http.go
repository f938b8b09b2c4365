package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/dispatch"
	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
)

const maxResponseBytes = 4 << 20

// HTTPClient delivers envelopes to backends over plain HTTP.
type HTTPClient struct {
	client *http.Client
	log    *zap.Logger
}

// NewHTTPClient creates the HTTP channel. Per-call deadlines come from the
// caller's context, so the underlying client carries no timeout of its own.
func NewHTTPClient(log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With(zap.String("module", "clients.http")),
	}
}

// Invoke POSTs the envelope to <endpoint>/api/process and interprets the JSON
// response. A non-2xx status is a service failure, not a transport error.
func (c *HTTPClient) Invoke(ctx context.Context, rec registry.ServiceRecord, env envelope.Envelope) (dispatch.BackendResponse, error) {
	body, err := env.ToJSON()
	if err != nil {
		return dispatch.BackendResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Endpoint+"/api/process", bytes.NewReader(body))
	if err != nil {
		return dispatch.BackendResponse{}, errors.Wrap(errors.ErrTransportError, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", env.RequestID)
	req.Header.Set("X-Target-Service", rec.Name)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.BackendResponse{}, errors.Wrap(errors.ErrBackendTimeout, rec.Name)
		}
		return dispatch.BackendResponse{}, errors.Wrap(errors.ErrTransportError, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return dispatch.BackendResponse{}, errors.Wrap(errors.ErrTransportError, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return dispatch.BackendResponse{
			Success: false,
			Error:   fmt.Sprintf("backend returned status %d", resp.StatusCode),
		}, nil
	}

	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return dispatch.BackendResponse{}, errors.Wrap(errors.ErrBackendError, "undecodable response body")
		}
	}

	out := dispatch.BackendResponse{Success: true, Payload: payload}
	if obj, ok := payload.(map[string]any); ok {
		if s, ok := obj["success"].(bool); ok {
			out.Success = s
		}
		if msg, ok := obj["error"].(string); ok {
			out.Error = msg
		}
	}
	return out, nil
}
