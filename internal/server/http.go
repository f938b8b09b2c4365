package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/dispatch"
	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/internal/routing"
	"github.com/inos-labs/coordinator/pkg/changelog"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
	"github.com/inos-labs/coordinator/pkg/logger"
	"github.com/inos-labs/coordinator/pkg/metrics"
)

const maxBodyBytes = 1 << 20

// HTTPOptions wires the HTTP surface's collaborators.
type HTTPOptions struct {
	Registry        *registry.Registry
	Engine          *routing.Engine
	Dispatcher      *dispatch.Dispatcher
	Metrics         *metrics.Metrics
	Changelog       *changelog.Log
	Policy          dispatch.Policy
	DefaultDeadline time.Duration
}

// HTTPHandler serves the coordinator's REST surface.
type HTTPHandler struct {
	registry        *registry.Registry
	engine          *routing.Engine
	dispatcher      *dispatch.Dispatcher
	metrics         *metrics.Metrics
	changelog       *changelog.Log
	policy          dispatch.Policy
	defaultDeadline time.Duration
	started         *atomic.Time
	log             *zap.Logger
}

// NewHTTPHandler builds the handler and its route table.
func NewHTTPHandler(opts HTTPOptions, log *zap.Logger) *HTTPHandler {
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 60 * time.Second
	}
	return &HTTPHandler{
		registry:        opts.Registry,
		engine:          opts.Engine,
		dispatcher:      opts.Dispatcher,
		metrics:         opts.Metrics,
		changelog:       opts.Changelog,
		policy:          opts.Policy,
		defaultDeadline: opts.DefaultDeadline,
		started:         atomic.NewTime(time.Now()),
		log:             log.With(zap.String("module", "server.http")),
	}
}

// Mux returns the route table.
func (h *HTTPHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("POST /register/{id}/migration", h.handleMigration)
	mux.HandleFunc("DELETE /register/services", h.handleDeleteAll)
	mux.HandleFunc("POST /route", h.handleRoute)
	mux.HandleFunc("GET /services", h.handleServices)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /changelog", h.handleChangelog)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return mux
}

type registerRequest struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Endpoint   string            `json:"endpoint"`
	HealthPath string            `json:"healthPath"`
	Metadata   registry.Metadata `json:"metadata"`
}

func (h *HTTPHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Registration counters live in the registry, the single classification
	// site for register outcomes.
	id, err := h.registry.Register(r.Context(), req.Name, req.Version, req.Endpoint, req.HealthPath, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"id":     id,
		"status": string(registry.StatusPendingMigration),
	})
}

type migrationRequest struct {
	Manifest *registry.Manifest `json:"manifest"`
}

func (h *HTTPHandler) handleMigration(w http.ResponseWriter, r *http.Request) {
	var req migrationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.registry.CompleteMigration(r.Context(), r.PathValue("id"), req.Manifest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":     rec.ID,
		"status": string(rec.Status),
	})
}

func (h *HTTPHandler) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.registry.DeleteAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type routeOverrides struct {
	Strategy        string   `json:"strategy"`
	MaxAttempts     int      `json:"maxAttempts"`
	MinQualityScore *float64 `json:"minQualityScore"`
	StopOnFirst     *bool    `json:"stopOnFirst"`
}

type routeRequest struct {
	Query   string            `json:"query"`
	Payload map[string]string `json:"payload"`
	Context map[string]string `json:"context"`
	Routing *routeOverrides   `json:"routing"`
}

type routeResponse struct {
	Success  bool            `json:"success"`
	Routing  routingSection  `json:"routing"`
	Dispatch dispatchSection `json:"dispatch"`
}

type routingSection struct {
	Method       string              `json:"method"`
	Candidates   []routing.Candidate `json:"candidates"`
	ProcessingMs int64               `json:"processingMs"`
}

type dispatchSection struct {
	Chosen     *dispatch.Chosen         `json:"chosen,omitempty"`
	Attempts   []dispatch.AttemptRecord `json:"attempts"`
	StopReason dispatch.StopReason      `json:"stopReason"`
}

func (h *HTTPHandler) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	env := envelope.Build("http",
		r.Header.Get("X-Tenant-ID"),
		r.Header.Get("X-User-ID"),
		req.Query,
		req.Payload,
		req.Context,
		r.Header.Get("X-Request-ID"))

	ctx, cancel := context.WithTimeout(r.Context(), h.defaultDeadline)
	defer cancel()
	ctx = h.requestContext(ctx, env.RequestID)

	strategy := ""
	policy := h.policy
	if req.Routing != nil {
		strategy = req.Routing.Strategy
		if req.Routing.MaxAttempts > 0 {
			policy.MaxAttempts = req.Routing.MaxAttempts
		}
		if req.Routing.MinQualityScore != nil {
			policy.MinQualityScore = *req.Routing.MinQualityScore
		}
		if req.Routing.StopOnFirst != nil {
			policy.StopOnFirst = *req.Routing.StopOnFirst
		}
	}

	start := time.Now()
	candidates, method, err := h.engine.RouteWithStrategy(ctx, env, strategy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	processing := time.Since(start).Milliseconds()

	result := h.dispatcher.Dispatch(ctx, env, candidates, policy)

	h.writeJSON(w, http.StatusOK, routeResponse{
		Success: result.Chosen != nil,
		Routing: routingSection{
			Method:       method,
			Candidates:   candidates,
			ProcessingMs: processing,
		},
		Dispatch: dispatchSection{
			Chosen:     result.Chosen,
			Attempts:   result.Attempts,
			StopReason: result.StopReason,
		},
	})
}

type serviceSummary struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Endpoint     string    `json:"endpoint"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (h *HTTPHandler) handleServices(w http.ResponseWriter, r *http.Request) {
	includeAll := r.URL.Query().Has("includeAll")
	records := h.registry.List(registry.Filter{OnlyActive: !includeAll})

	services := make([]serviceSummary, 0, len(records))
	for _, rec := range records {
		services = append(services, serviceSummary{
			Name:         rec.Name,
			Version:      rec.Version,
			Endpoint:     rec.Endpoint,
			Status:       string(rec.Status),
			RegisteredAt: rec.RegisteredAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"uptime":             time.Since(h.started.Load()).Round(time.Second).String(),
		"registeredServices": h.registry.Count(),
	})
}

func (h *HTTPHandler) handleChangelog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, errors.Wrap(errors.ErrEnvelopeInvalid, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	events := h.changelog.List(limit, r.URL.Query().Get("type"))
	h.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *HTTPHandler) decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(errors.ErrEnvelopeMalformed, err.Error())
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(errors.ErrEnvelopeMalformed, err.Error())
	}
	return nil
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encoding response", zap.Error(err))
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	h.log.Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	h.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    errors.Code(err),
			"message": err.Error(),
		},
	})
}

func (h *HTTPHandler) requestContext(ctx context.Context, requestID string) context.Context {
	return logger.WithRequestID(ctx, requestID)
}
