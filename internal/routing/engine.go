// Package routing produces the ordered candidate list for a request: an
// LLM-backed ranker when enabled, with a deterministic keyword index as floor
// and fallback.
package routing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/pkg/changelog"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/metrics"
)

// Method labels reported on routing results and metrics.
const (
	MethodAI      = "ai"
	MethodKeyword = "keyword"
)

// Engine orchestrates ranking: registry snapshot, AI ranker, keyword fallback.
type Engine struct {
	registry        *registry.Registry
	index           *Index
	ranker          *AIRanker
	fallbackEnabled bool
	metrics         *metrics.Metrics
	events          changelog.Appender
	log             *zap.Logger
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Registry        *registry.Registry
	Index           *Index
	Ranker          *AIRanker // nil disables AI ranking
	FallbackEnabled bool
	Metrics         *metrics.Metrics
	Events          changelog.Appender
}

// NewEngine creates a routing engine.
func NewEngine(opts EngineOptions, log *zap.Logger) *Engine {
	return &Engine{
		registry:        opts.Registry,
		index:           opts.Index,
		ranker:          opts.Ranker,
		fallbackEnabled: opts.FallbackEnabled,
		metrics:         opts.Metrics,
		events:          opts.Events,
		log:             log.With(zap.String("module", "routing")),
	}
}

// Route ranks the active services for the envelope and returns at most ten
// candidates plus the method label that produced them.
func (e *Engine) Route(ctx context.Context, env envelope.Envelope) ([]Candidate, string, error) {
	return e.RouteWithStrategy(ctx, env, "")
}

// RouteWithStrategy is Route with a per-request strategy override. Strategy
// "keyword" skips the AI ranker; anything else uses the default order.
func (e *Engine) RouteWithStrategy(ctx context.Context, env envelope.Envelope, strategy string) ([]Candidate, string, error) {
	start := time.Now()

	snapshot := e.registry.ActiveSnapshot()
	if len(snapshot) == 0 {
		e.observe("none", "no_active_services", start)
		return nil, "", errors.LogWithError(ctx, e.log, "routing failed", errors.ErrNoActiveServices,
			zap.String("request_id", env.RequestID))
	}

	method := MethodKeyword
	var candidates []Candidate

	if e.ranker != nil && strategy != MethodKeyword {
		ranked, err := e.ranker.Rank(ctx, env, snapshot)
		switch {
		case err == nil:
			method = MethodAI
			candidates = ranked
		case e.fallbackEnabled:
			// Already logged where classified; note the downgrade only.
			e.log.Warn("ai ranking unavailable, using keyword index",
				zap.String("request_id", env.RequestID))
		default:
			e.observe(MethodAI, "error", start)
			return nil, "", err
		}
	}

	if candidates == nil {
		candidates = e.index.Score(env, snapshot)
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	e.observe(method, "ok", start)
	if e.events != nil {
		top := ""
		if len(candidates) > 0 {
			top = candidates[0].ServiceName
		}
		e.events.Append("route_decided", "routing", map[string]any{
			"requestId":  env.RequestID,
			"method":     method,
			"candidates": len(candidates),
			"top":        top,
		})
	}
	e.log.Debug("routing decided",
		zap.String("request_id", env.RequestID),
		zap.String("method", method),
		zap.Int("candidates", len(candidates)))
	return candidates, method, nil
}

func (e *Engine) observe(method, status string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RoutingRequests.WithLabelValues(method, status).Inc()
	e.metrics.RoutingDuration.Observe(time.Since(start).Seconds())
}
