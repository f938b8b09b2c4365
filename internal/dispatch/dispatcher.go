// Package dispatch runs the cascading fallback: candidates are tried strictly
// in rank order and the cascade stops at the first response of acceptable
// quality. This is a fallback chain, not a scatter/gather; attempts never run
// in parallel.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/internal/routing"
	"github.com/inos-labs/coordinator/pkg/changelog"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/metrics"
)

// StopReason tells the caller why the cascade ended.
type StopReason string

const (
	StopFoundGoodResponse   StopReason = "found_good_response"
	StopExhaustedCandidates StopReason = "exhausted_candidates"
	StopDeadlineExceeded    StopReason = "deadline_exceeded"
)

// Policy bounds one dispatch.
type Policy struct {
	MaxAttempts            int
	PerAttemptTimeout      time.Duration
	MinQualityScore        float64
	StopOnFirst            bool
	RequireRelevantFields  bool
	RejectEmptyCollections bool
}

// DefaultPolicy returns the standard cascade policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:            5,
		PerAttemptTimeout:      5 * time.Second,
		MinQualityScore:        0.3,
		StopOnFirst:            true,
		RequireRelevantFields:  true,
		RejectEmptyCollections: true,
	}
}

// BackendResponse is the typed result of one protocol invocation.
type BackendResponse struct {
	Success bool
	Error   string
	Payload any
}

// Invoker dispatches an envelope to one backend over the right protocol.
// internal/clients implements it.
type Invoker interface {
	Invoke(ctx context.Context, rec registry.ServiceRecord, env envelope.Envelope) (BackendResponse, error)
}

// AttemptRecord captures one cascade attempt.
type AttemptRecord struct {
	Rank         int          `json:"rank"`
	ServiceName  string       `json:"serviceName"`
	Confidence   float64      `json:"confidence"`
	Success      bool         `json:"success"`
	Quality      float64      `json:"quality"`
	DurationMs   int64        `json:"durationMs"`
	RejectReason RejectReason `json:"rejectReason,omitempty"`
}

// Chosen is the accepted candidate plus its payload.
type Chosen struct {
	Candidate routing.Candidate `json:"candidate"`
	Payload   any               `json:"payload"`
	Rank      int               `json:"rank"`
}

// CascadeResult is the outcome of one dispatch.
type CascadeResult struct {
	Chosen     *Chosen         `json:"chosen,omitempty"`
	Attempts   []AttemptRecord `json:"attempts"`
	StopReason StopReason      `json:"stopReason"`
}

// Dispatcher owns the cascade loop. Constructed once at startup.
type Dispatcher struct {
	invoker  Invoker
	assessor Assessor
	metrics  *metrics.Metrics
	events   changelog.Appender
	log      *zap.Logger
}

// New creates a dispatcher. assessor defaults to the key-count heuristic.
func New(invoker Invoker, assessor Assessor, m *metrics.Metrics, events changelog.Appender, log *zap.Logger) *Dispatcher {
	if assessor == nil {
		assessor = KeyCountAssessor{}
	}
	return &Dispatcher{
		invoker:  invoker,
		assessor: assessor,
		metrics:  m,
		events:   events,
		log:      log.With(zap.String("module", "dispatch")),
	}
}

// Dispatch tries candidates in rank order until one returns a good response,
// the candidate list or attempt budget runs out, or the caller's deadline
// expires. The per-attempt timeout is the smaller of the policy timeout and
// the remaining deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, env envelope.Envelope, candidates []routing.Candidate, policy Policy) CascadeResult {
	result := CascadeResult{Attempts: make([]AttemptRecord, 0, len(candidates))}

	limit := len(candidates)
	if policy.MaxAttempts > 0 && policy.MaxAttempts < limit {
		limit = policy.MaxAttempts
	}

	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			break
		}
		candidate := candidates[i]
		rank := i + 1

		attemptTimeout := policy.PerAttemptTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < attemptTimeout {
				attemptTimeout = remaining
			}
		}
		if attemptTimeout <= 0 {
			break
		}

		attempt, payload := d.attempt(ctx, env, candidate, rank, attemptTimeout, policy)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Success && result.Chosen == nil {
			result.Chosen = &Chosen{
				Candidate: candidate,
				Payload:   payload,
				Rank:      rank,
			}
			if d.metrics != nil {
				d.metrics.ObserveDispatchSuccess(rank, len(result.Attempts))
			}
			if policy.StopOnFirst {
				break
			}
		}
	}

	switch {
	case result.Chosen != nil:
		result.StopReason = StopFoundGoodResponse
	case ctx.Err() != nil:
		result.StopReason = StopDeadlineExceeded
	default:
		result.StopReason = StopExhaustedCandidates
	}

	if d.events != nil {
		details := map[string]any{
			"requestId":  env.RequestID,
			"attempts":   len(result.Attempts),
			"stopReason": string(result.StopReason),
		}
		if result.Chosen != nil {
			details["chosen"] = result.Chosen.Candidate.ServiceName
			details["rank"] = result.Chosen.Rank
		}
		d.events.Append("dispatch_completed", "dispatch", details)
	}
	d.log.Info("dispatch completed",
		zap.String("request_id", env.RequestID),
		zap.Int("attempts", len(result.Attempts)),
		zap.String("stop_reason", string(result.StopReason)))
	return result
}

// attempt invokes one candidate and classifies the outcome. The accepted
// payload is returned alongside the record when the attempt succeeds.
func (d *Dispatcher) attempt(ctx context.Context, env envelope.Envelope, candidate routing.Candidate, rank int, timeout time.Duration, policy Policy) (AttemptRecord, any) {
	record := AttemptRecord{
		Rank:        rank,
		ServiceName: candidate.ServiceName,
		Confidence:  candidate.Confidence,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.invoker.Invoke(attemptCtx, candidate.Record, env)
	record.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		if attemptCtx.Err() != nil || errors.Is(err, errors.ErrBackendTimeout) {
			record.RejectReason = RejectTimeout
		} else {
			record.RejectReason = RejectServiceError
		}
		d.log.Warn("attempt failed",
			zap.String("request_id", env.RequestID),
			zap.String("candidate", candidate.ServiceName),
			zap.Int("rank", rank),
			zap.Error(err))
		return record, nil
	}

	quality, good, reason := evaluate(resp.Payload, resp.Success, d.assessor, policy)
	record.Quality = quality
	if !good {
		record.RejectReason = reason
		d.log.Debug("attempt rejected",
			zap.String("request_id", env.RequestID),
			zap.String("candidate", candidate.ServiceName),
			zap.Int("rank", rank),
			zap.String("reason", string(reason)),
			zap.Float64("quality", quality))
		return record, nil
	}

	record.Success = true
	return record, resp.Payload
}
