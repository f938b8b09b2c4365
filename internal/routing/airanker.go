package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/pkg/envelope"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
)

// RankerConfig bounds what the LLM may nominate.
type RankerConfig struct {
	Model         string
	MaxCandidates int
	MinConfidence float64
}

// AIRanker asks an LLM to rank the active services for a request. The model
// output is treated as adversarial input: anything that is not the demanded
// JSON contract, refers to unknown services, or carries out-of-range
// confidences is discarded.
type AIRanker struct {
	completer Completer
	cfg       RankerConfig
	log       *zap.Logger
}

// NewAIRanker creates a ranker on top of a completion client.
func NewAIRanker(completer Completer, cfg RankerConfig, log *zap.Logger) *AIRanker {
	if cfg.MaxCandidates <= 0 || cfg.MaxCandidates > maxCandidates {
		cfg.MaxCandidates = maxCandidates
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.3
	}
	return &AIRanker{
		completer: completer,
		cfg:       cfg,
		log:       log.With(zap.String("module", "airanker")),
	}
}

// rankDecision is the strict JSON contract demanded from the model.
type rankDecision struct {
	TargetServices []rankEntry `json:"targetServices"`
	Strategy       string      `json:"strategy"`
}

type rankEntry struct {
	ServiceName string  `json:"serviceName"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// Rank returns ordered candidates for the envelope, or ErrAIUnavailable on any
// provider failure, timeout, or contract violation. Callers fall back to the
// keyword index on that error.
func (a *AIRanker) Rank(ctx context.Context, env envelope.Envelope, snapshot []registry.ServiceRecord) ([]Candidate, error) {
	prompt := a.buildPrompt(env, snapshot)

	raw, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAIUnavailable, err.Error())
	}

	decision, err := parseDecision(raw)
	if err != nil {
		a.log.Warn("llm response rejected", zap.Error(err))
		return nil, errors.Wrap(errors.ErrAIUnavailable, err.Error())
	}

	byName := make(map[string]registry.ServiceRecord, len(snapshot))
	for _, rec := range snapshot {
		byName[rec.Name] = rec
	}

	candidates := make([]Candidate, 0, len(decision.TargetServices))
	for _, entry := range decision.TargetServices {
		rec, known := byName[entry.ServiceName]
		if !known {
			a.log.Warn("llm nominated unknown service", zap.String("name", entry.ServiceName))
			continue
		}
		conf := entry.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		if conf < a.cfg.MinConfidence {
			continue
		}
		candidates = append(candidates, Candidate{
			ServiceName: rec.Name,
			Endpoint:    rec.Endpoint,
			Confidence:  conf,
			Reason:      entry.Reasoning,
			Record:      rec,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > a.cfg.MaxCandidates {
		candidates = candidates[:a.cfg.MaxCandidates]
	}
	if len(candidates) == 0 {
		return syntheticCandidates(snapshot, "no confident ai match"), nil
	}
	return candidates, nil
}

// parseDecision strips surrounding code fences and enforces the JSON contract.
func parseDecision(raw string) (rankDecision, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if !strings.HasPrefix(cleaned, "{") {
		return rankDecision{}, errors.New("response is not a JSON object")
	}
	var decision rankDecision
	if err := json.Unmarshal([]byte(cleaned), &decision); err != nil {
		return rankDecision{}, errors.Wrap(err, "parse rank decision")
	}
	return decision, nil
}

func (a *AIRanker) buildPrompt(env envelope.Envelope, snapshot []registry.ServiceRecord) string {
	var b strings.Builder
	b.WriteString("You route requests in a microservice fleet. Given the request and the available services, ")
	b.WriteString("pick the services most likely to produce a useful response, best first.\n\n")

	b.WriteString("Request:\n")
	fmt.Fprintf(&b, "- type: %s\n", env.Payload.Metadata["type"])
	fmt.Fprintf(&b, "- query: %s\n", env.Payload.Query)
	if len(env.Payload.Context) > 0 {
		b.WriteString("- context:\n")
		for k, v := range env.Payload.Context {
			fmt.Fprintf(&b, "    %s: %s\n", k, v)
		}
	}

	b.WriteString("\nAvailable services:\n")
	for _, rec := range snapshot {
		fmt.Fprintf(&b, "- %s (endpoint %s)\n", rec.Name, rec.Endpoint)
		if len(rec.Metadata.Capabilities) > 0 {
			fmt.Fprintf(&b, "    capabilities: %s\n", strings.Join(rec.Metadata.Capabilities, ", "))
		}
		if rec.Manifest != nil {
			for _, ep := range rec.Manifest.Endpoints {
				fmt.Fprintf(&b, "    endpoint: %s %s %s\n", ep.Method, ep.Path, ep.Description)
			}
			if len(rec.Manifest.EventsPublished) > 0 {
				fmt.Fprintf(&b, "    events: %s\n", strings.Join(rec.Manifest.EventsPublished, ", "))
			}
		}
	}

	b.WriteString("\nRespond with ONLY a JSON object, no prose and no code fences, shaped exactly as:\n")
	b.WriteString(`{"targetServices":[{"serviceName":"<name>","confidence":<0..1>,"reasoning":"<short>"}],"strategy":"<short>"}` + "\n")
	b.WriteString("Use only service names from the list above.\n")
	return b.String()
}
