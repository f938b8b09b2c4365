package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/pkg/envelope"
)

// Additive scoring weights, clamped to 1.0.
const (
	weightNameInQuery = 0.8
	weightCapability  = 0.6
	weightPathSegment = 0.4
	weightEventName   = 0.5
	weightPayloadType = 0.7
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "get": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "with": {},
}

// serviceTokens is the precomputed token view of one active service.
type serviceTokens struct {
	nameLower    string
	nameTokens   map[string]struct{}
	capabilities map[string]struct{}
	pathSegments map[string]struct{}
	events       []string
}

// Index is the deterministic local ranker used as floor and fallback for the
// AI ranker. Token tables are rebuilt on registry mutation and swapped in
// atomically, so readers always observe a consistent set.
type Index struct {
	log   *zap.Logger
	table atomic.Pointer[map[string]*serviceTokens]
}

// NewIndex creates an empty keyword index.
func NewIndex(log *zap.Logger) *Index {
	idx := &Index{log: log}
	empty := map[string]*serviceTokens{}
	idx.table.Store(&empty)
	return idx
}

// Rebuild recomputes the token table from an active-only snapshot. Implements
// registry.IndexNotifier.
func (idx *Index) Rebuild(snapshot []registry.ServiceRecord) {
	table := make(map[string]*serviceTokens, len(snapshot))
	for _, rec := range snapshot {
		table[rec.ID] = tokenize(rec)
	}
	idx.table.Store(&table)
	idx.log.Debug("keyword index rebuilt", zap.Int("services", len(table)))
}

// Score ranks the snapshot against the envelope. Results are capped at 10,
// sorted by confidence descending with registeredAt ascending as tie-break.
// When nothing scores above zero, every active service is returned with a
// descending synthetic confidence so the cascade still has candidates.
func (idx *Index) Score(env envelope.Envelope, snapshot []registry.ServiceRecord) []Candidate {
	table := *idx.table.Load()
	queryLower := strings.ToLower(env.Payload.Query)
	queryTokens := tokenizeText(queryLower)
	payloadType := strings.ToLower(env.Payload.Metadata["type"])

	scored := make([]Candidate, 0, len(snapshot))
	for _, rec := range snapshot {
		tokens, ok := table[rec.ID]
		if !ok {
			// Snapshot can briefly run ahead of a rebuild; tokenize inline so
			// scoring stays consistent with the snapshot.
			tokens = tokenize(rec)
		}

		score := 0.0
		var reasons []string

		if tokens.nameLower != "" && strings.Contains(queryLower, tokens.nameLower) {
			score += weightNameInQuery
			reasons = append(reasons, "name in query")
		}
		for capability := range tokens.capabilities {
			if _, ok := queryTokens[capability]; ok {
				score += weightCapability
				reasons = append(reasons, "capability "+capability)
			}
		}
		for seg := range tokens.pathSegments {
			if _, ok := queryTokens[seg]; ok {
				score += weightPathSegment
				reasons = append(reasons, "path segment "+seg)
			}
		}
		for _, event := range tokens.events {
			if eventMatches(event, queryTokens) {
				score += weightEventName
				reasons = append(reasons, "event "+event)
			}
		}
		if payloadType != "" {
			if _, ok := tokens.nameTokens[payloadType]; ok || payloadType == tokens.nameLower {
				score += weightPayloadType
				reasons = append(reasons, "payload type matches name")
			}
		}

		if score <= 0 {
			continue
		}
		if score > 1.0 {
			score = 1.0
		}
		scored = append(scored, Candidate{
			ServiceName: rec.Name,
			Endpoint:    rec.Endpoint,
			Confidence:  score,
			Reason:      strings.Join(reasons, ", "),
			Record:      rec,
		})
	}

	if len(scored) == 0 {
		return syntheticCandidates(snapshot, "no keyword match")
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		return scored[i].Record.RegisteredAt.Before(scored[j].Record.RegisteredAt)
	})
	if len(scored) > maxCandidates {
		scored = scored[:maxCandidates]
	}
	return scored
}

func tokenize(rec registry.ServiceRecord) *serviceTokens {
	t := &serviceTokens{
		nameLower:    strings.ToLower(rec.Name),
		nameTokens:   map[string]struct{}{},
		capabilities: map[string]struct{}{},
		pathSegments: map[string]struct{}{},
	}
	for _, tok := range strings.FieldsFunc(t.nameLower, func(r rune) bool { return r == '-' || r == '_' }) {
		if tok != "" {
			t.nameTokens[tok] = struct{}{}
		}
	}
	for _, capability := range rec.Metadata.Capabilities {
		if capability = strings.ToLower(strings.TrimSpace(capability)); capability != "" {
			t.capabilities[capability] = struct{}{}
		}
	}
	if rec.Manifest != nil {
		for _, ep := range rec.Manifest.Endpoints {
			for _, seg := range strings.Split(strings.ToLower(ep.Path), "/") {
				if seg == "" || seg == "api" {
					continue
				}
				t.pathSegments[seg] = struct{}{}
			}
			// Description words are folded into the segment set: both derive
			// from the same manifest endpoint and carry the same weight.
			for word := range tokenizeText(strings.ToLower(ep.Description)) {
				t.pathSegments[word] = struct{}{}
			}
		}
		t.events = append(t.events, rec.Manifest.EventsPublished...)
		t.events = append(t.events, rec.Manifest.EventsSubscribed...)
	}
	return t
}

// tokenizeText lowercases, splits on non-alphanumerics, and drops stop words.
func tokenizeText(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func eventMatches(event string, queryTokens map[string]struct{}) bool {
	for tok := range tokenizeText(strings.ToLower(event)) {
		if _, ok := queryTokens[tok]; ok {
			return true
		}
	}
	return false
}

// String renders the index size for debug logging.
func (idx *Index) String() string {
	return fmt.Sprintf("keyword index (%d services)", len(*idx.table.Load()))
}
