package routing

import "github.com/inos-labs/coordinator/internal/registry"

// Candidate is a service nominated to serve a request, in rank order.
type Candidate struct {
	ServiceName string  `json:"name"`
	Endpoint    string  `json:"endpoint"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`

	// Record is the snapshot the candidate was ranked from; the dispatcher
	// uses it for protocol selection. Not serialized.
	Record registry.ServiceRecord `json:"-"`
}

// maxCandidates caps every ranked list, AI or keyword.
const maxCandidates = 10

// syntheticCandidates nominates every active service with descending
// confidences starting at 0.30, so the cascade always has something to try.
func syntheticCandidates(snapshot []registry.ServiceRecord, reason string) []Candidate {
	out := make([]Candidate, 0, len(snapshot))
	conf := 0.30
	for _, rec := range snapshot {
		if len(out) >= maxCandidates {
			break
		}
		out = append(out, Candidate{
			ServiceName: rec.Name,
			Endpoint:    rec.Endpoint,
			Confidence:  conf,
			Reason:      reason,
			Record:      rec,
		})
		conf -= 0.02
		if conf < 0.05 {
			conf = 0.05
		}
	}
	return out
}
