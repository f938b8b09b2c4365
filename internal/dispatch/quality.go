package dispatch

// RejectReason explains why an attempt's response was not accepted.
type RejectReason string

const (
	RejectServiceError  RejectReason = "service_error"
	RejectNoData        RejectReason = "no_data"
	RejectEmptyData     RejectReason = "empty_data"
	RejectEmptyResults  RejectReason = "empty_results"
	RejectOnlyMetadata  RejectReason = "only_metadata"
	RejectQualityTooLow RejectReason = "quality_too_low"
	RejectTimeout       RejectReason = "timeout"
)

// metadataFields are keys that carry no payload signal on their own.
var metadataFields = map[string]struct{}{
	"timestamp": {},
	"status":    {},
	"message":   {},
	"success":   {},
	"error":     {},
}

// containerFields are the conventional collection keys checked for emptiness.
var containerFields = []string{"results", "items", "data"}

// Assessor scores the structure of a backend response. The key-count
// heuristic is deliberately coarse; richer schemes replace this interface
// without touching the cascade.
type Assessor interface {
	Quality(payload map[string]any) float64
}

// KeyCountAssessor scores by the number of top-level keys.
type KeyCountAssessor struct{}

// Quality implements Assessor.
func (KeyCountAssessor) Quality(payload map[string]any) float64 {
	switch k := len(payload); {
	case k == 0:
		return 0.0
	case k < 3:
		return 0.3
	case k < 10:
		return 0.7
	default:
		return 1.0
	}
}

// unwrap applies the single-level data convention: a response whose only key
// is "data" holding an object is assessed by its contents. No recursion.
func unwrap(payload map[string]any) map[string]any {
	if len(payload) != 1 {
		return payload
	}
	if inner, ok := payload["data"].(map[string]any); ok {
		return inner
	}
	return payload
}

// evaluate runs the full acceptance check on a backend payload and returns
// the quality score, whether the response is good, and the reject reason when
// it is not.
func evaluate(payload any, serviceSuccess bool, assessor Assessor, policy Policy) (float64, bool, RejectReason) {
	if !serviceSuccess {
		return 0, false, RejectServiceError
	}
	if payload == nil {
		return 0, false, RejectNoData
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		if arr, isArr := payload.([]any); isArr && len(arr) == 0 {
			return 0, false, RejectEmptyData
		}
		return 0, false, RejectNoData
	}
	if len(obj) == 0 {
		return 0, false, RejectEmptyData
	}

	obj = unwrap(obj)
	if len(obj) == 0 {
		return 0, false, RejectEmptyData
	}

	if policy.RejectEmptyCollections {
		for _, field := range containerFields {
			if arr, isArr := obj[field].([]any); isArr && len(arr) == 0 {
				return 0, false, RejectEmptyResults
			}
		}
	}

	if policy.RequireRelevantFields {
		relevant := false
		for key := range obj {
			if _, meta := metadataFields[key]; !meta {
				relevant = true
				break
			}
		}
		if !relevant {
			return 0, false, RejectOnlyMetadata
		}
	}

	quality := assessor.Quality(obj)
	if quality < policy.MinQualityScore {
		return quality, false, RejectQualityTooLow
	}
	return quality, true, ""
}
