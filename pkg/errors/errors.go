package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/inos-labs/coordinator/pkg/logger"
	"go.uber.org/zap"
)

// Validation errors. Surfaced as 400-class responses and never retried.
var (
	// ErrEnvelopeMalformed is returned when an envelope cannot be parsed.
	ErrEnvelopeMalformed = errors.New("envelope malformed")
	// ErrEnvelopeInvalid is returned when an envelope is missing required fields.
	ErrEnvelopeInvalid = errors.New("envelope invalid")
	// ErrInvalidURL is returned when a service endpoint is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid endpoint URL")
	// ErrInvalidManifest is returned when a stage-2 manifest fails schema checks.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrInvalidVersion is returned when a service version is not a semver string.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidName is returned when a service name is empty or too long.
	ErrInvalidName = errors.New("invalid service name")
)

// Registry errors.
var (
	// ErrNameConflict is returned when a non-inactive record already holds the name.
	ErrNameConflict = errors.New("service name conflict")
	// ErrNotFound is returned when no record matches the given id or name.
	ErrNotFound = errors.New("service not found")
)

// Upstream errors. Recovered locally: AI failure falls back to keyword
// ranking, per-attempt backend failure advances the cascade.
var (
	// ErrAIUnavailable is returned when the LLM provider fails, times out, or returns garbage.
	ErrAIUnavailable = errors.New("ai ranker unavailable")
	// ErrBackendTimeout is returned when a backend misses its per-attempt deadline.
	ErrBackendTimeout = errors.New("backend timeout")
	// ErrBackendError is returned when a backend responds with a failure.
	ErrBackendError = errors.New("backend error")
	// ErrTransportError is returned when a backend cannot be reached at all.
	ErrTransportError = errors.New("transport error")
)

// Exhaustion errors.
var (
	// ErrNoActiveServices is returned when routing finds an empty active snapshot.
	ErrNoActiveServices = errors.New("no active services")
	// ErrNoGoodResponse is returned when the cascade exhausts every candidate.
	ErrNoGoodResponse = errors.New("no good response")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context. The original error stays on the
// chain so classification via Is/Code survives wrapping.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Code returns the stable machine-readable code for a classified error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrEnvelopeMalformed):
		return "envelope_malformed"
	case errors.Is(err, ErrEnvelopeInvalid):
		return "envelope_invalid"
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrInvalidManifest):
		return "invalid_manifest"
	case errors.Is(err, ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrNameConflict):
		return "name_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAIUnavailable):
		return "ai_unavailable"
	case errors.Is(err, ErrBackendTimeout):
		return "backend_timeout"
	case errors.Is(err, ErrBackendError):
		return "backend_error"
	case errors.Is(err, ErrTransportError):
		return "transport_error"
	case errors.Is(err, ErrNoActiveServices):
		return "no_active_services"
	case errors.Is(err, ErrNoGoodResponse):
		return "no_good_response"
	default:
		return "internal"
	}
}

// HTTPStatus maps a classified error to the status the HTTP surface returns.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrEnvelopeMalformed),
		errors.Is(err, ErrEnvelopeInvalid),
		errors.Is(err, ErrInvalidURL),
		errors.Is(err, ErrInvalidManifest),
		errors.Is(err, ErrInvalidVersion),
		errors.Is(err, ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoActiveServices):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNoGoodResponse), errors.Is(err, ErrBackendTimeout),
		errors.Is(err, ErrBackendError), errors.Is(err, ErrTransportError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// LogWithError logs the error once at the layer that classifies it and returns a
// wrapped error. Upstream layers must not re-log.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID := logger.RequestIDFromContext(ctx); reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
