// Package envelope defines the canonical internal request shape every inbound
// surface is normalized into before routing and dispatch.
package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
)

// Version is the envelope schema version stamped on every envelope.
const Version = "1.0"

// Payload carries the free-form request content.
type Payload struct {
	Query    string            `json:"query"`
	Metadata map[string]string `json:"metadata"`
	Context  map[string]string `json:"context"`
}

// Envelope is the protocol-agnostic request object the coordinator operates on.
// Envelopes are immutable after construction; treat them as values.
type Envelope struct {
	Version   string  `json:"version"`
	RequestID string  `json:"requestId"`
	Timestamp string  `json:"timestamp"`
	TenantID  string  `json:"tenantId"`
	UserID    string  `json:"userId"`
	Source    string  `json:"source"`
	Payload   Payload `json:"payload"`
}

// Build constructs an envelope. A request id is generated when the caller does
// not supply one; tenant and user fall back to defaults when absent.
func Build(source, tenantID, userID, query string, metadata, contextFields map[string]string, requestID string) Envelope {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if tenantID == "" {
		tenantID = "default"
	}
	if userID == "" {
		userID = "anonymous"
	}
	return Envelope{
		Version:   Version,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TenantID:  tenantID,
		UserID:    userID,
		Source:    source,
		Payload: Payload{
			Query:    query,
			Metadata: copyMap(metadata),
			Context:  copyMap(contextFields),
		},
	}
}

// ToJSON serializes the envelope as canonical JSON.
func (e Envelope) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return data, nil
}

// FromJSON parses an envelope and validates required fields.
func FromJSON(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Wrap(errors.ErrEnvelopeMalformed, err.Error())
	}
	if e.Payload.Metadata == nil {
		e.Payload.Metadata = map[string]string{}
	}
	if e.Payload.Context == nil {
		e.Payload.Context = map[string]string{}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks that the required envelope fields are present.
func (e Envelope) Validate() error {
	switch {
	case e.Version == "":
		return errors.Wrap(errors.ErrEnvelopeInvalid, "missing version")
	case e.RequestID == "":
		return errors.Wrap(errors.ErrEnvelopeInvalid, "missing requestId")
	case e.Timestamp == "":
		return errors.Wrap(errors.ErrEnvelopeInvalid, "missing timestamp")
	case e.Source == "":
		return errors.Wrap(errors.ErrEnvelopeInvalid, "missing source")
	}
	return nil
}

func copyMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
