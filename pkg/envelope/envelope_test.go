package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inos-labs/coordinator/pkg/errors"
)

func TestBuildDefaults(t *testing.T) {
	env := Build("http", "", "", "find user", nil, nil, "")

	assert.Equal(t, Version, env.Version)
	assert.NotEmpty(t, env.RequestID)
	assert.NotEmpty(t, env.Timestamp)
	assert.Equal(t, "default", env.TenantID)
	assert.Equal(t, "anonymous", env.UserID)
	assert.Equal(t, "http", env.Source)
	assert.Equal(t, "find user", env.Payload.Query)
	assert.NotNil(t, env.Payload.Metadata)
	assert.NotNil(t, env.Payload.Context)
}

func TestBuildKeepsSuppliedRequestID(t *testing.T) {
	env := Build("rag", "acme", "u-1", "", nil, nil, "req-42")
	assert.Equal(t, "req-42", env.RequestID)
	assert.Equal(t, "acme", env.TenantID)
}

func TestBuildCopiesMaps(t *testing.T) {
	meta := map[string]string{"type": "payments"}
	env := Build("http", "t", "u", "q", meta, nil, "")

	meta["type"] = "mutated"
	assert.Equal(t, "payments", env.Payload.Metadata["type"])
}

func TestRoundTrip(t *testing.T) {
	original := Build("coordinator", "acme", "u-9", "process payment",
		map[string]string{"type": "payment"},
		map[string]string{"region": "eu"},
		"req-7")

	data, err := original.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	// Stable under re-serialization.
	again, err := decoded.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestFromJSONMalformed(t *testing.T) {
	_, err := FromJSON([]byte(`{"version": "1.0"`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEnvelopeMalformed))
}

func TestFromJSONMissingFields(t *testing.T) {
	_, err := FromJSON([]byte(`{"version":"1.0","timestamp":"2026-01-01T00:00:00Z","source":"http"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEnvelopeInvalid))
}

func TestValidate(t *testing.T) {
	env := Build("http", "t", "u", "q", nil, nil, "")
	require.NoError(t, env.Validate())

	env.Source = ""
	err := env.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEnvelopeInvalid))
}
