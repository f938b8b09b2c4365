package changelog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndList(t *testing.T) {
	log := New(10)
	log.Append("service_registered", "registry", map[string]any{"name": "payments"})
	log.Append("route_decided", "routing", map[string]any{"method": "ai"})

	events := log.List(0, "")
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, "route_decided", events[0].Type)
	assert.Equal(t, "service_registered", events[1].Type)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestOverflowEvictsOldest(t *testing.T) {
	log := New(3)
	for i := 0; i < 5; i++ {
		log.Append("event", "test", map[string]any{"seq": i})
	}

	require.Equal(t, 3, log.Len())
	events := log.List(0, "")
	require.Len(t, events, 3)
	assert.Equal(t, 4, events[0].Details["seq"])
	assert.Equal(t, 2, events[2].Details["seq"])
}

func TestListFilterAndLimit(t *testing.T) {
	log := New(100)
	for i := 0; i < 6; i++ {
		typ := "dispatch_completed"
		if i%2 == 0 {
			typ = "service_registered"
		}
		log.Append(typ, "test", map[string]any{"seq": fmt.Sprint(i)})
	}

	registered := log.List(0, "service_registered")
	require.Len(t, registered, 3)
	for _, e := range registered {
		assert.Equal(t, "service_registered", e.Type)
	}

	limited := log.List(2, "")
	assert.Len(t, limited, 2)
}
