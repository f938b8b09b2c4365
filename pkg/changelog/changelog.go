// Package changelog keeps a bounded in-memory ring of audit events appended on
// registry mutations, routing decisions, and dispatch outcomes. Producers see
// it only through the narrow Appender interface.
package changelog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEntries bounds the ring when no explicit limit is configured.
const DefaultMaxEntries = 1000

// Event is a single audit entry.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Details   map[string]any `json:"details"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// Appender is the producer-facing interface.
type Appender interface {
	Append(eventType, source string, details map[string]any)
}

// Log is a fixed-capacity ring buffer of events. Overflow evicts the oldest.
type Log struct {
	mu      sync.RWMutex
	entries []Event
	start   int
	count   int
}

// New creates a changelog holding at most maxEntries events.
func New(maxEntries int) *Log {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Log{entries: make([]Event, maxEntries)}
}

// Append records one event, evicting the oldest when full.
func (l *Log) Append(eventType, source string, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Details:   details,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	if l.count < len(l.entries) {
		l.entries[(l.start+l.count)%len(l.entries)] = e
		l.count++
		return
	}
	l.entries[l.start] = e
	l.start = (l.start + 1) % len(l.entries)
}

// List returns the newest events first, optionally filtered by type, capped at
// limit (0 means everything retained).
func (l *Log) List(limit int, eventType string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, l.count)
	for i := l.count - 1; i >= 0; i-- {
		e := l.entries[(l.start+i)%len(l.entries)]
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
