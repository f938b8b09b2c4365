// Package health runs the background liveness probe over active services.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/registry"
)

// Config bounds the monitor loop.
type Config struct {
	Interval    time.Duration
	MaxFailures int
	Timeout     time.Duration
}

// Monitor probes each active service's health endpoint on a fixed interval
// and marks services inactive after MaxFailures consecutive failures.
type Monitor struct {
	registry *registry.Registry
	client   *http.Client
	cfg      Config
	log      *zap.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewMonitor creates a stopped monitor. Run starts the loop.
func NewMonitor(reg *registry.Registry, cfg Config, log *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Monitor{
		registry: reg,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		log:      log.With(zap.String("module", "health")),
		failures: make(map[string]int),
	}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep probes every active service once.
func (m *Monitor) sweep(ctx context.Context) {
	for _, rec := range m.registry.ActiveSnapshot() {
		if m.probe(ctx, rec) {
			m.registry.RecordHealthCheck(rec.ID, time.Now().UTC())
			m.resetFailures(rec.ID)
			continue
		}
		if m.bumpFailures(rec.ID) >= m.cfg.MaxFailures {
			m.log.Warn("service unhealthy, marking inactive",
				zap.String("service", rec.Name),
				zap.Int("consecutive_failures", m.cfg.MaxFailures))
			if err := m.registry.MarkInactive(ctx, rec.ID, "health_check_failed"); err != nil {
				m.log.Error("marking service inactive", zap.String("service", rec.Name), zap.Error(err))
			}
			m.resetFailures(rec.ID)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, rec registry.ServiceRecord) bool {
	path := rec.HealthPath
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.Endpoint+path, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Monitor) bumpFailures(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return m.failures[id]
}

func (m *Monitor) resetFailures(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, id)
}
