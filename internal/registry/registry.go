// Package registry owns the ServiceRecord collection: two-stage registration,
// lifecycle transitions, and snapshot reads for routing. All mutations
// serialize behind one mutex; reads copy and release the lock.
package registry

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/pkg/changelog"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/metrics"
)

// IndexNotifier is told to recompute derived state after every successful
// mutation. The keyword index implements it.
type IndexNotifier interface {
	Rebuild(snapshot []ServiceRecord)
}

// Store is the optional external KV persistence for service records.
type Store interface {
	Save(ctx context.Context, rec ServiceRecord) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	LoadAll(ctx context.Context) ([]ServiceRecord, error)
	Close() error
}

// Filter narrows List results.
type Filter struct {
	OnlyActive bool
	ByName     string
}

// Registry is the single owner of service records.
type Registry struct {
	mu      sync.Mutex
	records map[string]*ServiceRecord

	log      *zap.Logger
	store    Store
	events   changelog.Appender
	notifier IndexNotifier
	metrics  *metrics.Metrics
}

// Option configures optional collaborators.
type Option func(*Registry)

// WithStore attaches write-through persistence.
func WithStore(s Store) Option { return func(r *Registry) { r.store = s } }

// WithChangelog attaches the audit event sink.
func WithChangelog(a changelog.Appender) Option { return func(r *Registry) { r.events = a } }

// WithIndexNotifier attaches the keyword index rebuild hook.
func WithIndexNotifier(n IndexNotifier) Option { return func(r *Registry) { r.notifier = n } }

// WithMetrics attaches the registration collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// New creates an empty registry.
func New(log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*ServiceRecord),
		log:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores persisted records from the store. Called once at startup,
// before the listeners come up.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadAll(ctx)
	if err != nil {
		return errors.Wrap(err, "load registry store")
	}
	r.mu.Lock()
	for i := range recs {
		rec := recs[i].Clone()
		r.records[rec.ID] = &rec
	}
	r.mu.Unlock()
	r.afterMutation()
	r.log.Info("registry restored from store", zap.Int("records", len(recs)))
	return nil
}

// Register creates a stage-1 record in pending_migration and returns its id.
func (r *Registry) Register(ctx context.Context, name, version, endpoint, healthPath string, meta Metadata) (string, error) {
	if r.metrics != nil {
		r.metrics.RegistrationRequests.Inc()
	}
	id, err := r.register(ctx, name, version, endpoint, healthPath, meta)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RegistrationFailures.Inc()
		}
		return "", err
	}
	return id, nil
}

func (r *Registry) register(ctx context.Context, name, version, endpoint, healthPath string, meta Metadata) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", errors.LogWithError(ctx, r.log, "register rejected", err)
	}
	if err := ValidateVersion(version); err != nil {
		return "", errors.LogWithError(ctx, r.log, "register rejected", err, zap.String("name", name))
	}
	normalized, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return "", errors.LogWithError(ctx, r.log, "register rejected", err, zap.String("name", name))
	}
	if healthPath == "" {
		healthPath = "/health"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.Name == name && rec.Status != StatusInactive {
			return "", errors.LogWithError(ctx, r.log, "register rejected", errors.ErrNameConflict,
				zap.String("name", name))
		}
	}

	rec := &ServiceRecord{
		ID:           uuid.NewString(),
		Name:         name,
		Version:      version,
		Endpoint:     normalized,
		HealthPath:   healthPath,
		Status:       StatusPendingMigration,
		Metadata:     Metadata{Capabilities: append([]string(nil), meta.Capabilities...)},
		RegisteredAt: time.Now().UTC(),
	}
	if r.store != nil {
		if err := r.store.Save(ctx, rec.Clone()); err != nil {
			return "", errors.LogWithError(ctx, r.log, "persist record", err, zap.String("name", name))
		}
	}
	r.records[rec.ID] = rec

	r.appendEvent("service_registered", map[string]any{
		"id": rec.ID, "name": rec.Name, "endpoint": rec.Endpoint,
	})
	r.afterMutationLocked()
	r.log.Info("service registered",
		zap.String("id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("endpoint", rec.Endpoint))
	return rec.ID, nil
}

// CompleteMigration uploads the stage-2 manifest and activates the record.
// Re-uploading an identical manifest is idempotent: no status flap, no
// duplicate changelog entry.
func (r *Registry) CompleteMigration(ctx context.Context, id string, manifest *Manifest) (ServiceRecord, error) {
	if err := ValidateManifest(manifest); err != nil {
		return ServiceRecord{}, errors.LogWithError(ctx, r.log, "migration rejected", err, zap.String("id", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ServiceRecord{}, errors.LogWithError(ctx, r.log, "migration rejected", errors.ErrNotFound,
			zap.String("id", id))
	}
	// An inactive registration is retired for good. Activating it here would
	// let two non-inactive records share a name once the name has been reused.
	if rec.Status == StatusInactive {
		return ServiceRecord{}, errors.LogWithError(ctx, r.log, "migration rejected",
			errors.Wrap(errors.ErrNotFound, "registration is inactive"),
			zap.String("id", id), zap.String("name", rec.Name))
	}

	if rec.Status == StatusActive && rec.Manifest != nil && reflect.DeepEqual(*rec.Manifest, *manifest) {
		return rec.Clone(), nil
	}

	// Stage the change on a copy; the manifest swap must never be partially
	// observable and a store failure must leave state untouched.
	updated := rec.Clone()
	m := *manifest
	updated.Manifest = &m
	updated.Status = StatusActive
	if r.store != nil {
		if err := r.store.Save(ctx, updated); err != nil {
			return ServiceRecord{}, errors.LogWithError(ctx, r.log, "persist record", err, zap.String("id", id))
		}
	}
	*rec = updated

	r.appendEvent("service_activated", map[string]any{"id": rec.ID, "name": rec.Name})
	r.afterMutationLocked()
	r.log.Info("service activated", zap.String("id", rec.ID), zap.String("name", rec.Name))
	return rec.Clone(), nil
}

// List returns an immutable snapshot ordered by registeredAt ascending.
func (r *Registry) List(filter Filter) []ServiceRecord {
	r.mu.Lock()
	out := make([]ServiceRecord, 0, len(r.records))
	for _, rec := range r.records {
		if filter.OnlyActive && rec.Status != StatusActive {
			continue
		}
		if filter.ByName != "" && rec.Name != filter.ByName {
			continue
		}
		out = append(out, rec.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// ActiveSnapshot is the routing view of the registry.
func (r *Registry) ActiveSnapshot() []ServiceRecord {
	return r.List(Filter{OnlyActive: true})
}

// GetByName returns the non-inactive record with the given name.
func (r *Registry) GetByName(name string) (ServiceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Name == name && rec.Status != StatusInactive {
			return rec.Clone(), nil
		}
	}
	return ServiceRecord{}, errors.ErrNotFound
}

// Get returns the record with the given id.
func (r *Registry) Get(id string) (ServiceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ServiceRecord{}, errors.ErrNotFound
	}
	return rec.Clone(), nil
}

// MarkInactive transitions a record out of rotation. Used by explicit
// deregistration and by the health monitor after repeated failures.
func (r *Registry) MarkInactive(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errors.ErrNotFound
	}
	if rec.Status == StatusInactive {
		return nil
	}

	updated := rec.Clone()
	updated.Status = StatusInactive
	if r.store != nil {
		if err := r.store.Save(ctx, updated); err != nil {
			return errors.LogWithError(ctx, r.log, "persist record", err, zap.String("id", id))
		}
	}
	*rec = updated

	r.appendEvent("service_deactivated", map[string]any{"id": rec.ID, "name": rec.Name, "reason": reason})
	r.afterMutationLocked()
	r.log.Info("service deactivated", zap.String("id", rec.ID), zap.String("reason", reason))
	return nil
}

// RecordHealthCheck stamps the record's last health check time.
func (r *Registry) RecordHealthCheck(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		t := at.UTC()
		rec.LastHealthCheck = &t
	}
}

// DeleteAll wipes every record. Admin and test utility.
func (r *Registry) DeleteAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.records)
	if r.store != nil {
		if err := r.store.DeleteAll(ctx); err != nil {
			return 0, errors.LogWithError(ctx, r.log, "clear registry store", err)
		}
	}
	r.records = make(map[string]*ServiceRecord)

	r.appendEvent("services_cleared", map[string]any{"deleted": n})
	r.afterMutationLocked()
	r.log.Info("registry cleared", zap.Int("deleted", n))
	return n, nil
}

// Count returns the number of non-inactive records.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

func (r *Registry) countLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.Status != StatusInactive {
			n++
		}
	}
	return n
}

func (r *Registry) appendEvent(eventType string, details map[string]any) {
	if r.events != nil {
		r.events.Append(eventType, "registry", details)
	}
}

// afterMutationLocked refreshes derived state while holding the lock. The
// notifier gets its own snapshot copy, so holding the lock here only covers
// the copy, not the rebuild.
func (r *Registry) afterMutationLocked() {
	if r.metrics != nil {
		r.metrics.RegisteredServices.Set(float64(r.countLocked()))
	}
	if r.notifier == nil {
		return
	}
	snapshot := make([]ServiceRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Status == StatusActive {
			snapshot = append(snapshot, rec.Clone())
		}
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].RegisteredAt.Before(snapshot[j].RegisteredAt)
	})
	r.notifier.Rebuild(snapshot)
}

func (r *Registry) afterMutation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterMutationLocked()
}
