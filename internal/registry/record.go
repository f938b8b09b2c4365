package registry

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/inos-labs/coordinator/pkg/errors"
)

// Status is the lifecycle state of a registered service.
type Status string

const (
	// StatusPendingMigration is the stage-1 state: registered, no manifest yet.
	StatusPendingMigration Status = "pending_migration"
	// StatusActive is the stage-2 state: manifest uploaded, routable.
	StatusActive Status = "active"
	// StatusInactive marks deregistered or repeatedly unhealthy services.
	StatusInactive Status = "inactive"
)

// ManifestEndpoint describes one API endpoint a service exposes.
type ManifestEndpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
}

// Manifest is the self-description a service uploads at stage 2.
type Manifest struct {
	Endpoints        []ManifestEndpoint `json:"endpoints"`
	EventsPublished  []string           `json:"eventsPublished,omitempty"`
	EventsSubscribed []string           `json:"eventsSubscribed,omitempty"`
	DatabaseTables   []string           `json:"databaseTables,omitempty"`
	Schemas          map[string]any     `json:"schemas,omitempty"`
	// SupportsRPC tags the service as reachable over the RPC channel. When
	// absent, the port-arithmetic convention (RPC port = HTTP port + 51)
	// decides.
	SupportsRPC bool `json:"supportsRpc,omitempty"`
}

// Metadata carries routing hints supplied at stage 1.
type Metadata struct {
	Capabilities []string `json:"capabilities"`
}

// ServiceRecord is one registered backend. The Registry owns the collection;
// everything else works on snapshots.
type ServiceRecord struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Endpoint        string     `json:"endpoint"`
	HealthPath      string     `json:"healthPath"`
	Status          Status     `json:"status"`
	Metadata        Metadata   `json:"metadata"`
	Manifest        *Manifest  `json:"manifest,omitempty"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
}

// Clone returns a deep copy so snapshots never alias registry-owned state.
func (r ServiceRecord) Clone() ServiceRecord {
	out := r
	out.Metadata.Capabilities = append([]string(nil), r.Metadata.Capabilities...)
	if r.Manifest != nil {
		m := *r.Manifest
		m.Endpoints = append([]ManifestEndpoint(nil), r.Manifest.Endpoints...)
		m.EventsPublished = append([]string(nil), r.Manifest.EventsPublished...)
		m.EventsSubscribed = append([]string(nil), r.Manifest.EventsSubscribed...)
		m.DatabaseTables = append([]string(nil), r.Manifest.DatabaseTables...)
		out.Manifest = &m
	}
	if r.LastHealthCheck != nil {
		t := *r.LastHealthCheck
		out.LastHealthCheck = &t
	}
	return out
}

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// ValidateName enforces the stage-1 name constraints.
func ValidateName(name string) error {
	if name == "" || len(name) > 128 {
		return errors.Wrap(errors.ErrInvalidName, "must be non-empty and at most 128 chars")
	}
	return nil
}

// ValidateVersion checks that version is a semver string.
func ValidateVersion(version string) error {
	if !semverRe.MatchString(version) {
		return errors.Wrap(errors.ErrInvalidVersion, version)
	}
	return nil
}

// NormalizeEndpoint trims and validates an endpoint as an absolute HTTP(S) URL.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", errors.Wrap(errors.ErrInvalidURL, endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Wrap(errors.ErrInvalidURL, "scheme must be http or https")
	}
	return strings.TrimRight(endpoint, "/"), nil
}

// ValidateManifest runs the stage-2 schema checks.
func ValidateManifest(m *Manifest) error {
	if m == nil {
		return errors.Wrap(errors.ErrInvalidManifest, "manifest required")
	}
	for _, ep := range m.Endpoints {
		if ep.Path == "" || !strings.HasPrefix(ep.Path, "/") {
			return errors.Wrap(errors.ErrInvalidManifest, "endpoint path must start with /")
		}
		switch strings.ToUpper(ep.Method) {
		case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "":
		default:
			return errors.Wrap(errors.ErrInvalidManifest, "unknown method "+ep.Method)
		}
	}
	return nil
}
