package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/clients"
	"github.com/inos-labs/coordinator/internal/dispatch"
	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/internal/routing"
	"github.com/inos-labs/coordinator/pkg/changelog"
	"github.com/inos-labs/coordinator/pkg/errors"
	"github.com/inos-labs/coordinator/pkg/json"
	"github.com/inos-labs/coordinator/pkg/metrics"
)

type fixture struct {
	t       *testing.T
	reg     *registry.Registry
	metrics *metrics.Metrics
	events  *changelog.Log
	srv     *httptest.Server
}

func newFixture(t *testing.T, ranker *routing.AIRanker, policy dispatch.Policy, deadline time.Duration) *fixture {
	t.Helper()
	log := zap.NewNop()
	m := metrics.New()
	events := changelog.New(200)
	idx := routing.NewIndex(log)
	reg := registry.New(log,
		registry.WithIndexNotifier(idx),
		registry.WithChangelog(events),
		registry.WithMetrics(m))
	eng := routing.NewEngine(routing.EngineOptions{
		Registry:        reg,
		Index:           idx,
		Ranker:          ranker,
		FallbackEnabled: true,
		Metrics:         m,
		Events:          events,
	}, log)
	invoker := clients.New(log)
	t.Cleanup(invoker.Close)
	disp := dispatch.New(invoker, nil, m, events, log)

	h := NewHTTPHandler(HTTPOptions{
		Registry:        reg,
		Engine:          eng,
		Dispatcher:      disp,
		Metrics:         m,
		Changelog:       events,
		Policy:          policy,
		DefaultDeadline: deadline,
	}, log)
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)

	return &fixture{t: t, reg: reg, metrics: m, events: events, srv: srv}
}

func (f *fixture) do(method, path string, body any) (*http.Response, map[string]any) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *fixture) register(name, endpoint string, caps []string) string {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/register", map[string]any{
		"name":     name,
		"version":  "1.0.0",
		"endpoint": endpoint,
		"metadata": map[string]any{"capabilities": caps},
	})
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(f.t, id)
	return id
}

func (f *fixture) activate(id, path string) {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/register/"+id+"/migration", map[string]any{
		"manifest": map[string]any{
			"endpoints": []map[string]any{{"path": path, "method": "POST"}},
		},
	})
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	assert.Equal(f.t, "active", body["status"])
}

// backend spins up a fake downstream service answering /api/process.
func backend(t *testing.T, payload string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const richBody = `{"orderId":"123","amount":100,"currency":"EUR","state":"captured",
"captureId":"c-1","ledgerRef":"l-1","fee":2,"net":98,"settledAt":"2026-01-01",
"method":"card","issuer":"acme-bank","country":"DE"}`

func TestRegistrationAndRoutingHappyPath(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)
	payments := backend(t, richBody, 0)

	id := f.register("payments", payments.URL, []string{"payments", "billing"})
	f.activate(id, "/api/pay")

	resp, body := f.do(http.MethodPost, "/route", map[string]any{
		"query": "process payment for order 123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	routingPart, _ := body["routing"].(map[string]any)
	require.NotNil(t, routingPart)
	candidates, _ := routingPart["candidates"].([]any)
	require.NotEmpty(t, candidates)
	first, _ := candidates[0].(map[string]any)
	assert.Equal(t, "payments", first["name"])

	dispatchPart, _ := body["dispatch"].(map[string]any)
	require.NotNil(t, dispatchPart)
	chosen, _ := dispatchPart["chosen"].(map[string]any)
	require.NotNil(t, chosen)
	candidate, _ := chosen["candidate"].(map[string]any)
	assert.Equal(t, "payments", candidate["name"])

	attempts, _ := dispatchPart["attempts"].([]any)
	assert.Len(t, attempts, 1)
	assert.Equal(t, "found_good_response", dispatchPart["stopReason"])
}

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, string) (string, error) {
	return "", errors.New("provider timeout")
}

func TestAIUnavailableFallsBackToKeyword(t *testing.T) {
	ranker := routing.NewAIRanker(failingCompleter{}, routing.RankerConfig{Model: "m"}, zap.NewNop())
	f := newFixture(t, ranker, dispatch.DefaultPolicy(), time.Minute)

	users := backend(t, `{"userId":"u-1","email":"a@b.c","name":"A","plan":"pro","locale":"de"}`, 0)
	payments := backend(t, richBody, 0)

	usersID := f.register("users", users.URL, []string{"users", "profiles"})
	f.activate(usersID, "/api/profiles")
	paymentsID := f.register("payments", payments.URL, []string{"payments"})
	f.activate(paymentsID, "/api/pay")

	resp, body := f.do(http.MethodPost, "/route", map[string]any{
		"query": "get user profile",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	routingPart, _ := body["routing"].(map[string]any)
	require.NotNil(t, routingPart)
	assert.Equal(t, "keyword", routingPart["method"])
	candidates, _ := routingPart["candidates"].([]any)
	require.NotEmpty(t, candidates)
	first, _ := candidates[0].(map[string]any)
	assert.Equal(t, "users", first["name"])
}

func TestCascadeThroughTwoServices(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)

	a := backend(t, `{"results":[]}`, 0)
	b := backend(t, `{"a":1,"b":2,"c":3,"d":4,"e":5}`, 0)

	aID := f.register("alpha", a.URL, nil)
	f.activate(aID, "/api/alpha")
	bID := f.register("beta", b.URL, nil)
	f.activate(bID, "/api/beta")

	resp, body := f.do(http.MethodPost, "/route", map[string]any{"query": "zzz unmatched"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dispatchPart, _ := body["dispatch"].(map[string]any)
	require.NotNil(t, dispatchPart)
	attempts, _ := dispatchPart["attempts"].([]any)
	require.Len(t, attempts, 2)

	first, _ := attempts[0].(map[string]any)
	assert.Equal(t, "empty_results", first["rejectReason"])
	second, _ := attempts[1].(map[string]any)
	assert.Equal(t, true, second["success"])

	chosen, _ := dispatchPart["chosen"].(map[string]any)
	require.NotNil(t, chosen)
	assert.InDelta(t, 2.0, chosen["rank"], 0.001)

	assert.InDelta(t, 0.0, testutil.ToFloat64(f.metrics.PrimarySuccess), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(f.metrics.FallbackUsed.WithLabelValues("2")), 0.001)
}

func TestAllCandidatesEmpty(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)

	a := backend(t, `{}`, 0)
	b := backend(t, `{}`, 0)
	aID := f.register("alpha", a.URL, nil)
	f.activate(aID, "/api/alpha")
	bID := f.register("beta", b.URL, nil)
	f.activate(bID, "/api/beta")

	resp, body := f.do(http.MethodPost, "/route", map[string]any{"query": "zzz"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	dispatchPart, _ := body["dispatch"].(map[string]any)
	require.NotNil(t, dispatchPart)
	assert.Nil(t, dispatchPart["chosen"])
	assert.Equal(t, "exhausted_candidates", dispatchPart["stopReason"])

	attempts, _ := dispatchPart["attempts"].([]any)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		attempt, _ := a.(map[string]any)
		assert.Equal(t, "empty_data", attempt["rejectReason"])
	}
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)
	payments := backend(t, richBody, 0)

	id := f.register("payments", payments.URL, nil)
	f.activate(id, "/api/pay")

	resp, body := f.do(http.MethodPost, "/register", map[string]any{
		"name":     "payments",
		"version":  "2.0.0",
		"endpoint": payments.URL,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errPart, _ := body["error"].(map[string]any)
	require.NotNil(t, errPart)
	assert.Equal(t, "name_conflict", errPart["code"])
	assert.Equal(t, 1, f.reg.Count())
}

func TestDeadlineExceededMidCascade(t *testing.T) {
	policy := dispatch.DefaultPolicy()
	policy.PerAttemptTimeout = 100 * time.Millisecond
	f := newFixture(t, nil, policy, 150*time.Millisecond)

	a := backend(t, richBody, 300*time.Millisecond)
	b := backend(t, richBody, 300*time.Millisecond)
	aID := f.register("alpha", a.URL, nil)
	f.activate(aID, "/api/alpha")
	bID := f.register("beta", b.URL, nil)
	f.activate(bID, "/api/beta")

	resp, body := f.do(http.MethodPost, "/route", map[string]any{"query": "zzz"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dispatchPart, _ := body["dispatch"].(map[string]any)
	require.NotNil(t, dispatchPart)
	assert.Equal(t, "deadline_exceeded", dispatchPart["stopReason"])

	attempts, _ := dispatchPart["attempts"].([]any)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		attempt, _ := a.(map[string]any)
		assert.Equal(t, "timeout", attempt["rejectReason"])
	}
}

func TestRouteEmptyRegistry(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)

	resp, body := f.do(http.MethodPost, "/route", map[string]any{"query": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	errPart, _ := body["error"].(map[string]any)
	require.NotNil(t, errPart)
	assert.Equal(t, "no_active_services", errPart["code"])
}

func TestRegisterRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)

	resp, _ := f.do(http.MethodPost, "/register", map[string]any{
		"name": "x", "version": "not-semver", "endpoint": "http://x:1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/register", map[string]any{
		"name": "x", "version": "1.0.0", "endpoint": "ftp://x:1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.InDelta(t, 2.0, testutil.ToFloat64(f.metrics.RegistrationFailures), 0.001)
}

func TestMigrationUnknownID(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)

	resp, body := f.do(http.MethodPost, "/register/nope/migration", map[string]any{
		"manifest": map[string]any{"endpoints": []map[string]any{}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errPart, _ := body["error"].(map[string]any)
	require.NotNil(t, errPart)
	assert.Equal(t, "not_found", errPart["code"])
}

func TestServicesListing(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)
	payments := backend(t, richBody, 0)

	id := f.register("payments", payments.URL, nil)
	f.register("pending-one", payments.URL+"/x", nil)
	f.activate(id, "/api/pay")

	_, body := f.do(http.MethodGet, "/services", nil)
	services, _ := body["services"].([]any)
	assert.Len(t, services, 1)

	_, body = f.do(http.MethodGet, "/services?includeAll", nil)
	services, _ = body["services"].([]any)
	assert.Len(t, services, 2)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)

	resp, body := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
	assert.InDelta(t, 0.0, body["registeredServices"], 0.001)
}

func TestChangelogEndpoint(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)
	payments := backend(t, richBody, 0)
	id := f.register("payments", payments.URL, nil)
	f.activate(id, "/api/pay")

	_, body := f.do(http.MethodGet, "/changelog?type=service_registered", nil)
	events, _ := body["events"].([]any)
	require.Len(t, events, 1)
	event, _ := events[0].(map[string]any)
	assert.Equal(t, "service_registered", event["type"])

	resp, _ := f.do(http.MethodGet, "/changelog?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteAllServices(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)
	payments := backend(t, richBody, 0)
	f.register("a", payments.URL, nil)
	f.register("b", payments.URL+"/x", nil)

	resp, body := f.do(http.MethodDelete, "/register/services", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 2.0, body["deleted"], 0.001)
	assert.Equal(t, 0, f.reg.Count())
}

func TestRoutePolicyOverrides(t *testing.T) {
	f := newFixture(t, nil, dispatch.DefaultPolicy(), time.Minute)

	a := backend(t, `{}`, 0)
	b := backend(t, `{}`, 0)
	aID := f.register("alpha", a.URL, nil)
	f.activate(aID, "/api/alpha")
	bID := f.register("beta", b.URL, nil)
	f.activate(bID, "/api/beta")

	resp, body := f.do(http.MethodPost, "/route", map[string]any{
		"query":   "zzz",
		"routing": map[string]any{"maxAttempts": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dispatchPart, _ := body["dispatch"].(map[string]any)
	attempts, _ := dispatchPart["attempts"].([]any)
	assert.Len(t, attempts, 1)
}
