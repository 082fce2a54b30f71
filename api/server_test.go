package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/echohub/conns"
	"github.com/vinayprograms/echohub/events"
	"github.com/vinayprograms/echohub/liveness"
	"github.com/vinayprograms/echohub/metrics"
	"github.com/vinayprograms/echohub/nodestore"
	"github.com/vinayprograms/echohub/presence"
	"github.com/vinayprograms/echohub/ratelimit"
)

const testKey = "operator-secret"

type fixture struct {
	server  *Server
	svc     *presence.Service
	store   *nodestore.MemoryStore
	events  *events.Recorder
	metrics *metrics.Registry
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type fakeSupervisor struct{ status liveness.Status }

func (f fakeSupervisor) Status() liveness.Status { return f.status }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	store := nodestore.NewMemoryStore()
	rec := events.NewRecorder()
	svc, err := presence.New(store, conns.New(4), rec, presence.WithClock(mock))
	require.NoError(t, err)

	m := metrics.NewRegistry()
	opts = append([]Option{WithAPIKey(testKey), WithMetrics(m)}, opts...)
	s, err := New(svc, opts...)
	require.NoError(t, err)

	return &fixture{server: s, svc: svc, store: store, events: rec, metrics: m}
}

func (f *fixture) do(t *testing.T, method, path, body string, key string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (f *fixture) register(t *testing.T, host, name string) *nodestore.Node {
	t.Helper()
	node, err := f.svc.Register(context.Background(), uuid.NewString(), presence.RegisterParams{Host: host, Name: name, Occupancy: 4})
	require.NoError(t, err)
	return node
}

func decodeNode(t *testing.T, raw json.RawMessage) nodestore.Node {
	t.Helper()
	var n nodestore.Node
	require.NoError(t, json.Unmarshal(raw, &n))
	return n
}

func TestNew_RequiresService(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

// --- Queries ---

func TestListServers(t *testing.T) {
	f := newFixture(t)
	f.register(t, "10.0.0.2", "charlie")
	f.register(t, "10.0.0.1", "alpha")

	rec, env := f.do(t, http.MethodGet, "/api/servers", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	var nodes []nodestore.Node
	require.NoError(t, json.Unmarshal(env.Data, &nodes))
	require.Len(t, nodes, 2)
	assert.Equal(t, "alpha", nodes[0].Name)
	assert.Equal(t, 4, nodes[0].Occupancy)
	assert.True(t, nodes[0].Online)
}

func TestListServers_Empty(t *testing.T) {
	f := newFixture(t)
	_, env := f.do(t, http.MethodGet, "/api/servers", "", "")
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestGetServer(t *testing.T) {
	f := newFixture(t)
	node := f.register(t, "10.0.0.1", "alpha")

	rec, env := f.do(t, http.MethodGet, "/api/servers/"+node.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeNode(t, env.Data)
	assert.Equal(t, node.ID, got.ID)
	assert.Equal(t, "10.0.0.1", got.Host)
}

func TestGetServer_NotFound(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		rec, env := f.do(t, http.MethodGet, "/api/servers/"+id, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
		assert.False(t, env.Success)
		assert.Equal(t, "NOT_FOUND", env.Code)
	}
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	rec, env := f.do(t, http.MethodGet, "/api/servers", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UNAVAILABLE", env.Code)
	assert.NotContains(t, env.Error, "closed", "store details are not exposed")
}

// --- Mutations ---

func TestCreateServer(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/api/servers", `{"name":"beta","host":"10.0.0.5","description":"lab"}`, testKey)
	require.Equal(t, http.StatusCreated, rec.Code)
	node := decodeNode(t, env.Data)
	assert.Equal(t, "beta", node.Name)
	assert.False(t, node.Online)
	assert.Equal(t, "/api/servers/"+node.ID, rec.Header().Get("Location"))

	stored, err := f.store.GetByHost(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, node.ID, stored.ID)
}

func TestCreateServer_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing host", `{"name":"beta"}`},
		{"missing name", `{"host":"10.0.0.5"}`},
		{"blank name", `{"name":"  ","host":"10.0.0.5"}`},
		{"not json", `name=beta`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := f.do(t, http.MethodPost, "/api/servers", tt.body, testKey)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_INPUT", env.Code)
		})
	}
}

func TestCreateServer_DuplicateHost(t *testing.T) {
	f := newFixture(t)
	f.register(t, "10.0.0.1", "alpha")

	rec, env := f.do(t, http.MethodPost, "/api/servers", `{"name":"other","host":"10.0.0.1"}`, testKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", env.Code)
}

func TestDeleteServer(t *testing.T) {
	f := newFixture(t)
	node := f.register(t, "10.0.0.1", "alpha")

	rec, env := f.do(t, http.MethodDelete, "/api/servers/"+node.ID, "", testKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "Server deleted", env.Message)

	rec, _ = f.do(t, http.MethodDelete, "/api/servers/"+node.ID, "", testKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t)
	node := f.register(t, "10.0.0.1", "alpha")

	rec, env := f.do(t, http.MethodDelete, "/api/servers/"+node.ID, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "API key is required", env.Error)

	rec, env = f.do(t, http.MethodPost, "/api/servers", `{"name":"b","host":"h"}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid API key", env.Error)

	// Reads stay open.
	rec, _ = f.do(t, http.MethodGet, "/api/servers/"+node.ID, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := f.store.GetByID(context.Background(), node.ID)
	assert.NoError(t, err, "rejected delete must not remove the node")
}

func TestAPIKey_NotConfigured(t *testing.T) {
	f := newFixture(t, WithAPIKey(""))
	rec, _ := f.do(t, http.MethodPost, "/api/servers", `{"name":"b","host":"h"}`, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Capacity: 2, Window: time.Minute},
		ratelimit.WithClock(clock.NewMock()))
	f := newFixture(t, WithRateLimiter(limiter))

	for i, host := range []string{"h1", "h2"} {
		rec, _ := f.do(t, http.MethodPost, "/api/servers", `{"name":"n`+host+`","host":"`+host+`"}`, testKey)
		require.Equal(t, http.StatusCreated, rec.Code, "request %d", i)
	}

	rec, env := f.do(t, http.MethodPost, "/api/servers", `{"name":"n3","host":"h3"}`, testKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", env.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// Reads are not limited.
	rec, _ = f.do(t, http.MethodGet, "/api/servers", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", clientAddr(r))
	r.RemoteAddr = "unix"
	assert.Equal(t, "unix", clientAddr(r))
}

// --- Routing ---

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)

	rec, _ = f.do(t, http.MethodPut, "/api/servers", "{}", testKey)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandle_MountsExtraRoutes(t *testing.T) {
	f := newFixture(t)
	f.server.Handle("/hubs/servers", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec, _ := f.do(t, http.MethodGet, "/hubs/servers", "", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.server.Handle("/boom", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec, env := f.do(t, http.MethodGet, "/boom", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "PANIC", env.Code)
}

// --- Health and metrics ---

func TestHealth(t *testing.T) {
	f := newFixture(t, WithSupervisor(fakeSupervisor{liveness.Status{Running: true, Sweeps: 3}}))
	f.register(t, "10.0.0.1", "alpha")

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Connections)
	assert.Equal(t, 1, h.Hosts)
	require.NotNil(t, h.Liveness)
	assert.Equal(t, int64(3), h.Liveness.Sweeps)
	assert.Equal(t, "2026-03-01T12:00:00Z", h.Time)
}

func TestHealth_SupervisorStopped(t *testing.T) {
	f := newFixture(t, WithSupervisor(fakeSupervisor{}))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var h HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/servers", "", "")
	f.do(t, http.MethodGet, "/api/servers/"+uuid.NewString(), "", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/servers", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/servers/{id}", "404")))

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echohub_http_requests_total")
}
