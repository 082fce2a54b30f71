package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/echohub/bus"
	"github.com/vinayprograms/echohub/conns"
	apperrors "github.com/vinayprograms/echohub/errors"
	"github.com/vinayprograms/echohub/events"
	"github.com/vinayprograms/echohub/metrics"
	"github.com/vinayprograms/echohub/nodestore"
	"github.com/vinayprograms/echohub/presence"
	"github.com/vinayprograms/echohub/ratelimit"
	"github.com/vinayprograms/echohub/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fixture struct {
	hub     *Hub
	svc     *presence.Service
	store   *nodestore.MemoryStore
	bus     *bus.MemoryBus
	metrics *metrics.Registry
	clock   *clock.Mock
	server  *httptest.Server
	url     string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := nodestore.NewMemoryStore()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	m := metrics.NewRegistry()

	svc, err := presence.New(store, conns.New(4), events.NewBusPublisher(b, events.Subjects{}),
		presence.WithClock(mock))
	require.NoError(t, err)

	h, err := New(svc, b, append([]Option{WithMetrics(m)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, h.Start())

	mux := http.NewServeMux()
	mux.Handle("/hubs/servers", h)
	mux.Handle("/hubs/servers/events", h.Events())
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		h.Close(ctx)
		server.Close()
		b.Close()
	})

	return &fixture{
		hub:     h,
		svc:     svc,
		store:   store,
		bus:     b,
		metrics: m,
		clock:   mock,
		server:  server,
		url:     "ws" + strings.TrimPrefix(server.URL, "http") + "/hubs/servers",
	}
}

func (f *fixture) dial(t *testing.T, host, name string) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.URL = f.url
	cfg.Host = host
	cfg.Name = name
	cfg.Occupancy = 3
	cfg.CallTimeout = waitFor

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fixture) node(host string) (*nodestore.Node, error) {
	return f.store.GetByHost(context.Background(), host)
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// --- Sessions ---

func TestRegister(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "10.0.0.1", "alpha")

	node, err := c.Register(ctxT(t))
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.True(t, node.Online)
	assert.Equal(t, 3, node.Occupancy)
	assert.Equal(t, "alpha", node.Name)

	stored, err := f.node("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, node.ID, stored.ID)
	assert.Equal(t, 1, f.svc.Registry().CountForHost("10.0.0.1"))
	assert.Equal(t, 1, f.hub.Sessions())
}

func TestRegister_MalformedIgnored(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "", "")

	node, err := c.Register(ctxT(t))
	require.NoError(t, err)
	assert.Nil(t, node)

	nodes, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestUpdateOccupancy(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	_, err := c.Register(ctxT(t))
	require.NoError(t, err)

	node, err := c.UpdateOccupancy(ctxT(t), 5)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, 5, node.Occupancy)
}

func TestUpdateUserCountAlias(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	_, err := c.Register(ctxT(t))
	require.NoError(t, err)

	var node *nodestore.Node
	require.NoError(t, c.Call(ctxT(t), MethodUpdateUserCount, map[string]int{"userCount": 7}, &node))
	require.NotNil(t, node)
	assert.Equal(t, 7, node.Occupancy)
}

func TestUpdateOccupancy_MissingValue(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")

	err := c.Call(ctxT(t), MethodUpdateOccupancy, map[string]int{}, nil)
	var rpcErr *transport.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, transport.InvalidParams, rpcErr.Code)
}

func TestHeartbeat_BeforeRegisterIsNoop(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	assert.NoError(t, c.Heartbeat(ctxT(t)))
}

func TestHeartbeat_RefreshesLastSeen(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	_, err := c.Register(ctxT(t))
	require.NoError(t, err)

	f.clock.Add(2 * time.Minute)
	require.NoError(t, c.Heartbeat(ctxT(t)))

	node, err := f.node("h")
	require.NoError(t, err)
	assert.True(t, node.LastSeen.Equal(f.clock.Now()))
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")

	err := c.Call(ctxT(t), "dropTables", nil, nil)
	var rpcErr *transport.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, transport.MethodNotFound, rpcErr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RPCCallsTotal.WithLabelValues("unknown", "error")))
}

func TestStoreFailureReturnedToCaller(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	require.NoError(t, f.store.Close())

	_, err := c.Register(ctxT(t))
	var rpcErr *transport.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, transport.Unavailable, rpcErr.Code)
}

func TestRateLimitedConnection(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Capacity: 2, Window: time.Hour},
		ratelimit.WithClock(clock.NewMock()))
	f := newFixture(t, WithRateLimiter(limiter))
	c := f.dial(t, "h", "n")

	_, err := c.Register(ctxT(t))
	require.NoError(t, err)
	require.NoError(t, c.Heartbeat(ctxT(t)))

	err = c.Heartbeat(ctxT(t))
	var rpcErr *transport.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, transport.RateLimited, rpcErr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RPCCallsTotal.WithLabelValues("heartbeat", "rate_limited")))

	// Another connection has its own budget.
	other := f.dial(t, "h2", "n2")
	assert.NoError(t, other.Heartbeat(ctxT(t)))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return limiter.Len() == 1 }, waitFor, tick)
}

func TestDisconnectTakesNodeOffline(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	_, err := c.Register(ctxT(t))
	require.NoError(t, err)

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		node, err := f.node("h")
		return err == nil && !node.Online && node.Occupancy == 0
	}, waitFor, tick)
	assert.Zero(t, f.svc.Registry().CountForHost("h"))
	require.Eventually(t, func() bool { return f.hub.Sessions() == 0 }, waitFor, tick)
}

func TestTwoConnectionsOneHost(t *testing.T) {
	f := newFixture(t)
	c1 := f.dial(t, "h", "n")
	c2 := f.dial(t, "h", "n")
	_, err := c1.Register(ctxT(t))
	require.NoError(t, err)
	_, err = c2.Register(ctxT(t))
	require.NoError(t, err)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return f.svc.Registry().CountForHost("h") == 1 }, waitFor, tick)
	node, err := f.node("h")
	require.NoError(t, err)
	assert.True(t, node.Online)

	require.NoError(t, c2.Close())
	require.Eventually(t, func() bool {
		node, err := f.node("h")
		return err == nil && !node.Online
	}, waitFor, tick)
}

// --- Notifications ---

type collected struct {
	mu    sync.Mutex
	items []string
}

func (c *collected) add(method string, params json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, method+" "+string(params))
}

func (c *collected) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}

func TestObserversReceiveBroadcasts(t *testing.T) {
	f := newFixture(t)

	observer := f.dial(t, "", "")
	var got collected
	observer.OnNotification(got.add)
	require.NoError(t, observer.JoinObservers(ctxT(t)))

	// A node that never joined gets nothing.
	bystander := f.dial(t, "b", "bystander")
	var bystanderGot collected
	bystander.OnNotification(bystanderGot.add)

	node := f.dial(t, "10.0.0.1", "alpha")
	_, err := node.Register(ctxT(t))
	require.NoError(t, err)
	require.NoError(t, node.Close())

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, waitFor, tick)
	items := got.all()
	assert.True(t, strings.HasPrefix(items[0], NotifyNodeUpdated+" "), items[0])
	assert.Contains(t, items[0], `"host":"10.0.0.1"`)
	assert.Equal(t, NotifyNodeOffline+` {"host":"10.0.0.1"}`, items[1])
	assert.Empty(t, bystanderGot.all())
}

func TestJoinWebClientsAlias(t *testing.T) {
	f := newFixture(t)
	observer := f.dial(t, "", "")
	var got collected
	observer.OnNotification(got.add)
	require.NoError(t, observer.Call(ctxT(t), MethodJoinWebClients, nil, nil))

	_, err := f.dial(t, "h", "n").Register(ctxT(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, waitFor, tick)
}

func TestPingAnsweredWithHeartbeat(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	_, err := c.Register(ctxT(t))
	require.NoError(t, err)

	connIDs := f.svc.Registry().ConnectionsForHost("h")
	require.Len(t, connIDs, 1)

	f.clock.Add(6 * time.Minute)
	require.NoError(t, f.svc.Ping(ctxT(t), connIDs[0]))

	require.Eventually(t, func() bool { return c.Pings() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		node, err := f.node("h")
		return err == nil && node.LastSeen.Equal(f.clock.Now().UTC())
	}, waitFor, tick)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/hubs/servers/events", nil)
	resp, err := (&http.Client{}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The stream only sees broadcasts published after it connects.
	require.Eventually(t, func() bool { return f.hub.sse.Clients() == 1 }, waitFor, tick)

	_, err = f.dial(t, "h", "n").Register(ctxT(t))
	require.NoError(t, err)

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	select {
	case line := <-lines:
		assert.Equal(t, "event: "+NotifyNodeUpdated, line)
	case <-time.After(waitFor):
		t.Fatal("no event on stream")
	}
}

// --- Client ---

func TestClientStart_SendsHeartbeats(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultClientConfig()
	cfg.URL = f.url
	cfg.Host = "h"
	cfg.Name = "n"
	cfg.HeartbeatInterval = 10 * time.Millisecond

	c, err := Dial(ctxT(t), cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.RPCCallsTotal.WithLabelValues(MethodHeartbeat, "ok")) >= 2
	}, waitFor, tick)

	require.NoError(t, c.Stop())
	assert.ErrorIs(t, c.Stop(), ErrNotStarted)
}

func TestClientStart_RequiresIdentity(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "", "")
	assert.ErrorIs(t, c.Start(context.Background()), ErrInvalidConfig)
}

func TestClientConfig_Validate(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.URL = "ws://localhost/hubs/servers"
	assert.NoError(t, cfg.Validate())
}

func TestClientCallAfterClose(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Heartbeat(ctxT(t)), ErrClientClosed)
}

// --- Hub lifecycle ---

func TestHubClose_DisconnectsSessions(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "h", "n")
	_, err := c.Register(ctxT(t))
	require.NoError(t, err)

	require.NoError(t, f.hub.Close(ctxT(t)))

	node, err := f.node("h")
	require.NoError(t, err)
	assert.False(t, node.Online, "sessions are disconnected before Close returns")
	assert.Zero(t, f.hub.Sessions())

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client not disconnected")
	}

	assert.ErrorIs(t, f.hub.Start(), ErrClosed)
}

func TestNew_Validates(t *testing.T) {
	svc, err := presence.New(nodestore.NewMemoryStore(), conns.New(1), events.NewRecorder())
	require.NoError(t, err)

	_, err = New(nil, bus.NewMemoryBus(bus.DefaultConfig()))
	assert.Error(t, err)
	_, err = New(svc, nil)
	assert.Error(t, err)
}

// --- Error mapping ---

func TestRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"conflict", apperrors.WrapWithCode(errors.New("x"), apperrors.ErrCodeConflict, "save"), transport.Conflict},
		{"unavailable", apperrors.WrapWithCode(errors.New("x"), apperrors.ErrCodeUnavailable, "save"), transport.Unavailable},
		{"invalid", apperrors.WrapWithCode(errors.New("x"), apperrors.ErrCodeInvalidInput, "save"), transport.InvalidParams},
		{"timeout", apperrors.WrapWithCode(errors.New("x"), apperrors.ErrCodeTimeout, "save"), transport.Timeout},
		{"rate limited", apperrors.FromCode(apperrors.ErrCodeRateLimited), transport.RateLimited},
		{"plain", errors.New("boom"), transport.InternalError},
		{"rpc", &transport.Error{Code: transport.MethodNotFound, Message: "nope"}, transport.MethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, rpcError(tt.err).Code)
		})
	}

	data, ok := rpcError(apperrors.WrapWithCode(errors.New("x"), apperrors.ErrCodeUnavailable, "save")).Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["retryable"])
	assert.Equal(t, "UNAVAILABLE", data["code"])
}
