package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/vinayprograms/echohub/bus"
	"github.com/vinayprograms/echohub/events"
	"github.com/vinayprograms/echohub/logging"
	"github.com/vinayprograms/echohub/metrics"
	"github.com/vinayprograms/echohub/presence"
	"github.com/vinayprograms/echohub/ratelimit"
	"github.com/vinayprograms/echohub/transport"
)

// Common errors.
var (
	ErrClosed         = errors.New("hub closed")
	ErrAlreadyStarted = errors.New("hub already started")
)

// Config holds hub configuration.
type Config struct {
	// WebSocket configures each session's transport.
	WebSocket transport.WebSocketConfig

	// SSE configures the observer event stream.
	SSE transport.SSEConfig

	// DisconnectTimeout bounds the store work done after a socket closes.
	// Default: 10 seconds
	DisconnectTimeout time.Duration

	// BroadcastTimeout is how long a slow observer may hold up a broadcast
	// before it misses it.
	// Default: 100 milliseconds
	BroadcastTimeout time.Duration

	// CheckOrigin decides which browser origins may connect. Nil accepts all.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WebSocket:         transport.DefaultWebSocketConfig(),
		SSE:               transport.DefaultSSEConfig(),
		DisconnectTimeout: 10 * time.Second,
		BroadcastTimeout:  100 * time.Millisecond,
	}
}

// Hub accepts node connections and relays presence notifications.
type Hub struct {
	svc      *presence.Service
	bus      bus.MessageBus
	subjects events.Subjects
	cfg      Config

	logger  *logging.Logger
	metrics *metrics.Registry
	limiter *ratelimit.Limiter

	sse *transport.SSEBroadcaster

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	sessions     map[string]*session
	closed       bool
	started      bool
	broadcastSub bus.Subscription
	wg           sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithConfig sets the hub configuration.
func WithConfig(cfg Config) Option {
	return func(h *Hub) { h.cfg = cfg }
}

// WithSubjects sets the bus subjects. They must match the publisher's.
func WithSubjects(s events.Subjects) Option {
	return func(h *Hub) { h.subjects = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) { h.logger = l.WithComponent("hub") }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithRateLimiter limits inbound messages per connection. Nil disables it.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Hub) { h.limiter = l }
}

// New creates a hub. Call Start before serving.
func New(svc *presence.Service, b bus.MessageBus, opts ...Option) (*Hub, error) {
	if svc == nil {
		return nil, errors.New("hub: nil presence service")
	}
	if b == nil {
		return nil, errors.New("hub: nil bus")
	}

	h := &Hub{
		svc:      svc,
		bus:      b,
		cfg:      DefaultConfig(),
		logger:   logging.Nop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}

	defaults := DefaultConfig()
	if h.cfg.DisconnectTimeout <= 0 {
		h.cfg.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if h.cfg.BroadcastTimeout <= 0 {
		h.cfg.BroadcastTimeout = defaults.BroadcastTimeout
	}

	h.sse = transport.NewSSEBroadcaster(h.cfg.SSE)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Start subscribes to presence broadcasts.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.started {
		return ErrAlreadyStarted
	}

	sub, err := h.bus.Subscribe(h.subjects.Broadcast())
	if err != nil {
		return fmt.Errorf("subscribe broadcasts: %w", err)
	}
	h.broadcastSub = sub
	h.started = true

	h.wg.Add(1)
	go h.fanOut(sub)
	return nil
}

// Events returns the Server-Sent Events handler for observers.
func (h *Hub) Events() http.Handler {
	return h.sse
}

// Sessions returns the number of open sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and serves one node session until the
// socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}

	upgrader := transport.NewWebSocketUpgrader(h.cfg.CheckOrigin)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Debug("upgrade_failed", map[string]interface{}{"error": err.Error()})
		return
	}

	s := newSession(uuid.NewString(), h, transport.NewWebSocketTransport(conn, h.cfg.WebSocket))
	if !h.addSession(s) {
		s.transport.Close()
		return
	}
	defer h.wg.Done()

	s.run(h.ctx)
}

func (h *Hub) addSession(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	h.metrics.SessionOpened()
	return true
}

func (h *Hub) removeSession(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.limiter.Forget(s.id)
	h.metrics.SessionClosed()
}

// fanOut relays broadcast events to observer sessions and SSE clients.
func (h *Hub) fanOut(sub bus.Subscription) {
	defer h.wg.Done()

	for msg := range sub.Messages() {
		event, err := events.DecodeEvent(msg.Data)
		if err != nil {
			h.logger.Warn("bad_event", map[string]interface{}{"error": err.Error()})
			continue
		}
		n := notificationFor(event)

		h.mu.RLock()
		observers := make([]*session, 0, len(h.sessions))
		for _, s := range h.sessions {
			if s.isObserver() {
				observers = append(observers, s)
			}
		}
		h.mu.RUnlock()

		for _, s := range observers {
			err := s.transport.SendWithTimeout(&transport.OutboundMessage{Notification: n}, h.cfg.BroadcastTimeout)
			if err != nil && !errors.Is(err, transport.ErrClosed) {
				h.metrics.RecordPublishFailure(string(event.Kind))
				h.logger.Debug("observer_skipped", map[string]interface{}{
					"conn":  s.id,
					"error": err.Error(),
				})
			}
		}
		h.sse.Broadcast(n)
	}
}

func notificationFor(event events.Event) *transport.Notification {
	if event.Kind == events.KindNodeUpdated {
		return transport.NewNotification(NotifyNodeUpdated, event.Node)
	}
	return transport.NewNotification(NotifyNodeOffline, OfflineParams{Host: event.Host})
}

// Close stops accepting sessions, closes the open ones and waits for them
// to disconnect, or for ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sub := h.broadcastSub
	h.mu.Unlock()

	h.cancel()

	var err error
	if sub != nil {
		err = multierr.Append(err, sub.Unsubscribe())
	}
	err = multierr.Append(err, h.sse.Close())

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}
	return err
}
