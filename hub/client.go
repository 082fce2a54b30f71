package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/echohub/logging"
	"github.com/vinayprograms/echohub/nodestore"
	"github.com/vinayprograms/echohub/transport"
)

// Client errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNotStarted    = errors.New("client not started")
	ErrClientClosed  = errors.New("client closed")
)

// ClientConfig configures a node-side client.
type ClientConfig struct {
	// URL of the hub endpoint, e.g. ws://hub:8080/hubs/servers.
	URL string

	// Host, Name, Description and Occupancy are sent on register. Host and
	// Name may be left empty by observer-only clients.
	Host        string
	Name        string
	Description string
	Occupancy   int

	// HeartbeatInterval between unsolicited heartbeats.
	// Default: 1 minute
	HeartbeatInterval time.Duration

	// CallTimeout bounds each request.
	// Default: 10 seconds
	CallTimeout time.Duration

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// WebSocket configures the transport.
	WebSocket transport.WebSocketConfig
}

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url required", ErrInvalidConfig)
	}
	return nil
}

// DefaultClientConfig returns configuration with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: time.Minute,
		CallTimeout:       10 * time.Second,
		WebSocket:         transport.DefaultWebSocketConfig(),
	}
}

// NotificationHandler receives notifications other than ping.
type NotificationHandler func(method string, params json.RawMessage)

// Client keeps one node registered with a hub.
type Client struct {
	cfg    ClientConfig
	t      *transport.WebSocketTransport
	logger *logging.Logger

	nextID  atomic.Int64
	pending sync.Map // int64 -> chan *transport.Response

	mu        sync.RWMutex
	occupancy int
	handlers  []NotificationHandler

	pings atomic.Int64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	readDone chan struct{}
	cancel   context.CancelFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *logging.Logger) ClientOption {
	return func(c *Client) { c.logger = l.WithComponent("hub-client") }
}

// Dial connects to the hub. The connection stays open until Close.
func Dial(ctx context.Context, cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultClientConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}

	t, err := transport.DialWebSocket(ctx, cfg.URL, cfg.Header, cfg.WebSocket)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		t:         t,
		logger:    logging.Nop(),
		occupancy: cfg.Occupancy,
		readDone:  make(chan struct{}),
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	go t.Run(runCtx)
	go c.readLoop()
	return c, nil
}

// OnNotification registers a handler for observer notifications.
func (c *Client) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Pings returns how many pings the hub has sent this client.
func (c *Client) Pings() int64 {
	return c.pings.Load()
}

// Done is closed when the connection to the hub is gone.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// SetOccupancy updates the occupancy reported on the next register.
// Use UpdateOccupancy to report it immediately.
func (c *Client) SetOccupancy(n int) {
	c.mu.Lock()
	c.occupancy = n
	c.mu.Unlock()
}

// Register announces this node to the hub.
// A nil node means the hub ignored the registration.
func (c *Client) Register(ctx context.Context) (*nodestore.Node, error) {
	c.mu.RLock()
	params := map[string]interface{}{
		"host":        c.cfg.Host,
		"name":        c.cfg.Name,
		"description": c.cfg.Description,
		"occupancy":   c.occupancy,
	}
	c.mu.RUnlock()

	var node *nodestore.Node
	if err := c.call(ctx, MethodRegister, params, &node); err != nil {
		return nil, err
	}
	return node, nil
}

// Heartbeat tells the hub this node is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.call(ctx, MethodHeartbeat, nil, nil)
}

// UpdateOccupancy reports a new occupancy.
func (c *Client) UpdateOccupancy(ctx context.Context, n int) (*nodestore.Node, error) {
	c.SetOccupancy(n)
	var node *nodestore.Node
	if err := c.call(ctx, MethodUpdateOccupancy, OccupancyParams{Occupancy: &n}, &node); err != nil {
		return nil, err
	}
	return node, nil
}

// JoinObservers subscribes this connection to presence broadcasts.
func (c *Client) JoinObservers(ctx context.Context) error {
	return c.call(ctx, MethodJoinObservers, nil, nil)
}

// Call invokes an arbitrary method and decodes its result into out.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	return c.call(ctx, method, params, out)
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	id := c.nextID.Add(1)
	req, err := transport.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *transport.Response, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	if err := c.t.Send(&transport.OutboundMessage{Request: req}); err != nil {
		return ErrClientClosed
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		raw, _ := resp.Result.(json.RawMessage)
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-c.readDone:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop routes responses to callers and handles notifications.
func (c *Client) readLoop() {
	defer close(c.readDone)

	for msg := range c.t.Recv() {
		switch {
		case msg.Response != nil:
			id, ok := responseID(msg.Response.ID)
			if !ok {
				continue
			}
			if ch, ok := c.pending.Load(id); ok {
				ch.(chan *transport.Response) <- msg.Response
			}
		case msg.Notification != nil:
			c.handleNotification(msg.Notification)
		}
	}
}

func responseID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func (c *Client) handleNotification(n *transport.Notification) {
	params, _ := n.Params.(json.RawMessage)

	if n.Method == NotifyPing {
		c.pings.Add(1)
		// Answer off the read loop; the reply arrives on it.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
			defer cancel()
			if err := c.Heartbeat(ctx); err != nil {
				c.logger.Warn("ping_reply_failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		return
	}

	c.mu.RLock()
	handlers := make([]NotificationHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(n.Method, params)
	}
}

// Start registers the node and begins sending heartbeats at the configured
// interval.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Host == "" || c.cfg.Name == "" {
		return fmt.Errorf("%w: host and name required", ErrInvalidConfig)
	}
	if c.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if _, err := c.Register(ctx); err != nil {
		c.running.Store(false)
		return fmt.Errorf("register: %w", err)
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.run(ctx)
	return nil
}

// run is the heartbeat loop.
func (c *Client) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat_failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Stop stops sending heartbeats. The connection stays open.
func (c *Client) Stop() error {
	if !c.running.Swap(false) {
		return ErrNotStarted
	}
	close(c.stopCh)
	<-c.doneCh
	return nil
}

// Close stops heartbeats and closes the connection, which disconnects the
// node from the hub.
func (c *Client) Close() error {
	if c.running.Load() {
		c.Stop()
	}
	err := c.t.Close()
	c.cancel()
	<-c.readDone
	return err
}
