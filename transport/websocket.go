package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport implements Transport over WebSocket.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv    chan *InboundMessage
	send    chan *OutboundMessage
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	running bool
	readErr error
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration `toml:"write_timeout" yaml:"write_timeout"`

	// ReadTimeout is how long the peer may stay silent, pongs included
	// (0 = no timeout). Should exceed PingInterval.
	ReadTimeout time.Duration `toml:"read_timeout" yaml:"read_timeout"`

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64 `toml:"max_message_size" yaml:"max_message_size"`

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration `toml:"ping_interval" yaml:"ping_interval"`
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 64 * 1024,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport creates a transport from an existing connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &WebSocketTransport{
		conn:   conn,
		config: cfg,
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// DialWebSocket connects to a WebSocket endpoint and wraps the connection.
func DialWebSocket(ctx context.Context, url string, header http.Header, cfg WebSocketConfig) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketTransport(conn, cfg), nil
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
// A nil checkOrigin accepts every origin.
func NewWebSocketUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// Recv returns the channel for incoming messages.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Done is closed once the transport begins shutting down.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// SendWithTimeout queues a message, giving up with ErrSendTimeout when the
// send queue stays full for timeout.
func (t *WebSocketTransport) SendWithTimeout(msg *OutboundMessage, timeout time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Run starts the transport, blocking until ctx is cancelled, the peer goes
// away, or Close is called. Queued messages are flushed before the
// connection closes. The error reports an abnormal read failure.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.closed || t.running {
		t.mu.Unlock()
		return ErrClosed
	}
	t.running = true
	t.mu.Unlock()

	readDone := make(chan struct{})
	writeDone := make(chan struct{})

	go func() {
		defer close(readDone)
		t.readLoop()
	}()
	go func() {
		defer close(writeDone)
		t.writeLoop()
	}()

	select {
	case <-ctx.Done():
	case <-readDone:
	case <-t.done:
	}

	t.shutdown()
	<-writeDone
	t.conn.Close()
	<-readDone

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readErr
}

// Close initiates graceful shutdown.
func (t *WebSocketTransport) Close() error {
	running := t.shutdown()
	if !running {
		return t.conn.Close()
	}
	return nil
}

// shutdown marks the transport closed and reports whether Run owns the
// connection.
func (t *WebSocketTransport) shutdown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return t.running
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// readLoop reads WebSocket messages and sends to recv channel.
func (t *WebSocketTransport) readLoop() {
	defer close(t.recv)

	if t.config.ReadTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		t.conn.SetPongHandler(func(string) error {
			return t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		})
	}

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.mu.Lock()
				t.readErr = err
				t.mu.Unlock()
			}
			return
		}
		if t.config.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.sendParseError(parseErr)
			continue
		}

		select {
		case t.recv <- msg:
		case <-t.done:
			return
		}
	}
}

// writeLoop is the only writer of data frames.
func (t *WebSocketTransport) writeLoop() {
	ticker := t.createPingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			t.drainSendQueue()
			t.writeClose()
			return
		case <-ticker.C:
			if err := t.writePing(); err != nil {
				t.shutdown()
			}
		case msg := <-t.send:
			if err := t.writeMessage(msg); err != nil {
				t.shutdown()
			}
		}
	}
}

// createPingTicker creates a ticker for keepalive pings.
func (t *WebSocketTransport) createPingTicker() *time.Ticker {
	if t.config.PingInterval > 0 {
		return time.NewTicker(t.config.PingInterval)
	}
	// Return a ticker that never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

// writePing sends a WebSocket ping frame.
func (t *WebSocketTransport) writePing() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (t *WebSocketTransport) writeClose() {
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// drainSendQueue writes remaining messages before shutdown.
func (t *WebSocketTransport) drainSendQueue() {
	for {
		select {
		case msg := <-t.send:
			if err := t.writeMessage(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeMessage serializes and writes a single message.
func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) error {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return nil
	}

	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// sendParseError sends an error response for parse failures.
func (t *WebSocketTransport) sendParseError(parseErr error) {
	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}

	t.Send(&OutboundMessage{
		Response: &Response{
			JSONRPC: Version,
			ID:      nil,
			Error:   rpcErr,
		},
	})
}
