package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSEBroadcaster streams JSON-RPC notifications to every connected client
// as Server-Sent Events. It is one-way: clients only listen.
type SSEBroadcaster struct {
	config SSEConfig

	done   chan struct{}
	mu     sync.Mutex
	closed bool

	clients   map[string]chan []byte
	clientsMu sync.RWMutex
}

// SSEConfig holds SSE configuration.
type SSEConfig struct {
	// ClientBufferSize is the per-client queue. A slow client misses
	// notifications once it fills.
	// Default: 100
	ClientBufferSize int

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		ClientBufferSize:  100,
		HeartbeatInterval: 30 * time.Second,
	}
}

// NewSSEBroadcaster creates a broadcaster.
func NewSSEBroadcaster(cfg SSEConfig) *SSEBroadcaster {
	if cfg.ClientBufferSize <= 0 {
		cfg.ClientBufferSize = DefaultSSEConfig().ClientBufferSize
	}
	return &SSEBroadcaster{
		config:  cfg,
		done:    make(chan struct{}),
		clients: make(map[string]chan []byte),
	}
}

// Clients returns the number of connected clients.
func (b *SSEBroadcaster) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a notification to all connected clients. The SSE event
// name is the notification method.
func (b *SSEBroadcaster) Broadcast(n *Notification) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", n.Method, data))

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	for _, ch := range b.clients {
		select {
		case ch <- frame:
		default:
			// Client buffer full, skip
		}
	}
	return nil
}

// Close disconnects every client.
func (b *SSEBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	return nil
}

// ServeHTTP streams notifications until the client leaves or the
// broadcaster closes.
func (b *SSEBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	select {
	case <-b.done:
		http.Error(w, "Broadcaster closed", http.StatusServiceUnavailable)
		return
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID := uuid.NewString()
	clientCh := make(chan []byte, b.config.ClientBufferSize)

	b.clientsMu.Lock()
	b.clients[clientID] = clientCh
	b.clientsMu.Unlock()

	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, clientID)
		b.clientsMu.Unlock()
	}()

	var heartbeat <-chan time.Time
	if b.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(b.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-b.done:
			return
		case <-heartbeat:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case frame := <-clientCh:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
