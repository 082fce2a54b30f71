package events

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/echohub/logging"
)

// DefaultQueueSize is the AsyncPublisher backlog when none is configured.
const DefaultQueueSize = 1024

// deliveryTimeout bounds a single background delivery.
const deliveryTimeout = 5 * time.Second

type delivery struct {
	event  *Event
	connID string
}

// AsyncPublisher queues events and pings and delivers them from a background
// goroutine, so callers never wait on the transport. When the queue is full
// the item is rejected with ErrQueueFull.
type AsyncPublisher struct {
	next   Publisher
	logger *logging.Logger
	queue  chan delivery
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncPublisher starts a background drain delivering to next.
func NewAsyncPublisher(next Publisher, queueSize int, logger *logging.Logger) *AsyncPublisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	p := &AsyncPublisher{
		next:   next,
		logger: logger.WithComponent("events"),
		queue:  make(chan delivery, queueSize),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish queues event for delivery.
func (p *AsyncPublisher) Publish(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return p.enqueue(delivery{event: &event})
}

// Ping queues an alive check for connID.
func (p *AsyncPublisher) Ping(_ context.Context, connID string) error {
	return p.enqueue(delivery{connID: connID})
}

func (p *AsyncPublisher) enqueue(d delivery) error {
	// The queue is closed only under the write lock.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued deliveries.
func (p *AsyncPublisher) Pending() int {
	return len(p.queue)
}

func (p *AsyncPublisher) drain() {
	defer close(p.done)

	for d := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if d.event != nil {
			if err := p.next.Publish(ctx, *d.event); err != nil {
				p.logger.OperationFailed("publish", err, map[string]interface{}{
					"kind": string(d.event.Kind),
					"host": d.event.Host,
				})
			}
		} else if err := p.next.Ping(ctx, d.connID); err != nil {
			p.logger.OperationFailed("ping", err, map[string]interface{}{
				"conn": d.connID,
			})
		}
		cancel()
	}
}

// Close stops accepting work and waits for the queue to drain or ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
