package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu      sync.RWMutex
	subs    map[string]map[*memorySub]struct{}
	closed  bool
	dropped atomic.Uint64
}

type memorySub struct {
	subject string
	ch      chan *Message
	bus     *MemoryBus
	once    sync.Once
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		subs:   make(map[string]map[*memorySub]struct{}),
	}
}

// Publish sends a message to all subscribers.
// Subscribers with a full buffer miss the message.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	// Channels are only closed under the write lock, so sending under the
	// read lock never hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}
	for sub := range b.subs[subject] {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
			if b.config.OnDrop != nil {
				b.config.OnDrop(subject)
			}
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]struct{})
	}
	b.subs[subject][sub] = struct{}{}

	return sub, nil
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs := s.bus.subs[s.subject]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}
