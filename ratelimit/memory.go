package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// bucket is one key's token bucket.
type bucket struct {
	available  int       // current tokens
	lastRefill time.Time // last time tokens were added
}

// refill adds tokens for the time elapsed since the last refill. The refill
// time only advances when a whole token is added, so partial progress
// carries over.
func (b *bucket) refill(now time.Time, cfg Config) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	tokens := int(float64(cfg.Capacity) * float64(elapsed) / float64(cfg.Window))
	if tokens <= 0 {
		return
	}
	b.available += tokens
	if b.available > cfg.Capacity {
		b.available = cfg.Capacity
	}
	b.lastRefill = now
}

// Limiter applies one Config independently to every key.
// It is safe for concurrent use.
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	maxKeys int

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithMaxKeys sets the key count above which full buckets are pruned.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// New creates a limiter. It returns nil when cfg is disabled; a nil
// limiter allows every call.
func New(cfg Config, opts ...Option) *Limiter {
	if !cfg.Enabled() || cfg.Window <= 0 {
		return nil
	}
	l := &Limiter{
		cfg:     cfg,
		clock:   clock.New(),
		maxKeys: DefaultMaxKeys,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the limit applied to each key.
func (l *Limiter) Config() Config {
	if l == nil {
		return Config{}
	}
	return l.cfg
}

// Allow consumes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.prune(now)
		}
		b = &bucket{available: l.cfg.Capacity, lastRefill: now}
		l.buckets[key] = b
	}

	b.refill(now, l.cfg)
	if b.available == 0 {
		return false
	}
	b.available--
	return true
}

// prune drops buckets that have refilled completely. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		b.refill(now, l.cfg)
		if b.available >= l.cfg.Capacity {
			delete(l.buckets, key)
		}
	}
}

// Forget drops key's bucket.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Capacity returns the state of key's bucket, or nil if key is unknown.
func (l *Limiter) Capacity(key string) *Capacity {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return nil
	}
	b.refill(l.clock.Now(), l.cfg)
	return &Capacity{
		Key:       key,
		Available: b.available,
		Total:     l.cfg.Capacity,
		Window:    l.cfg.Window,
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
