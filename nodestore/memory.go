package nodestore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for testing and single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	nodes  map[string]Node   // id -> node
	byHost map[string]string // host -> id
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:  make(map[string]Node),
		byHost: make(map[string]string),
	}
}

// GetByHost returns the node registered for host.
func (s *MemoryStore) GetByHost(_ context.Context, host string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	id, ok := s.byHost[host]
	if !ok {
		return nil, ErrNotFound
	}
	node := s.nodes[id]
	return &node, nil
}

// GetByID returns the node with the given ID.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &node, nil
}

// List returns all nodes ordered by name.
func (s *MemoryStore) List(_ context.Context) ([]Node, error) {
	return s.filter(func(Node) bool { return true })
}

// Upsert creates or replaces a node.
func (s *MemoryStore) Upsert(_ context.Context, node Node) (*Node, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if owner, ok := s.byHost[node.Host]; ok && owner != node.ID {
		return nil, ErrConflict
	}

	node = normalize(node, time.Now().UTC())
	if existing, ok := s.nodes[node.ID]; ok {
		node.CreatedAt = existing.CreatedAt
		if existing.Host != node.Host {
			delete(s.byHost, existing.Host)
		}
	}
	s.nodes[node.ID] = node
	s.byHost[node.Host] = node.ID

	stored := node
	return &stored, nil
}

// Delete removes a node by ID.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.nodes, id)
	delete(s.byHost, node.Host)
	return nil
}

// ListOnlineStaleSince returns online nodes last seen at or before cutoff.
func (s *MemoryStore) ListOnlineStaleSince(_ context.Context, cutoff time.Time) ([]Node, error) {
	return s.filter(func(n Node) bool { return n.Online && seenBy(n, cutoff) })
}

// ListOfflineOlderThan returns offline nodes last seen at or before cutoff.
func (s *MemoryStore) ListOfflineOlderThan(_ context.Context, cutoff time.Time) ([]Node, error) {
	return s.filter(func(n Node) bool { return !n.Online && seenBy(n, cutoff) })
}

func (s *MemoryStore) filter(match func(Node) bool) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	result := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		if match(node) {
			result = append(result, node)
		}
	}
	sortByName(result)
	return result, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
