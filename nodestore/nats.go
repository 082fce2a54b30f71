package nodestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	nodeKeyPrefix = "node."
	hostKeyPrefix = "host."
)

// NATSStore implements Store using a NATS JetStream KV bucket.
// Writers in several processes may share one bucket; host ownership is
// settled by revision-checked writes.
//
// Nodes live under "node.<id>"; "host.<encoded host>" maps a host to its
// node ID so GetByHost avoids a full scan.
type NATSStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSStoreConfig

	mu     sync.RWMutex
	closed bool
}

// NATSStoreConfig configures the NATS store.
type NATSStoreConfig struct {
	// BucketName is the KV bucket name. Default: "echohub-nodes"
	BucketName string

	// Replicas for the KV store (1-5). Default: 1
	Replicas int
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		BucketName: "echohub-nodes",
		Replicas:   1,
	}
}

// NewNATSStore creates a NATS store from an existing connection.
func NewNATSStore(ctx context.Context, conn *nats.Conn, cfg NATSStoreConfig) (*NATSStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = DefaultNATSStoreConfig().BucketName
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		conn:   conn,
		kv:     kv,
		config: cfg,
	}, nil
}

func nodeKey(id string) string {
	return nodeKeyPrefix + id
}

// hostKey encodes host so characters such as ':' stay within the KV key alphabet.
func hostKey(host string) string {
	return hostKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(host))
}

func (s *NATSStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// GetByHost returns the node registered for host.
func (s *NATSStore) GetByHost(ctx context.Context, host string) (*Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, hostKey(host))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get host index: %w", err)
	}
	node, err := s.get(ctx, string(entry.Value()))
	if err != nil {
		return nil, err
	}
	// The index may briefly outlive a moved or deleted node.
	if node.Host != host {
		return nil, ErrNotFound
	}
	return node, nil
}

// GetByID returns the node with the given ID.
func (s *NATSStore) GetByID(ctx context.Context, id string) (*Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

func (s *NATSStore) get(ctx context.Context, id string) (*Node, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	entry, err := s.kv.Get(ctx, nodeKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from kv: %w", err)
	}
	var node Node
	if err := json.Unmarshal(entry.Value(), &node); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	return &node, nil
}

// List returns all nodes ordered by name.
func (s *NATSStore) List(ctx context.Context) ([]Node, error) {
	return s.filter(ctx, func(Node) bool { return true })
}

// Upsert creates or replaces a node. The host index is claimed with a
// revision-checked write, so concurrent writers from several processes
// cannot both own one host.
func (s *NATSStore) Upsert(ctx context.Context, node Node) (*Node, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	node = normalize(node, time.Now().UTC())

	existing, err := s.get(ctx, node.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		node.CreatedAt = existing.CreatedAt
	}

	data, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marshal node: %w", err)
	}
	// The record goes first so a rival claimer sees a live owner.
	if _, err := s.kv.Put(ctx, nodeKey(node.ID), data); err != nil {
		return nil, fmt.Errorf("put to kv: %w", err)
	}
	if err := s.claimHost(ctx, node.Host, node.ID); err != nil {
		s.restore(ctx, node.ID, existing)
		return nil, err
	}
	if existing != nil && existing.Host != node.Host {
		s.dropHostIndex(ctx, existing.Host, node.ID)
	}

	return &node, nil
}

// claimHost points the host index at id. It returns ErrConflict when
// another live node owns host.
func (s *NATSStore) claimHost(ctx context.Context, host, id string) error {
	key := hostKey(host)
	_, err := s.kv.Create(ctx, key, []byte(id))
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("create host index: %w", err)
	}

	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		// Removed since Create; the caller may retry.
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("get host index: %w", err)
	}
	owner := string(entry.Value())
	if owner == id {
		return nil
	}

	// An index entry left behind by a deleted or moved node can be taken over.
	current, err := s.get(ctx, owner)
	switch {
	case err == nil && current.Host == host:
		return ErrConflict
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	if _, err := s.kv.Update(ctx, key, []byte(id), entry.Revision()); err != nil {
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("update host index: %w", err)
	}
	return nil
}

// restore undoes the record write of a failed Upsert.
func (s *NATSStore) restore(ctx context.Context, id string, previous *Node) {
	if previous == nil {
		_ = s.kv.Delete(ctx, nodeKey(id))
		return
	}
	if data, err := json.Marshal(previous); err == nil {
		_, _ = s.kv.Put(ctx, nodeKey(id), data)
	}
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Delete removes a node by ID.
func (s *NATSStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	node, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, nodeKey(id)); err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}
	s.dropHostIndex(ctx, node.Host, id)
	return nil
}

// dropHostIndex removes the host index entry if it still points at id.
func (s *NATSStore) dropHostIndex(ctx context.Context, host, id string) {
	entry, err := s.kv.Get(ctx, hostKey(host))
	if err != nil || string(entry.Value()) != id {
		return
	}
	_ = s.kv.Delete(ctx, hostKey(host), jetstream.LastRevision(entry.Revision()))
}

// ListOnlineStaleSince returns online nodes last seen at or before cutoff.
func (s *NATSStore) ListOnlineStaleSince(ctx context.Context, cutoff time.Time) ([]Node, error) {
	return s.filter(ctx, func(n Node) bool { return n.Online && seenBy(n, cutoff) })
}

// ListOfflineOlderThan returns offline nodes last seen at or before cutoff.
func (s *NATSStore) ListOfflineOlderThan(ctx context.Context, cutoff time.Time) ([]Node, error) {
	return s.filter(ctx, func(n Node) bool { return !n.Online && seenBy(n, cutoff) })
}

func (s *NATSStore) filter(ctx context.Context, match func(Node) bool) ([]Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Node{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	result := make([]Node, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, nodeKeyPrefix) {
			continue
		}
		node, err := s.get(ctx, strings.TrimPrefix(key, nodeKeyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue // deleted between Keys and Get
		}
		if err != nil {
			return nil, err
		}
		if match(*node) {
			result = append(result, *node)
		}
	}
	sortByName(result)
	return result, nil
}

// Close marks the store closed. The connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Conn returns the underlying NATS connection.
func (s *NATSStore) Conn() *nats.Conn {
	return s.conn
}
