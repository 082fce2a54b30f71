// Package nodestore persists node records for the presence hub.
//
// A Node is the durable half of presence: what a node last reported and
// whether it is considered online. Live connections are tracked separately
// (see package conns) and never stored here.
package nodestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("node not found")
	ErrClosed      = errors.New("store closed")
	ErrInvalidNode = errors.New("invalid node")
	ErrConflict    = errors.New("host already registered to another node")
)

// Node is the durable record of a remote node.
type Node struct {
	// ID is an opaque, stable identifier assigned on first registration.
	ID string `json:"id" bson:"_id"`

	// Name is the display name reported by the node.
	Name string `json:"name" bson:"name"`

	// Description is optional free text.
	Description string `json:"description,omitempty" bson:"description"`

	// Host is the address the node is reachable at. Unique across nodes.
	Host string `json:"host" bson:"host"`

	// Occupancy is the node's reported user count. Always 0 when offline.
	Occupancy int `json:"occupancy" bson:"occupancy"`

	// Online is true while the node is considered reachable.
	Online bool `json:"online" bson:"online"`

	// LastSeen is the time of the last registration or heartbeat (UTC).
	LastSeen time.Time `json:"lastSeen" bson:"last_seen"`

	// CreatedAt is set once on first registration (UTC).
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Validate checks the node's invariants.
func (n *Node) Validate() error {
	if n.ID == "" || strings.TrimSpace(n.Host) == "" || strings.TrimSpace(n.Name) == "" {
		return ErrInvalidNode
	}
	if n.Occupancy < 0 {
		return ErrInvalidNode
	}
	if !n.Online && n.Occupancy != 0 {
		return ErrInvalidNode
	}
	return nil
}

// Store is the durable node directory.
type Store interface {
	// GetByHost returns the node registered for host, or ErrNotFound.
	GetByHost(ctx context.Context, host string) (*Node, error)

	// GetByID returns the node with the given ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Node, error)

	// List returns all nodes ordered by name.
	List(ctx context.Context) ([]Node, error)

	// Upsert creates or replaces the node keyed by ID and returns the stored
	// record. CreatedAt of an existing record is preserved. Returns
	// ErrConflict if another node already owns the host.
	Upsert(ctx context.Context, node Node) (*Node, error)

	// Delete removes a node by ID. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// ListOnlineStaleSince returns online nodes last seen at or before cutoff.
	ListOnlineStaleSince(ctx context.Context, cutoff time.Time) ([]Node, error)

	// ListOfflineOlderThan returns offline nodes last seen at or before cutoff.
	ListOfflineOlderThan(ctx context.Context, cutoff time.Time) ([]Node, error)

	// Close releases resources owned by the store.
	Close() error
}

// normalize prepares a node for writing: UTC timestamps and a CreatedAt.
func normalize(node Node, now time.Time) Node {
	node.LastSeen = node.LastSeen.UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.CreatedAt = node.CreatedAt.UTC()
	return node
}

// sortByName orders nodes by name, then host for a stable result.
func sortByName(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name != nodes[j].Name {
			return nodes[i].Name < nodes[j].Name
		}
		return nodes[i].Host < nodes[j].Host
	})
}

// seenBy reports whether the node was last seen at or before cutoff.
func seenBy(node Node, cutoff time.Time) bool {
	return !node.LastSeen.After(cutoff)
}
