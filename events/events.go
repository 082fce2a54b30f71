// Package events announces presence changes to observers and delivers
// alive checks to individual node connections.
//
// Delivery is fire-and-forget and at-most-once. A publish failure is
// reported to the caller for logging and never undoes the state change that
// triggered it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/echohub/nodestore"
)

// Common errors.
var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrQueueFull    = errors.New("publish queue full")
	ErrClosed       = errors.New("publisher closed")
)

// Kind identifies a broadcast event.
type Kind string

const (
	// KindNodeUpdated carries the full node after a registration or
	// occupancy change.
	KindNodeUpdated Kind = "nodeUpdated"

	// KindNodeOffline carries only the host that went offline.
	KindNodeOffline Kind = "nodeOffline"
)

// Event is a presence change broadcast to observers.
type Event struct {
	Kind Kind            `json:"kind"`
	Host string          `json:"host"`
	Node *nodestore.Node `json:"node,omitempty"`
	At   time.Time       `json:"at"`
}

// NodeUpdated builds an update event for node.
func NodeUpdated(node nodestore.Node, at time.Time) Event {
	return Event{Kind: KindNodeUpdated, Host: node.Host, Node: &node, At: at}
}

// NodeOffline builds an offline event for host.
func NodeOffline(host string, at time.Time) Event {
	return Event{Kind: KindNodeOffline, Host: host, At: at}
}

// Validate checks the event is well formed.
func (e Event) Validate() error {
	switch e.Kind {
	case KindNodeUpdated:
		if e.Node == nil {
			return fmt.Errorf("%w: %s without node", ErrInvalidEvent, e.Kind)
		}
	case KindNodeOffline:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEvent)
	}
	return nil
}

// Ping is an alive check addressed to one connection.
type Ping struct {
	ConnID string    `json:"connId"`
	At     time.Time `json:"at"`
}

// Publisher delivers events and pings.
type Publisher interface {
	// Publish broadcasts an event to every observer.
	Publish(ctx context.Context, event Event) error

	// Ping asks the node behind connID to answer with a heartbeat.
	Ping(ctx context.Context, connID string) error
}

// DecodeEvent parses an event published on the broadcast subject.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DecodePing parses a ping published on a connection's ping subject.
func DecodePing(data []byte) (Ping, error) {
	var ping Ping
	if err := json.Unmarshal(data, &ping); err != nil {
		return Ping{}, fmt.Errorf("decode ping: %w", err)
	}
	return ping, nil
}
