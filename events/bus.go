package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/echohub/bus"
)

// DefaultSubjectPrefix roots all presence subjects.
const DefaultSubjectPrefix = "presence"

// Subjects names the bus subjects used for presence traffic.
type Subjects struct {
	Prefix string
}

// Broadcast is the subject observers subscribe to.
func (s Subjects) Broadcast() string {
	return s.prefix() + ".broadcast"
}

// Ping is the subject a single connection listens on for alive checks.
func (s Subjects) Ping(connID string) string {
	return s.prefix() + ".ping." + connID
}

// Kind classifies subject as "broadcast", "ping" or "other", for metric
// labels that must not carry connection IDs.
func (s Subjects) Kind(subject string) string {
	switch {
	case subject == s.Broadcast():
		return "broadcast"
	case strings.HasPrefix(subject, s.prefix()+".ping."):
		return "ping"
	}
	return "other"
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return s.Prefix
}

// BusPublisher publishes events and pings as JSON on a message bus.
// The hub delivers broadcasts to its observers and each ping to the
// connection it names. Connection IDs come from one hub's registry, so
// presence assumes a single hub process per node store.
type BusPublisher struct {
	bus      bus.MessageBus
	subjects Subjects
	now      func() time.Time
}

// NewBusPublisher creates a publisher over b.
func NewBusPublisher(b bus.MessageBus, subjects Subjects) *BusPublisher {
	return &BusPublisher{
		bus:      b,
		subjects: subjects,
		now:      time.Now,
	}
}

// Publish broadcasts event.
func (p *BusPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.bus.Publish(p.subjects.Broadcast(), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	return nil
}

// Ping sends an alive check to connID.
func (p *BusPublisher) Ping(ctx context.Context, connID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if connID == "" {
		return fmt.Errorf("%w: empty connection", ErrInvalidEvent)
	}
	data, err := json.Marshal(Ping{ConnID: connID, At: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}
	if err := p.bus.Publish(p.subjects.Ping(connID), data); err != nil {
		return fmt.Errorf("publish ping: %w", err)
	}
	return nil
}
