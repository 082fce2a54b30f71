package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides fan-out pub/sub.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus and ends all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription. Safe to call more than once.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int

	// OnDrop is called with the subject when a subscriber's buffer is full
	// and a message is skipped. It must not block.
	OnDrop func(subject string)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks that a subject is a concrete, non-empty name.
// Wildcards are rejected; subscriptions are always to exact subjects.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, "*> \t\r\n") {
		return ErrInvalidSubject
	}
	if strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") || strings.Contains(subject, "..") {
		return ErrInvalidSubject
	}
	return nil
}
