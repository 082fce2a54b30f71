// Package bus carries presence events between hub processes.
//
// Publishers write to subjects; every subscriber of a subject receives every
// message on a buffered channel. Delivery is best-effort: a subscriber whose
// buffer is full misses the message rather than stalling the publisher.
//
// # Available Implementations
//
//   - NATSBus: shares events across processes through a NATS server
//   - MemoryBus: in-process fan-out for tests and single-node deployments
//
// # Usage
//
//	sub, _ := b.Subscribe("presence.broadcast")
//	defer sub.Unsubscribe()
//	for msg := range sub.Messages() {
//	    // handle msg.Data
//	}
package bus
