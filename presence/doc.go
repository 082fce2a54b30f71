// Package presence combines the connection registry with the durable node
// store.
//
// Every inbound connection event (register, heartbeat, occupancy update,
// disconnect) goes through a Service, which updates the node record, adjusts
// the connection claims and announces the change. Store and publish failures
// never leave the registry inconsistent: claims are adjusted in memory and
// the store catches up on the next event or sweep.
//
// Operations on the same host are serialized inside the Service, so a
// disconnect racing with a reconnect never marks a connected node offline.
package presence
