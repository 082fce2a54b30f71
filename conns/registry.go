// Package conns tracks which open connections currently claim which node host.
//
// The live-connection count of a host is the size of its claim set, so the
// count and the claims can never disagree, never go negative and never skip
// zero. Locks are sharded by key so traffic for different hosts proceeds in
// parallel. No I/O ever happens while a shard lock is held.
package conns

import (
	"errors"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultShards is the shard count used when New is given a non-positive value.
const DefaultShards = 32

// Common errors.
var (
	ErrInvalidConnection = errors.New("invalid connection ID")
	ErrInvalidHost       = errors.New("invalid host")
)

// Released describes a claim that was dropped by Claim or Release.
type Released struct {
	// Host the dropped claim referenced.
	Host string

	// Last is true when the dropped claim was the host's final live connection.
	Last bool

	// Remaining live connections of Host after the drop.
	Remaining int
}

// Registry maps connection IDs to hosts and hosts to their claim sets.
// The zero value is not usable; construct with New.
type Registry struct {
	connShards []*connShard
	hostShards []*hostShard
}

type connShard struct {
	mu    sync.RWMutex
	hosts map[string]string // connID -> host
}

type hostShard struct {
	mu     sync.RWMutex
	claims map[string]map[string]struct{} // host -> set of connIDs
}

// New creates a registry with the given number of shards.
func New(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		connShards: make([]*connShard, shards),
		hostShards: make([]*hostShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.connShards[i] = &connShard{hosts: make(map[string]string)}
		r.hostShards[i] = &hostShard{claims: make(map[string]map[string]struct{})}
	}
	return r
}

func shardIndex(key string, n int) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

func (r *Registry) connShardFor(connID string) *connShard {
	return r.connShards[shardIndex(connID, len(r.connShards))]
}

func (r *Registry) hostShardFor(host string) *hostShard {
	return r.hostShards[shardIndex(host, len(r.hostShards))]
}

// Claim records that connID represents host.
//
// If connID already claimed a different host, that claim is released first
// and returned with ok == true; Released.Last reports whether the old host has
// no live connections left. Re-claiming the same host changes nothing.
func (r *Registry) Claim(connID, host string) (released Released, ok bool, err error) {
	if connID == "" {
		return Released{}, false, ErrInvalidConnection
	}
	if host == "" {
		return Released{}, false, ErrInvalidHost
	}

	// Lock order: connection shard, then one host shard at a time.
	cs := r.connShardFor(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	prev, had := cs.hosts[connID]
	if had && prev == host {
		return Released{}, false, nil
	}
	if had {
		remaining, removed := r.removeClaim(prev, connID)
		if removed {
			released = Released{Host: prev, Last: remaining == 0, Remaining: remaining}
			ok = true
		}
	}

	r.addClaim(host, connID)
	cs.hosts[connID] = host
	return released, ok, nil
}

// Release drops the claim held by connID.
// ok is false if the connection held no claim.
func (r *Registry) Release(connID string) (released Released, ok bool) {
	cs := r.connShardFor(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	host, had := cs.hosts[connID]
	if !had {
		return Released{}, false
	}
	delete(cs.hosts, connID)

	remaining, removed := r.removeClaim(host, connID)
	if !removed {
		return Released{}, false
	}
	return Released{Host: host, Last: remaining == 0, Remaining: remaining}, true
}

func (r *Registry) addClaim(host, connID string) {
	hs := r.hostShardFor(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	set := hs.claims[host]
	if set == nil {
		set = make(map[string]struct{})
		hs.claims[host] = set
	}
	set[connID] = struct{}{}
}

// removeClaim returns the host's remaining count and whether connID was present.
func (r *Registry) removeClaim(host, connID string) (int, bool) {
	hs := r.hostShardFor(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	set := hs.claims[host]
	if _, present := set[connID]; !present {
		return len(set), false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(hs.claims, host)
		return 0, true
	}
	return len(set), true
}

// HostForConnection returns the host claimed by connID.
func (r *Registry) HostForConnection(connID string) (string, bool) {
	cs := r.connShardFor(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	host, ok := cs.hosts[connID]
	return host, ok
}

// ConnectionsForHost returns a sorted snapshot of the connections claiming host.
func (r *Registry) ConnectionsForHost(host string) []string {
	hs := r.hostShardFor(host)
	hs.mu.RLock()
	set := hs.claims[host]
	result := make([]string, 0, len(set))
	for connID := range set {
		result = append(result, connID)
	}
	hs.mu.RUnlock()

	sort.Strings(result)
	return result
}

// CountForHost returns the number of live connections claiming host.
func (r *Registry) CountForHost(host string) int {
	hs := r.hostShardFor(host)
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return len(hs.claims[host])
}

// Stats returns the total number of claimed connections and of hosts with at
// least one live connection. Shards are visited one at a time, so under
// concurrent traffic the figures are approximate.
func (r *Registry) Stats() (connections, hosts int) {
	for _, cs := range r.connShards {
		cs.mu.RLock()
		connections += len(cs.hosts)
		cs.mu.RUnlock()
	}
	for _, hs := range r.hostShards {
		hs.mu.RLock()
		hosts += len(hs.claims)
		hs.mu.RUnlock()
	}
	return connections, hosts
}
