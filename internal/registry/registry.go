// Package registry tracks the set of shards a hub knows about and their
// last-observed health, in the exact order shards were registered.
//
// Insertion order matters here in a way it never did for the teacher's
// shard_registry.go: a Reconstruct walks shards in registration order
// looking for each chunk, so the order a hub learned about its shards is
// part of the system's observable behavior, not an implementation detail.
// This is why Registry keeps an explicit order slice alongside the map,
// rather than relying on Go's randomized map iteration the way a simple
// key/value registry could.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ErrAlreadyRegistered is returned by Register when the address is already
// known to the registry.
var ErrAlreadyRegistered = errors.New("registry: shard already registered")

// ErrNotRegistered is returned by operations addressing a shard the
// registry has never seen.
var ErrNotRegistered = errors.New("registry: shard not registered")

// ShardAddress is a shard's network location, split into Host and Port
// once when the shard registers rather than re-parsed out of a combined
// "host:port" string on every dispatcher send. It still carries the raw
// form so it serializes and compares trivially.
type ShardAddress struct {
	Host string
	Port int
	raw  string
}

// ParseShardAddress splits a "host:port" string into a ShardAddress,
// doing the net.SplitHostPort/strconv.Atoi work exactly once.
func ParseShardAddress(hostport string) (ShardAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ShardAddress{}, fmt.Errorf("registry: invalid shard address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ShardAddress{}, fmt.Errorf("registry: invalid shard port %q: %w", portStr, err)
	}
	return ShardAddress{Host: host, Port: port, raw: hostport}, nil
}

// String returns the address in "host:port" form, precomputed at parse
// time rather than rebuilt here.
func (a ShardAddress) String() string { return a.raw }

// ShardStatus is a point-in-time snapshot of one shard's registration and
// health state. Registry methods return copies of ShardStatus, never
// pointers into internal state, so callers can't mutate the registry by
// holding on to a returned value.
type ShardStatus struct {
	Address          ShardAddress
	Healthy          bool
	Size             uint32
	LastHeartbeat    time.Time
	ConsecutiveFails int
}

// Registry is the hub's authoritative list of shards, adapted from the
// teacher's ShardRegistry but keyed by network address instead of shard
// ID, since this system's shards are interchangeable placement targets
// rather than owners of a fixed portion of key space.
//
// Thread Safety: Registry is safe for concurrent use. Reads take RLock;
// Register/Remove/MarkHealthy/MarkUnhealthy take Lock. All returned data
// is copied.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	shards map[string]*ShardStatus
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{shards: make(map[string]*ShardStatus)}
}

// Register adds a shard at the end of the registration order. A newly
// registered shard starts unhealthy with a zero size — it has not been
// seen yet, only announced. LastHeartbeat is stamped to the registration
// time rather than left at the zero Time value, so that a shard that is
// never once reachable becomes evictable exactly EvictAfter after it
// registered, not immediately (a shard with no heartbeat at all is not
// yet "long overdue" for one). The health monitor's first tick is what
// actually marks it healthy.
func (r *Registry) Register(address string) error {
	parsed, err := ParseShardAddress(address)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shards[address]; exists {
		return ErrAlreadyRegistered
	}
	r.shards[address] = &ShardStatus{
		Address:       parsed,
		LastHeartbeat: time.Now(),
	}
	r.order = append(r.order, address)
	return nil
}

// Remove evicts a shard entirely, used when the health monitor gives up on
// a shard that has been unreachable past the eviction threshold.
func (r *Registry) Remove(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shards[address]; !exists {
		return ErrNotRegistered
	}
	delete(r.shards, address)

	if i := slices.Index(r.order, address); i >= 0 {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
	return nil
}

// MarkHealthy records a successful ping: the shard's self-reported size,
// a reset failure count, and a fresh LastHeartbeat.
func (r *Registry) MarkHealthy(address string, size uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.shards[address]
	if !exists {
		return ErrNotRegistered
	}
	s.Healthy = true
	s.Size = size
	s.ConsecutiveFails = 0
	s.LastHeartbeat = time.Now()
	return nil
}

// MarkUnhealthy increments a shard's consecutive-failure count and flips
// it unhealthy. It does not touch LastHeartbeat, which records the last
// time the shard was actually seen, not the last time it was checked.
func (r *Registry) MarkUnhealthy(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.shards[address]
	if !exists {
		return ErrNotRegistered
	}
	s.Healthy = false
	s.ConsecutiveFails++
	return nil
}

// Get returns a copy of one shard's status.
func (r *Registry) Get(address string) (ShardStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.shards[address]
	if !exists {
		return ShardStatus{}, ErrNotRegistered
	}
	return *s, nil
}

// OrderedAddresses returns every registered shard address in registration
// order. Dispatcher.Reconstruct relies on this order being stable across
// calls as long as the registry's membership hasn't changed.
func (r *Registry) OrderedAddresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// OrderedShardAddresses returns every registered shard's pre-parsed
// ShardAddress in registration order, for callers (Dispatcher, the health
// monitor) that need Host/Port without re-splitting the combined string
// on every send.
func (r *Registry) OrderedShardAddresses() []ShardAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShardAddress, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.shards[addr].Address)
	}
	return out
}

// All returns a snapshot of every shard's status in registration order.
func (r *Registry) All() []ShardStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShardStatus, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.shards[addr])
	}
	return out
}

// Len reports the number of registered shards, healthy or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
