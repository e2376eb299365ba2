// Package health implements the hub's shard health monitor: a supervised
// background loop that pings every registered shard on a fixed cadence and
// evicts ones that have been unreachable too long.
//
// Grounded on original_source/server/hub.py's healthcheck method (3 second
// sleep loop, per-shard TCP PING, eviction once a shard has been
// unreachable for more than 300 seconds) and structurally adapted from the
// teacher's internal/coordinator/health_monitor.go (supervised
// ticker+context+WaitGroup goroutine, overridable check function for
// testing, onUnhealthy-style callback).
package health

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/hikariatama/sharder/internal/registry"
	"github.com/hikariatama/sharder/internal/wire"
)

// DefaultInterval is how often every shard is pinged.
const DefaultInterval = 3 * time.Second

// DefaultTimeout bounds a single shard's dial+ping round trip.
const DefaultTimeout = 5 * time.Second

// DefaultEvictAfter is how long a shard may stay unreachable before the
// monitor removes it from the registry entirely.
const DefaultEvictAfter = 300 * time.Second

// PingFunc dials a shard and returns the size it reports, or an error. It
// exists so tests can substitute a fake without opening real sockets,
// mirroring the teacher's SetCheckFunction hook.
type PingFunc func(ctx context.Context, address registry.ShardAddress) (uint32, error)

// Monitor periodically pings every shard in a Registry and keeps their
// health status current, evicting shards that have been unreachable past
// EvictAfter.
//
// Thread Safety: Start must be called from one goroutine; Stop may be
// called concurrently with Start to request shutdown.
type Monitor struct {
	registry *registry.Registry
	logger   *log.Logger

	interval   time.Duration
	timeout    time.Duration
	evictAfter time.Duration
	ping       PingFunc

	onEvicted func(address registry.ShardAddress)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor with production defaults (3s interval, 5s per-ping
// timeout, 300s eviction threshold) pinging shards over real TCP
// connections.
func New(reg *registry.Registry, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		registry:   reg,
		logger:     logger,
		interval:   DefaultInterval,
		timeout:    DefaultTimeout,
		evictAfter: DefaultEvictAfter,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.ping = m.tcpPing
	return m
}

// SetPingFunc overrides how a shard is probed. Intended for tests.
func (m *Monitor) SetPingFunc(fn PingFunc) {
	m.ping = fn
}

// SetOnEvicted registers a callback invoked (in a new goroutine, so it
// can't block the monitor loop) whenever a shard is evicted from the
// registry for being unreachable too long.
func (m *Monitor) SetOnEvicted(callback func(address registry.ShardAddress)) {
	m.onEvicted = callback
}

// Start runs the monitor loop until ctx is canceled or Stop is called. It
// blocks; call it from its own goroutine. An initial check runs
// immediately, matching the teacher's Start (and the original's
// healthcheck, which checks before its first sleep).
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.done)

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkAll()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop requests shutdown and waits for the monitor loop to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) checkAll() {
	for _, address := range m.registry.OrderedShardAddresses() {
		m.checkShard(address)
	}
}

func (m *Monitor) checkShard(address registry.ShardAddress) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	size, err := m.ping(ctx, address)
	if err == nil {
		if err := m.registry.MarkHealthy(address.String(), size); err != nil {
			m.logger.Printf("health: mark healthy %s: %v", address.String(), err)
		}
		return
	}

	status, getErr := m.registry.Get(address.String())
	if getErr != nil {
		// Already removed by a concurrent eviction or deregistration.
		return
	}
	if err := m.registry.MarkUnhealthy(address.String()); err != nil {
		return
	}

	if time.Since(status.LastHeartbeat) > m.evictAfter {
		if err := m.registry.Remove(address.String()); err != nil {
			return
		}
		m.logger.Printf("health: evicted shard %s after %v unreachable", address.String(), m.evictAfter)
		if m.onEvicted != nil {
			go m.onEvicted(address)
		}
	}
}

// tcpPing is the default PingFunc: dial, send PING, decode the reported
// byte count.
func (m *Monitor) tcpPing(ctx context.Context, address registry.ShardAddress) (uint32, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address.String())
	if err != nil {
		return 0, fmt.Errorf("health: dial %s: %w", address.String(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(wire.EncodePingRequest()); err != nil {
		return 0, fmt.Errorf("health: send PING to %s: %w", address.String(), err)
	}

	resp := make([]byte, 4)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, fmt.Errorf("health: read PONG from %s: %w", address.String(), err)
	}

	return wire.DecodePong(resp)
}
