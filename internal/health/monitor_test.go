package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hikariatama/sharder/internal/registry"
)

func TestMonitorMarksHealthyOnSuccessfulPing(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("shard-1:9000"))
	require.NoError(t, reg.MarkUnhealthy("shard-1:9000"))

	m := New(reg, nil)
	m.interval = 10 * time.Millisecond
	m.SetPingFunc(func(ctx context.Context, address registry.ShardAddress) (uint32, error) {
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	require.Eventually(t, func() bool {
		status, err := reg.Get("shard-1:9000")
		return err == nil && status.Healthy
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorEvictsAfterThresholdExceeded(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("shard-1:9000"))

	var evicted atomic.Bool
	m := New(reg, nil)
	m.interval = 5 * time.Millisecond
	m.evictAfter = 20 * time.Millisecond
	m.SetPingFunc(func(ctx context.Context, address registry.ShardAddress) (uint32, error) {
		return 0, errDown
	})
	m.SetOnEvicted(func(address registry.ShardAddress) {
		evicted.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	defer func() {
		cancel()
		m.Stop()
	}()

	require.Eventually(t, func() bool {
		_, err := reg.Get("shard-1:9000")
		return err == registry.ErrNotRegistered
	}, time.Second, 5*time.Millisecond)
	assert.True(t, evicted.Load())
}

func TestMonitorDoesNotEvictBeforeThreshold(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("shard-1:9000"))

	m := New(reg, nil)
	m.interval = 5 * time.Millisecond
	m.evictAfter = time.Hour
	m.SetPingFunc(func(ctx context.Context, address registry.ShardAddress) (uint32, error) {
		return 0, errDown
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()
	m.Stop()

	status, err := reg.Get("shard-1:9000")
	require.NoError(t, err)
	assert.False(t, status.Healthy)
}

func TestStopWaitsForLoopExit(t *testing.T) {
	reg := registry.New()
	m := New(reg, nil)
	m.interval = time.Millisecond

	var mu sync.Mutex
	running := false

	m.SetPingFunc(func(ctx context.Context, address registry.ShardAddress) (uint32, error) {
		mu.Lock()
		running = true
		mu.Unlock()
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	cancel()
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	_ = running // loop may or may not have ticked; Stop must still return promptly
}

var errDown = &pingError{"shard unreachable"}

type pingError struct{ msg string }

func (e *pingError) Error() string { return e.msg }
