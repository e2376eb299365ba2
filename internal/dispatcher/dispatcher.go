// Package dispatcher implements the hub's core placement and retrieval
// logic: splitting a payload into chunks, replicating each chunk across a
// random subset of shards, and reconstructing a payload by walking shards
// in registration order. It is the direct Go counterpart of
// original_source/server/hub.py's SharderHub class.
package dispatcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hikariatama/sharder/internal/digest"
	"github.com/hikariatama/sharder/internal/registry"
	"github.com/hikariatama/sharder/internal/wire"
)

// ReconstructionFailed is returned by Reconstruct when no registered shard
// has the chunk at Index, meaning the stored payload cannot be fully
// rebuilt.
type ReconstructionFailed struct {
	Index int
}

func (e *ReconstructionFailed) Error() string {
	return fmt.Sprintf("dispatcher: no shard has chunk %d", e.Index)
}

// ErrNoShardAccepted is returned by Store when every shard rejected or
// failed to accept a given chunk, leaving it with zero replicas.
var ErrNoShardAccepted = errors.New("dispatcher: no shard accepted a chunk")

// StoreResult carries the outcome of a successful Store call. Warnings
// lists chunks that were placed on fewer than the configured replica
// count — the store still succeeded (at least one replica landed
// somewhere), but durability is reduced for that chunk until a rebalance
// or resend.
type StoreResult struct {
	Digest   [digest.Size]byte
	Warnings []string
}

// ReconstructOptions controls optional extra verification work done by
// Reconstruct.
type ReconstructOptions struct {
	// VerifyDigest re-hashes the reassembled payload and compares it
	// against the requested digest before returning it. Off by default:
	// the wire protocol already trusts shards to return the bytes they
	// were given, and verifying doubles the cost of every read.
	VerifyDigest bool
}

// Dispatcher owns the placement policy: how many chunks a payload is split
// into, how many replicas each chunk needs, and the HMAC key used to
// derive a payload's digest.
//
// Thread Safety: Dispatcher holds no mutable state of its own beyond what
// Registry already protects, so all methods are safe for concurrent use.
type Dispatcher struct {
	registry    *registry.Registry
	hmacKey     []byte
	chunkCount  int
	replicas    int
	dialTimeout time.Duration
	logger      logFunc
}

type logFunc func(format string, args ...any)

// Config bundles the placement parameters read from the hub's environment
// at startup.
type Config struct {
	HMACKey     []byte
	ChunkCount  int
	Replicas    int
	DialTimeout time.Duration
}

// New builds a Dispatcher bound to reg. A nil logger disables logging
// of per-shard failures (store attempts, retrieve probes, delete
// broadcasts); under-replication is reported only through
// StoreResult.Warnings.
func New(reg *registry.Registry, cfg Config, logger func(format string, args ...any)) *Dispatcher {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &Dispatcher{
		registry:    reg,
		hmacKey:     cfg.HMACKey,
		chunkCount:  cfg.ChunkCount,
		replicas:    cfg.Replicas,
		dialTimeout: cfg.DialTimeout,
		logger:      logger,
	}
}

// Store splits payload into the configured number of chunks, computes its
// digest, and places each chunk on a random permutation of registered
// shards until Replicas acks land or the shard list is exhausted.
//
// Placement of distinct chunks proceeds concurrently (bounded by
// errgroup's default unlimited-but-goroutine-per-chunk fan-out, which is
// fine at the chunk counts this system targets); placement attempts for a
// single chunk are sequential, since trying one shard at a time and
// stopping at the first Replicas successes is cheaper than firing every
// shard and discarding extras.
func (d *Dispatcher) Store(ctx context.Context, payload []byte) (StoreResult, error) {
	sum := digest.Compute(d.hmacKey, payload)
	chunks := splitPayload(payload, d.chunkCount)

	shards := d.registry.OrderedShardAddresses()
	if len(shards) == 0 {
		return StoreResult{}, errors.New("dispatcher: no shards registered")
	}

	var (
		mu       sync.Mutex
		warnings []string
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			successes, err := d.placeChunk(gctx, shards, uint32(i), sum[:], chunk)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			if successes < d.replicas {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("chunk %d placed on only %d/%d replicas", i, successes, d.replicas))
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return StoreResult{}, err
	}

	return StoreResult{Digest: sum, Warnings: warnings}, nil
}

// placeChunk tries shards in a random order until Replicas acks are
// collected or the permutation is exhausted, returning the number of
// successful placements.
func (d *Dispatcher) placeChunk(ctx context.Context, shards []registry.ShardAddress, index uint32, digestBytes, chunk []byte) (int, error) {
	perm := rand.Perm(len(shards))
	successes := 0

	for _, p := range perm {
		if successes >= d.replicas {
			break
		}
		addr := shards[p]
		ok, err := d.sendChunk(ctx, addr, index, digestBytes, chunk)
		if err != nil {
			d.logger("dispatcher: store chunk %d on %s: %v", index, addr.String(), err)
			continue
		}
		if ok {
			successes++
		}
	}

	if successes == 0 {
		return 0, ErrNoShardAccepted
	}
	return successes, nil
}

func (d *Dispatcher) sendChunk(ctx context.Context, address registry.ShardAddress, index uint32, digestBytes, chunk []byte) (bool, error) {
	conn, err := d.dial(ctx, address)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Write(wire.EncodeStoreRequest(index, digestBytes, chunk)); err != nil {
		return false, fmt.Errorf("write STORE: %w", err)
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return false, fmt.Errorf("read STORE ack: %w", err)
	}
	return ack[0] == wire.StatusOK, nil
}

// Reconstruct reassembles a payload by fetching each chunk index in
// registration order across shards: for each index it tries every shard,
// in the order they were registered, until one returns the chunk. All
// chunk indices are fetched concurrently; only the per-index shard probe
// order is sequential.
func (d *Dispatcher) Reconstruct(ctx context.Context, digestHex string, opts ReconstructOptions) ([]byte, error) {
	sum, err := digest.FromHex(digestHex)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	shards := d.registry.OrderedShardAddresses()
	chunks := make([][]byte, d.chunkCount)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.chunkCount; i++ {
		i := i
		g.Go(func() error {
			chunk, err := d.retrieveChunk(gctx, shards, uint32(i), sum[:])
			if err != nil {
				return err
			}
			chunks[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	payload := joinChunks(chunks)

	if opts.VerifyDigest {
		got := digest.Compute(d.hmacKey, payload)
		if got != sum {
			return nil, fmt.Errorf("dispatcher: reconstructed payload digest mismatch for %s", digestHex)
		}
	}

	return payload, nil
}

func (d *Dispatcher) retrieveChunk(ctx context.Context, shards []registry.ShardAddress, index uint32, digestBytes []byte) ([]byte, error) {
	for _, addr := range shards {
		chunk, ok, err := d.fetchChunk(ctx, addr, index, digestBytes)
		if err != nil {
			d.logger("dispatcher: retrieve chunk %d from %s: %v", index, addr.String(), err)
			continue
		}
		if ok {
			return chunk, nil
		}
	}
	return nil, &ReconstructionFailed{Index: int(index)}
}

func (d *Dispatcher) fetchChunk(ctx context.Context, address registry.ShardAddress, index uint32, digestBytes []byte) ([]byte, bool, error) {
	conn, err := d.dial(ctx, address)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	if _, err := conn.Write(wire.EncodeRetrieveRequest(index, digestBytes)); err != nil {
		return nil, false, fmt.Errorf("write RETRIEVE: %w", err)
	}

	status := make([]byte, 1)
	if _, err := io.ReadFull(conn, status); err != nil {
		return nil, false, fmt.Errorf("read RETRIEVE status: %w", err)
	}
	if status[0] == wire.StatusMiss {
		return nil, false, nil
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, false, fmt.Errorf("read RETRIEVE length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)

	chunk := make([]byte, length)
	if _, err := io.ReadFull(conn, chunk); err != nil {
		return nil, false, fmt.Errorf("read RETRIEVE body: %w", err)
	}
	return chunk, true, nil
}

// Destroy broadcasts a delete for digestHex to every registered shard,
// best-effort: a shard that fails to delete is logged, not retried, and
// does not fail the overall call, matching the original's destroy().
func (d *Dispatcher) Destroy(ctx context.Context, digestHex string) {
	sum, err := digest.FromHex(digestHex)
	if err != nil {
		d.logger("dispatcher: destroy: %v", err)
		return
	}

	shards := d.registry.OrderedShardAddresses()
	var wg sync.WaitGroup
	for _, addr := range shards {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.deleteOn(ctx, addr, sum[:]); err != nil {
				d.logger("dispatcher: delete on %s: %v", addr.String(), err)
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deleteOn(ctx context.Context, address registry.ShardAddress, digestBytes []byte) error {
	conn, err := d.dial(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(wire.EncodeDeleteRequest(digestBytes)); err != nil {
		return fmt.Errorf("write DELETE: %w", err)
	}
	status := make([]byte, 1)
	_, err = io.ReadFull(conn, status)
	return err
}

// dial connects to address and sets a deadline on the returned connection
// covering the rest of its lifetime — the same d.dialTimeout window bounds
// connect, send, and recv together, so a shard that accepts the connection
// and then stalls mid-response is abandoned instead of hanging the caller
// forever, matching the health monitor's tcpPing pattern.
func (d *Dispatcher) dial(ctx context.Context, address registry.ShardAddress) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dctx, "tcp", address.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address.String(), err)
	}
	if deadline, ok := dctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// splitPayload divides payload into exactly n chunks of ceil(len/n) bytes
// each, the last possibly shorter (or empty, if payload is empty — a
// zero-length STORE is explicitly allowed).
func splitPayload(payload []byte, n int) [][]byte {
	chunks := make([][]byte, n)
	if n == 0 {
		return chunks
	}

	chunkSize := (len(payload) + n - 1) / n
	if chunkSize == 0 {
		for i := range chunks {
			chunks[i] = []byte{}
		}
		return chunks
	}

	for i := 0; i < n; i++ {
		start := i * chunkSize
		if start > len(payload) {
			start = len(payload)
		}
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks[i] = payload[start:end]
	}
	return chunks
}

func joinChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
