// Package shardsrv implements the shard-side half of the wire protocol: a
// TCP listener that accepts one connection per request, dispatches on the
// opcode, and serves it from an internal/shardstore.Store.
//
// Grounded on original_source/shard/shard.py's Shard class: a blocking
// accept loop spawning one handler per connection, reading a fixed header
// before branching on the opcode byte. The supervised-goroutine
// Start/Stop/WaitGroup shape mirrors the teacher's health monitor pattern
// (internal/coordinator/health_monitor.go) rather than the Python original,
// which has no equivalent lifecycle management.
package shardsrv

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hikariatama/sharder/internal/shardstore"
	"github.com/hikariatama/sharder/internal/wire"
)

// Stats tracks per-opcode request counts, updated atomically so reporting
// never contends with the connection-handling goroutines.
type Stats struct {
	Stores    uint64
	Retrieves uint64
	Deletes   uint64
	Pings     uint64
}

// Server accepts shard wire-protocol connections and serves them from a
// single Store. A Server owns its listener and must not be reused after
// Close.
//
// Thread Safety: Serve may be called from one goroutine only; Stats() and
// Close() are safe to call concurrently with Serve from other goroutines.
type Server struct {
	store    *shardstore.Store
	listener net.Listener
	logger   *log.Logger

	wg sync.WaitGroup

	stores    atomic.Uint64
	retrieves atomic.Uint64
	deletes   atomic.Uint64
	pings     atomic.Uint64
}

// New wraps an already-bound listener around store. Callers typically
// obtain listener via net.Listen("tcp", addr).
func New(store *shardstore.Store, listener net.Listener, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{store: store, listener: listener, logger: logger}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is canceled or the listener is
// closed. It blocks; call it from its own goroutine. Every accepted
// connection is handled in its own goroutine and serves exactly one
// request before closing, matching the protocol's one-request-per-connection
// contract.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight requests
// to finish being handled.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// Stats returns a snapshot of per-opcode request counts.
func (s *Server) Stats() Stats {
	return Stats{
		Stores:    s.stores.Load(),
		Retrieves: s.retrieves.Load(),
		Deletes:   s.deletes.Load(),
		Pings:     s.pings.Load(),
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var opcode [1]byte
	if _, err := io.ReadFull(conn, opcode[:]); err != nil {
		return
	}

	switch wire.Opcode(opcode[0]) {
	case wire.OpStore:
		s.stores.Add(1)
		s.handleStore(conn)
	case wire.OpRetrieve:
		s.retrieves.Add(1)
		s.handleRetrieve(conn)
	case wire.OpDelete:
		s.deletes.Add(1)
		s.handleDelete(conn)
	case wire.OpPing:
		s.pings.Add(1)
		s.handlePing(conn)
	default:
		s.logger.Printf("shardsrv: unknown opcode 0x%02x from %s", opcode[0], conn.RemoteAddr())
	}
}

// handleStore mirrors _handle_store: a short read on the chunk body is
// treated as an abandoned request and gets no response at all, rather than
// an error reply — the peer is expected to retry against another shard.
func (s *Server) handleStore(conn net.Conn) {
	hdr, err := wire.DecodeStoreHeader(conn)
	if err != nil {
		return
	}
	digest, err := wire.ReadDigest(conn, hdr.DigestLen)
	if err != nil {
		return
	}

	chunk := make([]byte, hdr.DataLen)
	if _, err := io.ReadFull(conn, chunk); err != nil {
		return
	}

	if err := s.store.Save(hex.EncodeToString(digest), hdr.ChunkIndex, chunk); err != nil {
		s.logger.Printf("shardsrv: save chunk %d: %v", hdr.ChunkIndex, err)
		return
	}

	conn.Write([]byte{wire.StatusOK})
}

func (s *Server) handleRetrieve(conn net.Conn) {
	hdr, err := wire.DecodeRetrieveHeader(conn)
	if err != nil {
		return
	}
	digest, err := wire.ReadDigest(conn, hdr.DigestLen)
	if err != nil {
		return
	}

	chunk, err := s.store.Load(hex.EncodeToString(digest), hdr.ChunkIndex)
	if errors.Is(err, shardstore.ErrChunkNotFound) {
		conn.Write([]byte{wire.StatusMiss})
		return
	}
	if err != nil {
		s.logger.Printf("shardsrv: load chunk %d: %v", hdr.ChunkIndex, err)
		conn.Write([]byte{wire.StatusMiss})
		return
	}

	conn.Write(wire.EncodeRetrieveHit(uint32(len(chunk))))
	conn.Write(chunk)
}

func (s *Server) handleDelete(conn net.Conn) {
	hdr, err := wire.DecodeDeleteHeader(conn)
	if err != nil {
		return
	}
	digest, err := wire.ReadDigest(conn, hdr.DigestLen)
	if err != nil {
		return
	}

	removed, err := s.store.Destroy(hex.EncodeToString(digest))
	if err != nil {
		s.logger.Printf("shardsrv: destroy: %v", err)
		conn.Write([]byte{wire.StatusMiss})
		return
	}
	if removed {
		conn.Write([]byte{wire.StatusOK})
	} else {
		conn.Write([]byte{wire.StatusMiss})
	}
}

func (s *Server) handlePing(conn net.Conn) {
	conn.Write(wire.EncodePong(s.store.Size()))
}
