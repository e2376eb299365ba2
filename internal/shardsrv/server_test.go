package shardsrv

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hikariatama/sharder/internal/shardstore"
	"github.com/hikariatama/sharder/internal/wire"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	store, err := shardstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("shardstore.Open: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	srv := New(store, ln, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestStoreThenRetrieve(t *testing.T) {
	_, addr := startTestServer(t)
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	chunk := []byte("payload bytes")

	conn := dial(t, addr)
	if _, err := conn.Write(wire.EncodeStoreRequest(0, digest, chunk)); err != nil {
		t.Fatalf("write STORE: %v", err)
	}
	ack := make([]byte, 1)
	if _, err := conn.Read(ack); err != nil {
		t.Fatalf("read STORE ack: %v", err)
	}
	if ack[0] != wire.StatusOK {
		t.Fatalf("STORE ack = 0x%02x, want StatusOK", ack[0])
	}
	conn.Close()

	conn = dial(t, addr)
	if _, err := conn.Write(wire.EncodeRetrieveRequest(0, digest)); err != nil {
		t.Fatalf("write RETRIEVE: %v", err)
	}
	status := make([]byte, 1)
	if _, err := conn.Read(status); err != nil {
		t.Fatalf("read RETRIEVE status: %v", err)
	}
	if status[0] != wire.StatusOK {
		t.Fatalf("RETRIEVE status = 0x%02x, want StatusOK", status[0])
	}
	lenBuf := make([]byte, 4)
	readFull(t, conn, lenBuf)
	length := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if length != len(chunk) {
		t.Fatalf("reported length = %d, want %d", length, len(chunk))
	}
	body := make([]byte, length)
	readFull(t, conn, body)
	if string(body) != string(chunk) {
		t.Fatalf("retrieved %q, want %q", body, chunk)
	}
}

func TestRetrieveMissReturnsStatusMiss(t *testing.T) {
	_, addr := startTestServer(t)
	digest := make([]byte, 32)

	conn := dial(t, addr)
	conn.Write(wire.EncodeRetrieveRequest(9, digest))
	status := make([]byte, 1)
	readFull(t, conn, status)
	if status[0] != wire.StatusMiss {
		t.Fatalf("status = 0x%02x, want StatusMiss", status[0])
	}
}

func TestDeleteRemovesStoredChunk(t *testing.T) {
	_, addr := startTestServer(t)
	digest := make([]byte, 32)
	digest[0] = 0x42

	conn := dial(t, addr)
	conn.Write(wire.EncodeStoreRequest(0, digest, []byte("x")))
	ack := make([]byte, 1)
	readFull(t, conn, ack)
	conn.Close()

	conn = dial(t, addr)
	conn.Write(wire.EncodeDeleteRequest(digest))
	status := make([]byte, 1)
	readFull(t, conn, status)
	if status[0] != wire.StatusOK {
		t.Fatalf("DELETE status = 0x%02x, want StatusOK", status[0])
	}
	conn.Close()

	conn = dial(t, addr)
	conn.Write(wire.EncodeDeleteRequest(digest))
	readFull(t, conn, status)
	if status[0] != wire.StatusMiss {
		t.Fatalf("second DELETE status = 0x%02x, want StatusMiss", status[0])
	}
}

func TestPingReportsStoredBytes(t *testing.T) {
	_, addr := startTestServer(t)
	digest := make([]byte, 32)
	digest[0] = 0x07

	conn := dial(t, addr)
	conn.Write(wire.EncodeStoreRequest(0, digest, []byte("12345")))
	ack := make([]byte, 1)
	readFull(t, conn, ack)
	conn.Close()

	conn = dial(t, addr)
	conn.Write(wire.EncodePingRequest())
	resp := make([]byte, 4)
	readFull(t, conn, resp)
	size, err := wire.DecodePong(resp)
	if err != nil {
		t.Fatalf("DecodePong: %v", err)
	}
	if size != 5 {
		t.Fatalf("PING reported %d bytes, want 5", size)
	}
}

func TestStoreShortBodyGetsNoResponse(t *testing.T) {
	_, addr := startTestServer(t)
	digest := make([]byte, 32)

	conn := dial(t, addr)
	// Claim a 100-byte chunk but send only a handful of bytes, then close
	// the write side so the server sees the body end early.
	req := wire.EncodeStoreRequest(0, digest, make([]byte, 100))
	conn.Write(req[:len(req)-90])
	conn.(*net.TCPConn).CloseWrite()

	// The server must close the connection without writing an ack.
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); n != 0 || err == nil {
		t.Fatalf("short STORE got a response: n=%d err=%v", n, err)
	}
	conn.Close()

	// The next connection must still be served normally.
	conn2 := dial(t, addr)
	conn2.Write(wire.EncodePingRequest())
	resp := make([]byte, 4)
	readFull(t, conn2, resp)
}

func readFull(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		read += n
	}
}
