package shardstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	base := t.TempDir()
	s, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	digest := "aabbccdd00112233445566778899aabbccddeeff0011223344556677889900"
	chunk := []byte("hello chunk")

	if err := s.Save(digest, 0, chunk); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(digest, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(chunk) {
		t.Errorf("Load returned %q, want %q", got, chunk)
	}

	if got := s.Size(); got != uint32(len(chunk)) {
		t.Errorf("Size() = %d, want %d", got, len(chunk))
	}
}

func TestLoadMissingReturnsErrChunkNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = s.Load("aabbccdd00112233445566778899aabbccddeeff0011223344556677889900", 0)
	if !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("Load on missing chunk = %v, want ErrChunkNotFound", err)
	}
}

func TestSaveFanOutLayout(t *testing.T) {
	base := t.TempDir()
	s, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	digest := "ab12ef34" + "00112233445566778899aabbccddeeff0011223344556677889900112233"
	if err := s.Save(digest, 5, []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	want := filepath.Join(base, digest[0:2], digest[2:4], digest, "00000005")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected chunk file at %s: %v", want, err)
	}
}

func TestDestroyRemovesChunksAndPrunesDirs(t *testing.T) {
	base := t.TempDir()
	s, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	digest := "ffeeddccbbaa99887766554433221100ffeeddccbbaa998877665544332211"
	if err := s.Save(digest, 0, []byte("a")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(digest, 1, []byte("bb")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := s.Destroy(digest)
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !removed {
		t.Fatal("Destroy reported nothing removed")
	}

	if _, err := s.Load(digest, 0); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("chunk 0 still loadable after Destroy: %v", err)
	}

	digestDir := filepath.Join(base, digest[0:2], digest[2:4], digest)
	if _, err := os.Stat(digestDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("digest directory still present after Destroy")
	}

	fanoutDir := filepath.Join(base, digest[0:2], digest[2:4])
	if _, err := os.Stat(fanoutDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("empty fan-out directory was not pruned")
	}

	if got := s.Size(); got != 0 {
		t.Errorf("Size() after Destroy = %d, want 0", got)
	}
}

func TestDestroyMissingDigestIsNoop(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	removed, err := s.Destroy("0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if removed {
		t.Error("Destroy reported removal for a digest that was never stored")
	}
}

func TestOpenRecomputesSizeFromExistingFiles(t *testing.T) {
	base := t.TempDir()

	s, err := Open(base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	digest := "1122334455667788990011223344556677889900112233445566778899aabb"
	if err := s.Save(digest, 0, []byte("12345")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := Open(base)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Size(); got != 5 {
		t.Errorf("reopened Size() = %d, want 5", got)
	}
}

func TestSaveOverwriteRecomputesSizeExactly(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	digest := "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"[:64]
	if err := s.Save(digest, 0, []byte("short")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(digest, 0, []byte("a much longer replacement")); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}

	if got, want := s.Size(), uint32(len("a much longer replacement")); got != want {
		t.Errorf("Size() after overwrite = %d, want %d", got, want)
	}
}
