package shardstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrChunkNotFound is returned by Load when no chunk exists for the given
// digest and index.
var ErrChunkNotFound = errors.New("shardstore: chunk not found")

// Store is the filesystem-backed, content-addressed chunk store that one
// shard process owns. It tracks the total number of bytes it holds so a
// PING response can report it without walking the tree on every call.
//
// Thread Safety: Store is safe for concurrent use. Reads and writes to
// distinct chunks proceed independently at the filesystem level; the
// cached size counter is protected by an internal mutex.
type Store struct {
	base string

	mu   sync.RWMutex
	size int64
}

// Open roots a Store at base, creating the directory if necessary, and
// computes its initial size by walking any chunks already on disk. This
// mirrors the original shard process recomputing its size once at startup
// rather than trusting a separately persisted counter.
func Open(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("shardstore: create base dir: %w", err)
	}

	s := &Store{base: base}
	size, err := s.walkSize()
	if err != nil {
		return nil, fmt.Errorf("shardstore: compute initial size: %w", err)
	}
	s.size = size
	return s, nil
}

// Save persists chunk under (digestHex, chunkIndex), creating the
// two-level fan-out directory as needed. The write goes to a temp file in
// the same directory and is renamed into place so a reader never observes
// a partially written chunk.
//
// Save recomputes the store's total size from disk after writing, the way
// the original implementation does, rather than adding len(chunk) to a
// running counter — this keeps the counter correct even if a chunk at the
// same path is overwritten with a different length.
func (s *Store) Save(digestHex string, chunkIndex uint32, chunk []byte) error {
	dir, err := s.chunkDir(digestHex)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("shardstore: create chunk dir: %w", err)
	}

	target := filepath.Join(dir, chunkFilename(chunkIndex))

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("shardstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(chunk); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("shardstore: write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("shardstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("shardstore: rename into place: %w", err)
	}

	size, err := s.walkSize()
	if err != nil {
		return fmt.Errorf("shardstore: recompute size: %w", err)
	}
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()

	return nil
}

// Load reads back a previously saved chunk. It returns ErrChunkNotFound,
// never a bare os.ErrNotExist, so callers can branch on it without knowing
// about the filesystem layout.
func (s *Store) Load(digestHex string, chunkIndex uint32) ([]byte, error) {
	dir, err := s.chunkDir(digestHex)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, chunkFilename(chunkIndex)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("shardstore: read chunk: %w", err)
	}
	return data, nil
}

// Destroy removes every chunk stored under digestHex and prunes the now
// empty fan-out directories back up toward (but not including) the store's
// base directory. It reports whether anything was actually removed.
func (s *Store) Destroy(digestHex string) (bool, error) {
	dir, err := s.chunkDir(digestHex)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("shardstore: stat digest dir: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("shardstore: remove digest dir: %w", err)
	}
	s.pruneEmptyAncestors(filepath.Dir(dir))

	size, err := s.walkSize()
	if err != nil {
		return true, fmt.Errorf("shardstore: recompute size: %w", err)
	}
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()

	return true, nil
}

// Size reports the total number of bytes held across every stored chunk,
// as last computed by Open, Save, or Destroy.
func (s *Store) Size() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(s.size)
}

// chunkDir returns <base>/d0d1/d2d3/<digestHex>, rejecting digests too
// short to fan out on.
func (s *Store) chunkDir(digestHex string) (string, error) {
	if len(digestHex) < 4 {
		return "", fmt.Errorf("shardstore: digest %q too short to address", digestHex)
	}
	return filepath.Join(s.base, digestHex[0:2], digestHex[2:4], digestHex), nil
}

// pruneEmptyAncestors removes dir and walks upward removing now-empty
// parents, stopping at (and never removing) the store's base directory.
func (s *Store) pruneEmptyAncestors(dir string) {
	for {
		if dir == s.base || dir == "." || dir == string(filepath.Separator) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// walkSize recomputes total stored bytes by walking the entire base
// directory. This is the same brute-force recompute-on-every-write
// strategy the original shard process uses; a shard's on-disk footprint is
// bounded enough in practice that per-write walks stay cheap.
func (s *Store) walkSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// chunkFilename renders a chunk index as an 8-hex-digit filename, e.g. 3 ->
// "00000003", matching the original layout so index order sorts
// lexicographically.
func chunkFilename(chunkIndex uint32) string {
	return fmt.Sprintf("%08x", chunkIndex)
}
