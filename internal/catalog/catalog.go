// Package catalog is the hub's file-metadata table: the opaque id, name,
// size, digest and owner a client uploads a blob under, kept separate from
// content-addressed storage itself so multiple uploads can share one
// underlying digest.
//
// Grounded on original_source/server/db/models.py's FileModel (id, name,
// size, hmac, created_at), extended with an Owner field for the ownership
// check the bridge performs on download (spec §1's trusted UserId
// boundary has no counterpart in original_source, which predates it), and
// structurally adapted from the teacher's internal/storage/store.go
// MemoryStore — same RWMutex-guarded map and copy-on-read discipline,
// generalized from a raw []byte value to a structured Record.
package catalog

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record id has no entry in the catalog.
var ErrNotFound = errors.New("catalog: record not found")

// Record is one uploaded file's metadata. Digest is the hex-encoded
// content digest shared by every upload of identical bytes. Owner is the
// trusted user id the upload was made under; the catalog stores it for
// ownership checks at the bridge but never validates it itself — that
// trust boundary is the caller's job.
type Record struct {
	ID        string
	Name      string
	Size      int64
	Digest    string
	Owner     string
	CreatedAt time.Time
}

// Catalog is an in-memory table of Records keyed by id, safe for
// concurrent use.
//
// Thread Safety: all methods may be called concurrently; returned Records
// are copies, never pointers into the catalog's internal state.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]Record
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{records: make(map[string]Record)}
}

// Insert creates a new Record with a freshly generated id and returns it.
func (c *Catalog) Insert(name string, size int64, digestHex, owner string) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Name:      name,
		Size:      size,
		Digest:    digestHex,
		Owner:     owner,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.records[rec.ID] = rec
	c.mu.Unlock()

	return rec
}

// Get returns the Record for id.
func (c *Catalog) Get(id string) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns every Record in the catalog. Order is unspecified.
func (c *Catalog) List() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	return out
}

// Delete removes id's Record and returns it, so the caller can inspect its
// Digest before deciding whether the underlying chunks are now orphaned.
func (c *Catalog) Delete(id string) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	delete(c.records, id)
	return rec, nil
}

// CountByDigest reports how many remaining records reference digestHex.
// The bridge calls this after Delete to decide whether it was the last
// reference to a digest and the underlying chunks should be destroyed too.
func (c *Catalog) CountByDigest(digestHex string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, rec := range c.records {
		if rec.Digest == digestHex {
			count++
		}
	}
	return count
}
