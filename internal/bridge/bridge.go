// Package bridge implements the HTTP/WebSocket surface that fronts the
// hub: file upload/download/delete, shard self-registration, and a
// streaming view of shard health. It is the Go counterpart of
// original_source/server/server.py's FastAPI app, structurally adapted
// from the teacher's cmd/coordinator/main.go server/handler shape (a
// plain http.ServeMux bound to methods on a small server struct).
//
// Only the coupling points to the core (dispatcher, registry, catalog) are
// load-bearing; the HTTP contract itself is deliberately thin, the way the
// original spec describes this boundary.
package bridge

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hikariatama/sharder/internal/catalog"
	"github.com/hikariatama/sharder/internal/dispatcher"
	"github.com/hikariatama/sharder/internal/registry"
)

// maxUploadBytes caps a single multipart upload body, guarding against a
// client trying to exhaust hub memory with one request.
const maxUploadBytes = 256 << 20 // 256 MiB

// ownerHeader carries the trusted user id an upstream authenticating proxy
// is assumed to set on every request (spec §1: "a trusted UserId is
// assumed at the core boundary"). The bridge never authenticates this
// value itself, only uses it for catalog ownership bookkeeping.
const ownerHeader = "X-User-Id"

// Bridge holds the dependencies every handler needs. It has no mutable
// state of its own: Dispatcher, Registry and Catalog already protect
// themselves.
type Bridge struct {
	Dispatcher    *dispatcher.Dispatcher
	Registry      *registry.Registry
	Catalog       *catalog.Catalog
	ConnectSecret string
	Logger        *log.Logger
}

// Routes registers every handler on mux.
func (b *Bridge) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/upload", b.handleUpload)
	mux.HandleFunc("/api/files", b.handleListFiles)
	mux.HandleFunc("/api/files/", b.handleFile)
	mux.HandleFunc("/api/connect/", b.handleConnect)
	mux.HandleFunc("/api/shards", b.handleShardsWS)
}

func (b *Bridge) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
	}
}

// uploadResponse is returned by a successful POST /api/upload, matching
// the original's {"ulid": ...} shape.
type uploadResponse struct {
	ULID string `json:"ulid"`
}

func (b *Bridge) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("parse upload: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload body", http.StatusInternalServerError)
		return
	}

	result, err := b.Dispatcher.Store(r.Context(), data)
	if err != nil {
		b.logf("bridge: store upload %q: %v", header.Filename, err)
		http.Error(w, "failed to store upload", http.StatusBadGateway)
		return
	}
	for _, warning := range result.Warnings {
		b.logf("bridge: %s", warning)
	}

	digestHex := hex.EncodeToString(result.Digest[:])
	rec := b.Catalog.Insert(header.Filename, int64(len(data)), digestHex, r.Header.Get(ownerHeader))

	writeJSON(w, http.StatusOK, uploadResponse{ULID: rec.ID})
}

type fileResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Digest    string    `json:"hmac"`
	CreatedAt time.Time `json:"created_at"`
}

func toFileResponse(rec catalog.Record) fileResponse {
	return fileResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		Size:      rec.Size,
		Digest:    rec.Digest,
		CreatedAt: rec.CreatedAt,
	}
}

func (b *Bridge) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := b.Catalog.List()
	out := make([]fileResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toFileResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Bridge) handleFile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		b.handleFileGet(w, r, id)
	case http.MethodDelete:
		b.handleFileDelete(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFileGet preserves a quirk of the original server: a missing file
// id returns HTTP 200 with the literal text body "File not found" instead
// of a 404, because the original implementation returns that string
// directly from the handler rather than raising an HTTP exception. A
// client that only checks 2xx/non-2xx, rather than inspecting the body,
// will misread a miss as a hit.
//
// Ownership has no counterpart in original_source (it predates the
// trusted-UserId boundary spec §1 assumes), so a mismatch is reported as
// a plain 403 rather than folded into the "File not found" quirk — a
// wrong owner is a different condition than a record that never existed.
func (b *Bridge) handleFileGet(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := b.Catalog.Get(id)
	if errors.Is(err, catalog.ErrNotFound) {
		w.Write([]byte("File not found"))
		return
	}
	if owner := r.Header.Get(ownerHeader); owner != "" && owner != rec.Owner {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	payload, err := b.Dispatcher.Reconstruct(r.Context(), rec.Digest, dispatcher.ReconstructOptions{})
	if err != nil {
		b.logf("bridge: reconstruct %s (%s): %v", id, rec.Digest, err)
		http.Error(w, "failed to reconstruct file", http.StatusBadGateway)
		return
	}

	contentType := http.DetectContentType(payload)
	w.Header().Set("Content-Type", contentType)
	w.Write(payload)
}

func (b *Bridge) handleFileDelete(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := b.Catalog.Delete(id)
	if errors.Is(err, catalog.ErrNotFound) {
		http.NotFound(w, r)
		return
	}

	if b.Catalog.CountByDigest(rec.Digest) == 0 {
		b.Dispatcher.Destroy(r.Context(), rec.Digest)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	secret := strings.TrimPrefix(r.URL.Path, "/api/connect/")
	if secret != b.ConnectSecret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" || req.Port == 0 {
		http.Error(w, "invalid connect request", http.StatusBadRequest)
		return
	}
	address := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))

	if err := b.Registry.Register(address); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b.logf("bridge: shard connected from %s", address)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
