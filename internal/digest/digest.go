// Package digest computes and parses the content identifier used throughout
// the sharder: a keyed HMAC-SHA-256 over a whole payload. The digest is both
// the thing a client asks for back (the "file id" at the storage layer) and
// the integrity witness shards are trusted, not proven, to honor.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Size is the length in bytes of a digest (HMAC-SHA-256 output).
const Size = sha256.Size

// ErrInvalidLength is returned by FromHex when the decoded bytes are not
// exactly Size long.
var ErrInvalidLength = errors.New("digest: decoded value is not 32 bytes")

// Compute returns HMAC-SHA-256(key, payload). The key is the process-wide
// secret loaded from HMAC_SECRET at startup; payload is the entire blob
// being stored, not a single chunk.
func Compute(key, payload []byte) [Size]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)

	var out [Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Hex renders a digest as lowercase hex, the textual form used on the HTTP
// boundary and as the shard-side directory/file naming key.
func Hex(d [Size]byte) string {
	return hex.EncodeToString(d[:])
}

// FromHex parses the textual form back into raw bytes. It rejects anything
// that doesn't decode to exactly Size bytes so callers never silently index
// into a short slice.
func FromHex(s string) ([Size]byte, error) {
	var out [Size]byte

	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != Size {
		return out, ErrInvalidLength
	}

	copy(out[:], raw)
	return out, nil
}
