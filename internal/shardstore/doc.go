// Package shardstore implements the on-disk, content-addressed chunk store
// that backs a single shard node. It is the generalization of the teacher
// module's in-memory key/value Store into a byte-addressed, filesystem
// backed store keyed by (digest, chunk index) instead of an arbitrary
// string key.
//
// # Layout
//
// For digest hex d = d0 d1 d2 d3 ..., chunk i is stored at:
//
//	<base>/d0d1/d2d3/<full-hex>/<i:08x>
//
// Two levels of 256-way fan-out bound directory size; the 8-hex-digit index
// filename sorts lexicographically by chunk index. A chunk file's content
// is exactly the stored bytes — no framing or header is ever written to
// disk.
package shardstore
