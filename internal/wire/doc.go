// Package wire implements the sharder binary protocol spoken between the
// hub and each shard over a plain TCP connection. One request per
// connection, no pipelining: read request, write response, close.
//
// # Layout
//
// All multi-byte integers are big-endian. The first byte of every request
// is an Opcode.
//
//	STORE    (0x01): opcode · u32 chunk_index · u16 hmac_len · u32 data_len · hmac_len bytes digest · data_len bytes chunk
//	                 -> 0x01 on success; no response on a short/incomplete payload read
//	RETRIEVE (0x02): opcode · u32 chunk_index · u16 hmac_len · hmac_len bytes digest
//	                 -> hit:  0x01 · u32 chunk_len · chunk_len bytes
//	                 -> miss: 0x00
//	DELETE   (0x03): opcode · u16 hmac_len · hmac_len bytes digest
//	                 -> 0x01 if something was removed, 0x00 otherwise
//	PING     (0x04): opcode
//	                 -> u32 total bytes held (no leading status byte)
//
// hmac_len is carried on the wire rather than assumed; in practice it is
// always 32 (digest.Size) but servers read the length field rather than
// hardcoding it.
package wire
