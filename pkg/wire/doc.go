// Package wire defines the packet formats exchanged between peers.
//
// Packets are a single type byte followed by a CBOR (RFC 8949) body with
// integer keys:
//
//   - 0x01 Handshake: sent once per direction to establish a session
//   - 0x02 Frame: an encrypted, authenticated unit of session traffic
//
// Every Frame carries a fixed binary Header that is used as the AEAD
// associated data and as the HMAC input prefix, so none of the routing
// fields can be altered in transit without detection.
//
// # CBOR Integer Keys
//
// All maps use integer keys for compactness on small-MTU links. Encoding is
// deterministic (canonical key order) and decoding rejects duplicate keys.
package wire
