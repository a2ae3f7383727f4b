// Package transport provides the physical links that carry encoded
// meshsec packets.
//
// A Link moves opaque packets between peers and reports connections and
// disconnections to a Handler. It provides no security: confidentiality,
// integrity and peer authenticity come from the session layer.
//
// # Implementations
//
//   - PipeEnd: an in-memory pair with optional loss, duplication and
//     reordering, for tests and simulations.
//   - QUICLink: QUIC over UDP. Packets travel as unreliable datagrams;
//     packets larger than the datagram limit fall back to a reliable
//     stream.
//
// # QUIC Link Stack
//
//	┌────────────────────────────────┐
//	│   meshsec packets (CBOR)       │
//	├───────────────┬────────────────┤
//	│  datagrams    │ control stream │
//	│               │ (4B framing)   │
//	├───────────────┴────────────────┤
//	│   QUIC + TLS 1.3 (meshsec/1)   │
//	├────────────────────────────────┤
//	│             UDP                │
//	└────────────────────────────────┘
//
// The dialer opens the control stream and both sides exchange a hello
// frame carrying their PeerID before any packet is delivered.
package transport
