// Package fragment splits messages into MTU-sized chunks and reassembles
// them on the receiving side.
//
// Splitting is pure. Reassembly is keyed by (peer, message id) so that
// fragments of concurrent messages may interleave freely. Partial buffers
// expire after a timeout and are bounded globally and per peer; when the
// global bound is reached, a Ranker decides whether a higher-priority peer
// may displace a lower-priority peer's buffer.
//
// Fragmentation is best effort. Expired or displaced messages are counted
// in Stats and never reported to the sender.
package fragment
