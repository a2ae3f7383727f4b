// Package identity provides long-term peer identities.
//
// A peer's identity is a signing keypair together with a proof of work
// over its PeerID, which makes minting identities in bulk expensive. The
// PeerID is the SHA3-256 digest of the public key, so it cannot be chosen
// independently of the key.
//
// During a key exchange a peer may attach a Proof: its public key, the
// proof-of-work solution and a signature over the ephemeral key it is
// using. The receiving side turns the proof into a Binding with Bind and
// the session layer only ever asks the binding whether it Verifies.
//
// Signature schemes come from CIRCL. Ed25519 is the default; ML-DSA-65 is
// available for post-quantum deployments at the cost of larger handshakes.
package identity
