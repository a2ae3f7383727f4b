// Package keystore stores long-term key material under short aliases.
//
// The session layer only needs two operations, StoreKey and RetrieveKey,
// and treats the storage format as opaque. Two implementations are
// provided:
//
//   - MemoryStore keeps keys in process memory (tests, ephemeral nodes)
//   - BoltStore persists keys in a bbolt database, each entry sealed with
//     XChaCha20-Poly1305 under a master key derived from a passphrase with
//     Argon2id
//
// Key bytes returned by RetrieveKey are always a fresh copy owned by the
// caller.
package keystore
