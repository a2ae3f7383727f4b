// Package secure turns an unauthenticated packet link into authenticated,
// encrypted, replay-protected peer sessions.
//
// An Engine owns every piece of session key material on a node. Key
// exchange (kex.go), frame protection (engine.go) and in-band key rotation
// (rotation.go) live in one package so that keys never leave it.
//
// # Session establishment
//
// Each side sends a wire.Handshake carrying a fresh X25519 public key, its
// proposed wire.SessionConfig and an optional identity proof:
//
//	hs, _ := engine.Initiate(peer)       // A: send hs to B
//	reply, _ := engine.HandleHandshake(hs) // B: send reply to A
//	_, _ = engine.HandleHandshake(reply)   // A: session established
//
// Both sides negotiate the same config from the two proposals, derive one
// key set per direction with HKDF-SHA256 and start at epoch 1. When both
// sides initiate at the same time, each side completes on the other's
// handshake and no reply is sent.
//
// # Frames
//
// EncryptAndAuthenticate compresses, fragments and seals a message into
// frames that fit the link MTU. DecryptAndVerify checks, in order, the HMAC
// tag, timestamp freshness, the replay window, the nonce and the AEAD tag.
// Any failure returns ErrFrameRejected. The specific reason is counted in
// Stats and never returned to callers or peers.
//
// # Rotation
//
// RotatePeerKeys moves a session to the next epoch with a REKEY, REKEY_ACK,
// REKEY_CONFIRM exchange carried inside authenticated frames. Control
// messages larger than one frame are fragmented like data. The previous
// epoch stays valid for receiving until RotationGrace has passed.
//
// The initiator switches on REKEY_ACK but cannot know whether its
// REKEY_CONFIRM arrived. It keeps the previous epoch and resends the
// confirmation, from Maintain and whenever old-epoch traffic arrives, until
// the responder is seen on the new epoch. The responder keeps an
// acknowledged epoch for the same bound, RotationGrace plus RekeyTimeout.
package secure
