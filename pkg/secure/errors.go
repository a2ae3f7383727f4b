package secure

import "errors"

// Protocol errors.
var (
	ErrMalformedHandshake = errors.New("malformed handshake")
	ErrUnknownCipher      = errors.New("unknown cipher suite")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrInvalidPublicKey   = errors.New("invalid public key")
)

// Security errors. ErrFrameRejected is the only error DecryptAndVerify
// returns for a frame that fails a cryptographic or freshness check.
var (
	ErrFrameRejected        = errors.New("frame rejected")
	ErrIdentityVerification = errors.New("identity verification failed")
	ErrHandshakeReplay      = errors.New("handshake replayed")
)

// Session state errors.
var (
	ErrNoSession          = errors.New("no session with peer")
	ErrNoPendingExchange  = errors.New("no pending key exchange")
	ErrExchangeInProgress = errors.New("key exchange already in progress")
	ErrSequenceExhausted  = errors.New("sequence numbers exhausted, rotate keys")
	ErrNoSender           = errors.New("no frame sender configured")
)

// Resource errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
)

// ErrInvalidConfig is wrapped by Config.Validate failures.
var ErrInvalidConfig = errors.New("invalid secure config")

// IsSecurityError reports whether err is a security rejection.
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrFrameRejected) ||
		errors.Is(err, ErrIdentityVerification) ||
		errors.Is(err, ErrHandshakeReplay)
}

// RejectReason is the internal cause of a rejected frame.
type RejectReason string

const (
	RejectBadTag       RejectReason = "bad_tag"
	RejectStale        RejectReason = "stale"
	RejectReplay       RejectReason = "replay"
	RejectDecrypt      RejectReason = "decrypt"
	RejectUnknownEpoch RejectReason = "unknown_epoch"
)
