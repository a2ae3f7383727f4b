package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/sha3"
)

const powPrefix = "meshsec:pow:v1|"

// Proof-of-work age bounds.
const (
	MaxPowAge        = 24 * time.Hour
	MaxPowFutureSkew = time.Hour
)

// Proof-of-work errors.
var (
	ErrPowInsufficient = errors.New("proof of work below required difficulty")
	ErrPowExpired      = errors.New("proof of work expired")
	ErrPowFuture       = errors.New("proof of work timestamp in the future")
	ErrPowExhausted    = errors.New("proof of work search exhausted")
)

func powDigest(id PeerID, nonce uint64, timestamp int64) [32]byte {
	buf := make([]byte, 0, len(powPrefix)+PeerIDSize+16)
	buf = append(buf, powPrefix...)
	buf = append(buf, id[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(timestamp))
	return sha3.Sum256(buf)
}

func hasLeadingZeroBits(digest []byte, bits uint8) bool {
	full := int(bits / 8)
	rem := int(bits % 8)
	if full > len(digest) || (full == len(digest) && rem > 0) {
		return false
	}
	for i := 0; i < full; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return digest[full]&mask == 0
}

// CheckPow reports whether nonce solves the puzzle for id and timestamp at
// the given difficulty (leading zero bits).
func CheckPow(id PeerID, nonce uint64, timestamp int64, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	d := powDigest(id, nonce, timestamp)
	return hasLeadingZeroBits(d[:], difficulty)
}

// SolvePow searches for a nonce that satisfies difficulty.
func SolvePow(id PeerID, timestamp int64, difficulty uint8) (uint64, error) {
	for nonce := uint64(0); nonce < math.MaxUint64; nonce++ {
		if CheckPow(id, nonce, timestamp, difficulty) {
			return nonce, nil
		}
	}
	return 0, ErrPowExhausted
}

// VerifyPow validates a solution against a minimum difficulty and the age
// bounds, relative to now.
func VerifyPow(id PeerID, nonce uint64, timestamp int64, difficulty, minDifficulty uint8, now time.Time) error {
	if difficulty < minDifficulty {
		return fmt.Errorf("%w: %d < %d", ErrPowInsufficient, difficulty, minDifficulty)
	}
	ts := time.Unix(timestamp, 0)
	if now.Sub(ts) > MaxPowAge {
		return ErrPowExpired
	}
	if ts.Sub(now) > MaxPowFutureSkew {
		return ErrPowFuture
	}
	if !CheckPow(id, nonce, timestamp, difficulty) {
		return ErrPowInsufficient
	}
	return nil
}
