package keystore

import (
	"errors"
	"fmt"
	"time"
)

// Keystore errors.
var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrAliasEmpty      = errors.New("alias must not be empty")
	ErrEmptyKey        = errors.New("key must not be empty")
	ErrLocked          = errors.New("keystore is closed")
	ErrWrongPassphrase = errors.New("wrong keystore passphrase")
	ErrCorrupt         = errors.New("keystore entry corrupt")
)

// KeyType classifies stored key material.
type KeyType uint8

const (
	KeyTypeSigningKeypair KeyType = iota + 1
	KeyTypeECDHKeypair
	KeyTypeSymmetric
	KeyTypeHMAC
	KeyTypeSession
	KeyTypeMaster
	KeyTypeIdentity
)

// String returns the key type name.
func (t KeyType) String() string {
	switch t {
	case KeyTypeSigningKeypair:
		return "SIGNING_KEYPAIR"
	case KeyTypeECDHKeypair:
		return "ECDH_KEYPAIR"
	case KeyTypeSymmetric:
		return "SYMMETRIC"
	case KeyTypeHMAC:
		return "HMAC"
	case KeyTypeSession:
		return "SESSION"
	case KeyTypeMaster:
		return "MASTER"
	case KeyTypeIdentity:
		return "IDENTITY"
	default:
		return fmt.Sprintf("KEY_TYPE_%d", t)
	}
}

// Keystore is the storage boundary used by the session layer.
type Keystore interface {
	// StoreKey saves key under alias, replacing any existing entry.
	StoreKey(alias string, key []byte, keyType KeyType, description string) error

	// RetrieveKey returns a copy of the key stored under alias.
	RetrieveKey(alias string) ([]byte, error)
}

// Store is a Keystore with management operations.
type Store interface {
	Keystore

	// ListKeys returns metadata for all entries, sorted by alias.
	ListKeys() ([]Entry, error)

	// DeleteKey removes an entry. Deleting an absent alias is not an error.
	DeleteKey(alias string) error

	// Close releases resources and wipes cached secrets.
	Close() error
}

// Entry describes a stored key without exposing its bytes.
type Entry struct {
	Alias       string
	Type        KeyType
	Description string
	Version     uint32
	CreatedAt   time.Time
}

// Stats holds keystore operation counters.
type Stats struct {
	KeysStored    uint64
	KeysRetrieved uint64
	KeysDeleted   uint64
	Misses        uint64
}

func checkStore(alias string, key []byte) error {
	if alias == "" {
		return ErrAliasEmpty
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
