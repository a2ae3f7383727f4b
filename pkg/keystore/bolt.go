package keystore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	metaBucket = []byte("meta")
	keysBucket = []byte("keys")

	metaSaltKey   = []byte("salt")
	metaParamsKey = []byte("kdf")
	metaCheckKey  = []byte("check")

	checkPlaintext = []byte("meshsec keystore v1")
)

const saltSize = 32

// KDFParams are the Argon2id parameters used to derive the master key.
type KDFParams struct {
	Memory  uint32 `cbor:"1,keyasint"` // KiB
	Time    uint32 `cbor:"2,keyasint"`
	Threads uint8  `cbor:"3,keyasint"`
	KeyLen  uint32 `cbor:"4,keyasint"`
}

// DefaultKDFParams returns 64 MiB, 3 passes, 4 lanes, 32-byte output.
func DefaultKDFParams() KDFParams {
	return KDFParams{Memory: 64 * 1024, Time: 3, Threads: 4, KeyLen: chacha20poly1305.KeySize}
}

// BoltOptions configures OpenBolt.
type BoltOptions struct {
	// KDF is used only when the database is created. Existing databases
	// keep the parameters they were created with.
	KDF KDFParams

	// Timeout for acquiring the database file lock.
	Timeout time.Duration
}

// sealedEntry is the on-disk form of a key.
type sealedEntry struct {
	Type        KeyType `cbor:"1,keyasint"`
	Description string  `cbor:"2,keyasint,omitempty"`
	Version     uint32  `cbor:"3,keyasint"`
	CreatedAt   int64   `cbor:"4,keyasint"`
	Nonce       []byte  `cbor:"5,keyasint"`
	Ciphertext  []byte  `cbor:"6,keyasint"`
}

// BoltStore is a passphrase-protected Store backed by bbolt.
type BoltStore struct {
	db *bolt.DB

	mu        sync.RWMutex
	masterKey []byte
	stats     Stats
}

// OpenBolt opens or creates an encrypted keystore at path. A wrong
// passphrase for an existing store returns ErrWrongPassphrase.
func OpenBolt(path string, passphrase []byte, opts BoltOptions) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("keystore path required")
	}
	if opts.KDF.KeyLen == 0 {
		opts.KDF = DefaultKDFParams()
	}
	if opts.KDF.KeyLen != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("keystore: unsupported key length %d", opts.KDF.KeyLen)
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keystore: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("keystore: open: %w", err)
	}

	var master []byte
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(keysBucket); err != nil {
			return err
		}

		if salt := meta.Get(metaSaltKey); salt != nil {
			var params KDFParams
			if err := cbor.Unmarshal(meta.Get(metaParamsKey), &params); err != nil {
				return fmt.Errorf("%w: kdf params: %v", ErrCorrupt, err)
			}
			master = deriveMaster(passphrase, salt, params)
			if _, err := open(master, meta.Get(metaCheckKey), metaCheckKey); err != nil {
				return ErrWrongPassphrase
			}
			return nil
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		params, err := cbor.Marshal(opts.KDF)
		if err != nil {
			return err
		}
		master = deriveMaster(passphrase, salt, opts.KDF)
		check, err := seal(master, checkPlaintext, metaCheckKey)
		if err != nil {
			return err
		}
		if err := meta.Put(metaSaltKey, salt); err != nil {
			return err
		}
		if err := meta.Put(metaParamsKey, params); err != nil {
			return err
		}
		return meta.Put(metaCheckKey, check)
	})
	if err != nil {
		Zero(master)
		db.Close()
		if errors.Is(err, ErrWrongPassphrase) {
			return nil, err
		}
		return nil, fmt.Errorf("keystore: init: %w", err)
	}

	return &BoltStore{db: db, masterKey: master}, nil
}

func deriveMaster(passphrase, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// seal returns nonce||ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCorrupt
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, aad)
}

// StoreKey implements Keystore. The alias is bound to the ciphertext as
// associated data, so entries cannot be swapped between aliases on disk.
func (s *BoltStore) StoreKey(alias string, key []byte, keyType KeyType, description string) error {
	if err := checkStore(alias, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterKey == nil {
		return ErrLocked
	}

	sealed, err := seal(s.masterKey, key, []byte(alias))
	if err != nil {
		return fmt.Errorf("keystore: seal %q: %w", alias, err)
	}
	n := chacha20poly1305.NonceSizeX

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		version := uint32(1)
		if old := b.Get([]byte(alias)); old != nil {
			var prev sealedEntry
			if err := cbor.Unmarshal(old, &prev); err == nil {
				version = prev.Version + 1
			}
		}
		data, err := cbor.Marshal(sealedEntry{
			Type:        keyType,
			Description: description,
			Version:     version,
			CreatedAt:   time.Now().Unix(),
			Nonce:       sealed[:n],
			Ciphertext:  sealed[n:],
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(alias), data)
	})
	if err != nil {
		return fmt.Errorf("keystore: store %q: %w", alias, err)
	}
	s.stats.KeysStored++
	return nil
}

// RetrieveKey implements Keystore.
func (s *BoltStore) RetrieveKey(alias string) ([]byte, error) {
	if alias == "" {
		return nil, ErrAliasEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterKey == nil {
		return nil, ErrLocked
	}

	var e sealedEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(keysBucket).Get([]byte(alias))
		if data == nil {
			return ErrKeyNotFound
		}
		if err := cbor.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			s.stats.Misses++
		}
		return nil, err
	}

	key, err := open(s.masterKey, append(bytes.Clone(e.Nonce), e.Ciphertext...), []byte(alias))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrCorrupt, alias)
	}
	s.stats.KeysRetrieved++
	return key, nil
}

// ListKeys implements Store.
func (s *BoltStore) ListKeys() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.masterKey == nil {
		return nil, ErrLocked
	}

	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).ForEach(func(k, v []byte) error {
			var e sealedEntry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("%w: %q: %v", ErrCorrupt, k, err)
			}
			out = append(out, Entry{
				Alias:       string(k),
				Type:        e.Type,
				Description: e.Description,
				Version:     e.Version,
				CreatedAt:   time.Unix(e.CreatedAt, 0),
			})
			return nil
		})
	})
	return out, err
}

// DeleteKey implements Store.
func (s *BoltStore) DeleteKey(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterKey == nil {
		return ErrLocked
	}

	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(keysBucket)
		if b.Get([]byte(alias)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(alias))
	})
	if err == nil && deleted {
		s.stats.KeysDeleted++
	}
	return err
}

// Close wipes the master key and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterKey == nil {
		return nil
	}
	Zero(s.masterKey)
	s.masterKey = nil
	return s.db.Close()
}

// Stats returns operation counters.
func (s *BoltStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
