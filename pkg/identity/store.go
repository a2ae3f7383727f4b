package identity

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"

	"github.com/meshsec/meshsec-go/pkg/keystore"
)

type storedIdentity struct {
	Scheme     string `cbor:"1,keyasint"`
	PrivateKey []byte `cbor:"2,keyasint"`
	Difficulty uint8  `cbor:"3,keyasint"`
}

// Save writes the identity's private key to ks under alias.
func (i *Identity) Save(ks keystore.Keystore, alias string) error {
	priv, err := i.priv.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	defer keystore.Zero(priv)

	data, err := proofEncMode.Marshal(storedIdentity{
		Scheme:     i.SchemeName(),
		PrivateKey: priv,
		Difficulty: i.Difficulty(),
	})
	if err != nil {
		return err
	}
	defer keystore.Zero(data)

	desc := fmt.Sprintf("%s identity %s", i.SchemeName(), i.id.Short())
	return ks.StoreKey(alias, data, keystore.KeyTypeIdentity, desc)
}

// Load reads an identity saved with Save and solves a fresh proof of work.
func Load(ks keystore.Keystore, alias string) (*Identity, error) {
	data, err := ks.RetrieveKey(alias)
	if err != nil {
		return nil, err
	}
	defer keystore.Zero(data)

	var s storedIdentity
	if err := proofDecMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode identity %q: %w", alias, err)
	}
	defer keystore.Zero(s.PrivateKey)

	scheme, err := lookupScheme(s.Scheme)
	if err != nil {
		return nil, err
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(s.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity %q: %w", alias, err)
	}
	pub, ok := priv.Public().(sign.PublicKey)
	if !ok {
		return nil, fmt.Errorf("decode identity %q: %w", alias, ErrUnknownScheme)
	}
	id, err := newIdentity(scheme, pub, priv, s.Difficulty)
	if err != nil {
		return nil, err
	}
	if err := id.refreshPow(); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadOrGenerate loads the identity under alias, or generates and saves a
// new one if none exists.
func LoadOrGenerate(ks keystore.Keystore, alias, schemeName string, difficulty uint8) (*Identity, bool, error) {
	id, err := Load(ks, alias)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, false, err
	}

	id, err = Generate(schemeName, difficulty)
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(ks, alias); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
