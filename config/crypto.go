package config

import (
	"encoding/json"
	"fmt"

	"thali/datamodel/peer"

	"github.com/cloudflare/circl/dh/x25519"
)

// Wrapper for x25519.Key to support JSON Marshal and Unmarshal transparently

type PrivKey struct {
	key   x25519.Key
	valid bool
}

func GeneratePrivKey() (PrivKey, error) {
	kp, err := peer.GenerateKeyPair()
	if err != nil {
		return PrivKey{}, err
	}
	return PrivKey{key: kp.Secret, valid: true}, nil
}

func (c PrivKey) MarshalJSON() ([]byte, error) {
	if !c.valid {
		return json.Marshal(nil)
	}
	return json.Marshal(c.key[:])
}

func (c *PrivKey) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}

	// Valid case: no key defined
	if len(b) == 0 {
		*c = PrivKey{}
		return nil
	}

	if len(b) != x25519.Size {
		return fmt.Errorf("config: private key must be %d bytes, got %d", x25519.Size, len(b))
	}

	copy(c.key[:], b)
	c.valid = true
	return nil
}

func (c *PrivKey) Valid() bool {
	return c.valid
}

// KeyPair derives the node's key pair. It must only be called on a valid key.
func (c *PrivKey) KeyPair() *peer.KeyPair {
	return peer.KeyPairFromSecret(c.key)
}
