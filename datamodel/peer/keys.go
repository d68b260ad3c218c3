package peer

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/cloudflare/circl/dh/x25519"
)

// KeyPair is a device identity used to recognise notification beacons.
type KeyPair struct {
	Public x25519.Key
	Secret x25519.Key
}

func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Secret[:]); err != nil {
		return nil, err
	}
	x25519.KeyGen(&kp.Public, &kp.Secret)
	return kp, nil
}

// KeyPairFromSecret derives the public half from an existing secret.
func KeyPairFromSecret(secret x25519.Key) *KeyPair {
	kp := &KeyPair{Secret: secret}
	x25519.KeyGen(&kp.Public, &kp.Secret)
	return kp
}

// KeyID is a short printable form of a public key for logs.
func KeyID(k *x25519.Key) string {
	return base64.RawURLEncoding.EncodeToString(k[:8])
}
