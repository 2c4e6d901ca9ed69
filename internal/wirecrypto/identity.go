package wirecrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is the local long-term identity: a curve25519 pair for
// key agreement and an ed25519 pair for signatures.
type IdentityKeyPair struct {
	BoxPriv  [32]byte
	BoxPub   [32]byte
	SignPriv ed25519.PrivateKey
	SignPub  ed25519.PublicKey
}

// PeerIdentity is the public half of a remote identity.
type PeerIdentity struct {
	BoxPub  [32]byte
	SignPub ed25519.PublicKey
}

// NewIdentityKeyPair generates a fresh identity.
func NewIdentityKeyPair() (*IdentityKeyPair, error) {
	kp := new(IdentityKeyPair)
	if _, err := rand.Read(kp.BoxPriv[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: generate box key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.BoxPub, &kp.BoxPriv)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: generate signing key: %w", err)
	}
	kp.SignPriv = priv
	kp.SignPub = pub
	return kp, nil
}

// Public returns the peer-visible half of the identity.
func (kp *IdentityKeyPair) Public() *PeerIdentity {
	return &PeerIdentity{BoxPub: kp.BoxPub, SignPub: kp.SignPub}
}

// PreKey is a one-time curve25519 key offered for session establishment.
type PreKey struct {
	ID   uint32
	Priv [32]byte
	Pub  [32]byte
}

// NewPreKey generates a pre-key with the given ID.
func NewPreKey(id uint32) (*PreKey, error) {
	pk := &PreKey{ID: id}
	if _, err := rand.Read(pk.Priv[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: generate pre-key: %w", err)
	}
	curve25519.ScalarBaseMult(&pk.Pub, &pk.Priv)
	return pk, nil
}
