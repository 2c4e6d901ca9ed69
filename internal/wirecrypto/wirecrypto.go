// Package wirecrypto implements the cryptographic capability consumed by the
// messaging core: pairwise sessions, sealed sender, sender keys for groups,
// and group secret parameters. Key material is built on curve25519, HKDF,
// and NaCl secretbox/box from golang.org/x/crypto.
//
// Callers pass the relevant stores into each operation so that a decrypt can
// run inside a caller-owned store transaction. Serialization of operations
// touching a given session is the caller's responsibility (the service layer
// holds a single encryption lock across decrypt, encrypt, and archive).
package wirecrypto

import (
	"errors"

	"github.com/gwillem/chatwire/internal/wire"
)

// CiphertextType tags the concrete message encoding inside an envelope or a
// sealed-sender wrapper.
type CiphertextType uint8

const (
	TypeCiphertext CiphertextType = 2
	TypePreKey     CiphertextType = 3
	TypeSenderKey  CiphertextType = 7
	TypePlaintext  CiphertextType = 8
)

// Ciphertext is an encrypted message plus its type tag.
type Ciphertext struct {
	Type  CiphertextType
	Bytes []byte
}

// DistributionID identifies one sender-key distribution within a group.
type DistributionID = [16]byte

var (
	// ErrNoSession is returned when an operation requires an established
	// session and none exists for the address.
	ErrNoSession = errors.New("wirecrypto: no session")

	// ErrNoIdentity is returned when a peer's identity key is required but
	// not stored.
	ErrNoIdentity = errors.New("wirecrypto: no identity for peer")

	// ErrNoSenderKey is returned when no sender key record exists for a
	// sender and distribution.
	ErrNoSenderKey = errors.New("wirecrypto: no sender key")

	// ErrBadCiphertext is returned for malformed or unopenable ciphertext.
	ErrBadCiphertext = errors.New("wirecrypto: bad ciphertext")

	// ErrBadSignature is returned when a signature check fails.
	ErrBadSignature = errors.New("wirecrypto: bad signature")
)

// SessionStore persists pairwise session records keyed by peer address.
type SessionStore interface {
	// LoadSession returns nil, nil when no session exists.
	LoadSession(addr wire.Address) (*SessionRecord, error)
	StoreSession(addr wire.Address, rec *SessionRecord) error
	// DeleteSession archives the session; the next message in either
	// direction forces a fresh handshake.
	DeleteSession(addr wire.Address) error
}

// IdentityStore provides the local identity key pair and remembered peer
// identities.
type IdentityStore interface {
	IdentityKeyPair() (*IdentityKeyPair, error)
	// PeerIdentity returns nil, nil when the peer is unknown.
	PeerIdentity(aci string) (*PeerIdentity, error)
	SavePeerIdentity(aci string, id *PeerIdentity) error
}

// PreKeyStore persists the local one-time pre-keys offered for session
// establishment.
type PreKeyStore interface {
	// LoadPreKey returns nil, nil when the key is unknown.
	LoadPreKey(id uint32) (*PreKey, error)
	StorePreKey(pk *PreKey) error
}

// SenderKeyStore persists sender-key chains keyed by (sender, distribution).
type SenderKeyStore interface {
	// LoadSenderKey returns nil, nil when no record exists.
	LoadSenderKey(sender wire.Address, dist DistributionID) (*SenderKeyRecord, error)
	StoreSenderKey(sender wire.Address, dist DistributionID, rec *SenderKeyRecord) error
}
