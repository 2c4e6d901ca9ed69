package wirecrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/gwillem/chatwire/internal/wire"
)

const sealedInfo = "chatwire-sealed-v1"

// SenderCertificate binds a sender address to its public keys, signed by
// the service trust root. It travels inside sealed-sender messages so the
// recipient can authenticate the sender without the server learning it.
type SenderCertificate struct {
	ACI       string `cbor:"1,keyasint"`
	Device    uint32 `cbor:"2,keyasint"`
	Expires   uint64 `cbor:"3,keyasint"` // unix millis
	BoxPub    []byte `cbor:"4,keyasint"`
	SignPub   []byte `cbor:"5,keyasint"`
	Signature []byte `cbor:"6,keyasint"`
}

// signingPayload returns the certificate bytes covered by the signature.
func (c *SenderCertificate) signingPayload() ([]byte, error) {
	unsigned := SenderCertificate{
		ACI:     c.ACI,
		Device:  c.Device,
		Expires: c.Expires,
		BoxPub:  c.BoxPub,
		SignPub: c.SignPub,
	}
	data, err := cbor.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal certificate payload: %w", err)
	}
	return data, nil
}

// SignSenderCertificate issues a certificate under the trust root key.
// Only test and tooling code holds a trust root private key.
func SignSenderCertificate(cert *SenderCertificate, trustRoot ed25519.PrivateKey) error {
	payload, err := cert.signingPayload()
	if err != nil {
		return err
	}
	cert.Signature = ed25519.Sign(trustRoot, payload)
	return nil
}

// Validate checks the trust-root signature and expiry against the server
// timestamp of the envelope that carried the certificate.
func (c *SenderCertificate) Validate(trustRoot ed25519.PublicKey, serverTimestamp uint64) error {
	payload, err := c.signingPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(trustRoot, payload, c.Signature) {
		return fmt.Errorf("%w: sender certificate", ErrBadSignature)
	}
	if serverTimestamp > c.Expires {
		return fmt.Errorf("wirecrypto: sender certificate expired at %d", c.Expires)
	}
	return nil
}

// UnsealedContent is the decrypted outer layer of a sealed-sender message:
// the authenticated sender plus the still-encrypted inner message.
type UnsealedContent struct {
	Cert     *SenderCertificate `cbor:"1,keyasint"`
	Type     CiphertextType     `cbor:"2,keyasint"`
	Hint     wire.ContentHint   `cbor:"3,keyasint"`
	GroupID  []byte             `cbor:"4,keyasint,omitempty"`
	Contents []byte             `cbor:"5,keyasint"`
}

// Sender returns the certified sender address.
func (u *UnsealedContent) Sender() wire.Address {
	return wire.Address{ACI: u.Cert.ACI, Device: u.Cert.Device}
}

// sealedMessage is the outer wire form of a sealed-sender body.
type sealedMessage struct {
	EphemeralPub []byte `cbor:"1,keyasint"`
	Body         []byte `cbor:"2,keyasint"` // nonce || secretbox
}

func sealedKey(shared, ephemeralPub, recipientPub []byte) ([32]byte, error) {
	var key [32]byte
	salt := append(append([]byte{}, ephemeralPub...), recipientPub...)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(sealedInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("wirecrypto: derive sealed key: %w", err)
	}
	return key, nil
}

// SealedSenderEncrypt seals content for the recipient's identity key using
// an ephemeral agreement, hiding the sender from the server.
func SealedSenderEncrypt(content *UnsealedContent, recipientBoxPub [32]byte) ([]byte, error) {
	payload, err := cbor.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal sealed payload: %w", err)
	}

	var ephPriv, ephPub [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	shared, err := ecdh(ephPriv, recipientBoxPub)
	if err != nil {
		return nil, err
	}
	key, err := sealedKey(shared, ephPub[:], recipientBoxPub[:])
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: nonce: %w", err)
	}
	body := secretbox.Seal(nonce[:], payload, &nonce, &key)

	out, err := cbor.Marshal(&sealedMessage{EphemeralPub: ephPub[:], Body: body})
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal sealed message: %w", err)
	}
	return out, nil
}

// SealedSenderDecrypt unseals a sealed-sender body with the local identity
// key, validates the embedded sender certificate against the trust root,
// and remembers the sender's identity keys.
func SealedSenderDecrypt(sealed []byte, serverTimestamp uint64, trustRoot ed25519.PublicKey, identities IdentityStore) (*UnsealedContent, error) {
	var sm sealedMessage
	if err := cbor.Unmarshal(sealed, &sm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(sm.EphemeralPub) != 32 {
		return nil, fmt.Errorf("%w: bad ephemeral key", ErrBadCiphertext)
	}

	kp, err := identities.IdentityKeyPair()
	if err != nil {
		return nil, err
	}

	var ephPub [32]byte
	copy(ephPub[:], sm.EphemeralPub)
	shared, err := ecdh(kp.BoxPriv, ephPub)
	if err != nil {
		return nil, err
	}
	key, err := sealedKey(shared, sm.EphemeralPub, kp.BoxPub[:])
	if err != nil {
		return nil, err
	}

	payload, err := openBody(key, sm.Body)
	if err != nil {
		return nil, err
	}

	content := new(UnsealedContent)
	if err := cbor.Unmarshal(payload, content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if content.Cert == nil {
		return nil, fmt.Errorf("%w: missing sender certificate", ErrBadCiphertext)
	}
	if err := content.Cert.Validate(trustRoot, serverTimestamp); err != nil {
		return nil, err
	}
	if len(content.Cert.BoxPub) == 32 {
		var boxPub [32]byte
		copy(boxPub[:], content.Cert.BoxPub)
		id := &PeerIdentity{BoxPub: boxPub, SignPub: content.Cert.SignPub}
		if err := identities.SavePeerIdentity(content.Cert.ACI, id); err != nil {
			return nil, fmt.Errorf("wirecrypto: save peer identity: %w", err)
		}
	}
	return content, nil
}
