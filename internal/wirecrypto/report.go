package wirecrypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gwillem/chatwire/internal/wire"
)

// SignReport signs a decryption-error report with the local identity
// signing key, filling its Signature field.
func SignReport(rep *wire.DecryptionErrorReport, identities IdentityStore) error {
	kp, err := identities.IdentityKeyPair()
	if err != nil {
		return err
	}
	payload, err := rep.SigningPayload()
	if err != nil {
		return err
	}
	rep.Signature = ed25519.Sign(kp.SignPriv, payload)
	return nil
}

// VerifyReport checks a decryption-error report against the reporter's
// stored identity. An unknown reporter identity fails closed.
func VerifyReport(rep *wire.DecryptionErrorReport, reporter wire.Address, identities IdentityStore) error {
	id, err := identities.PeerIdentity(reporter.ACI)
	if err != nil {
		return err
	}
	if id == nil || len(id.SignPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %s", ErrNoIdentity, reporter.ACI)
	}
	payload, err := rep.SigningPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(id.SignPub, payload, rep.Signature) {
		return fmt.Errorf("%w: decryption-error report", ErrBadSignature)
	}
	return nil
}
