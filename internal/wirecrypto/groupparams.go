package wirecrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// GroupMasterKey is the root secret of a group; every other group secret
// derives from it.
type GroupMasterKey [32]byte

// GroupID is the public group identifier, a pure function of the master key.
type GroupID [32]byte

const groupParamsInfo = "chatwire-group-params-v1"

// SecretParams holds the derived keys for one group: the identifier, the
// blob key for attribute encryption, the member key for identity
// encryption, and the token key for send-token derivation.
type SecretParams struct {
	masterKey GroupMasterKey
	groupID   GroupID
	blobKey   [32]byte
	memberKey [32]byte
	tokenKey  [32]byte
}

// DeriveSecretParams expands a master key into the group's secret params.
func DeriveSecretParams(masterKey GroupMasterKey) (*SecretParams, error) {
	p := &SecretParams{masterKey: masterKey}
	kdf := hkdf.New(sha256.New, masterKey[:], nil, []byte(groupParamsInfo))
	var buf [128]byte
	if _, err := io.ReadFull(kdf, buf[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: derive group params: %w", err)
	}
	copy(p.groupID[:], buf[0:32])
	copy(p.blobKey[:], buf[32:64])
	copy(p.memberKey[:], buf[64:96])
	copy(p.tokenKey[:], buf[96:128])
	return p, nil
}

// GroupID returns the public group identifier.
func (p *SecretParams) GroupID() GroupID {
	return p.groupID
}

// DistributionID returns the sender-key distribution for this group, the
// first half of the group identifier.
func (p *SecretParams) DistributionID() DistributionID {
	var dist DistributionID
	copy(dist[:], p.groupID[:16])
	return dist
}

// EncryptBlob encrypts a group attribute blob (title, description, avatar
// reference, change records) under the blob key.
func (p *SecretParams) EncryptBlob(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &p.blobKey), nil
}

// DecryptBlob reverses EncryptBlob.
func (p *SecretParams) DecryptBlob(ciphertext []byte) ([]byte, error) {
	return openBody(p.blobKey, ciphertext)
}

// memberNonce derives the deterministic nonce for a member ciphertext, so
// the same identity always encrypts to the same bytes within one group.
func (p *SecretParams) memberNonce(context string, plaintext []byte) [24]byte {
	m := hmac.New(sha256.New, p.memberKey[:])
	m.Write([]byte(context))
	m.Write(plaintext)
	var nonce [24]byte
	copy(nonce[:], m.Sum(nil))
	return nonce
}

// EncryptMemberID deterministically encrypts a member's service identifier.
func (p *SecretParams) EncryptMemberID(aci string) []byte {
	nonce := p.memberNonce("member-id", []byte(aci))
	return secretbox.Seal(nonce[:], []byte(aci), &nonce, &p.memberKey)
}

// DecryptMemberID reverses EncryptMemberID.
func (p *SecretParams) DecryptMemberID(ciphertext []byte) (string, error) {
	plain, err := openBody(p.memberKey, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// profileKeyKey binds the profile key encryption to the member identity so
// a ciphertext cannot be replayed onto another member.
func (p *SecretParams) profileKeyKey(aci string) [32]byte {
	m := hmac.New(sha256.New, p.memberKey[:])
	m.Write([]byte("profile-key"))
	m.Write([]byte(aci))
	var key [32]byte
	copy(key[:], m.Sum(nil))
	return key
}

// EncryptProfileKey encrypts a member's profile key for group storage.
func (p *SecretParams) EncryptProfileKey(profileKey []byte, aci string) ([]byte, error) {
	key := p.profileKeyKey(aci)
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], profileKey, &nonce, &key), nil
}

// DecryptProfileKey reverses EncryptProfileKey for the given member.
func (p *SecretParams) DecryptProfileKey(ciphertext []byte, aci string) ([]byte, error) {
	key := p.profileKeyKey(aci)
	return openBody(key, ciphertext)
}

// SendToken derives the pre-authorized send token for a member, valid until
// expiry. The server derives the same value and accepts it in place of a
// per-message membership check.
func (p *SecretParams) SendToken(aci string, expiry time.Time) []byte {
	m := hmac.New(sha256.New, p.tokenKey[:])
	m.Write([]byte(aci))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiry.Unix()))
	m.Write(ts[:])
	return m.Sum(nil)
}
