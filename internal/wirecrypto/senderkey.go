package wirecrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/gwillem/chatwire/internal/wire"
)

// SenderKeyRecord is one sender's symmetric chain within a group
// distribution. The chain advances per message; SignPub authenticates the
// sender's group messages.
type SenderKeyRecord struct {
	ChainKey  [32]byte `cbor:"1,keyasint"`
	Iteration uint32   `cbor:"2,keyasint"`
	SignPub   []byte   `cbor:"3,keyasint"`
}

// Marshal serializes the record for storage.
func (r *SenderKeyRecord) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal sender key: %w", err)
	}
	return data, nil
}

// ParseSenderKeyRecord deserializes a stored sender key record.
func ParseSenderKeyRecord(data []byte) (*SenderKeyRecord, error) {
	r := new(SenderKeyRecord)
	if err := cbor.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("wirecrypto: unmarshal sender key: %w", err)
	}
	return r, nil
}

// senderKeyDistribution is the wire form of a sender key handed to group
// members over pairwise sessions.
type senderKeyDistribution struct {
	DistributionID []byte `cbor:"1,keyasint"`
	ChainKey       []byte `cbor:"2,keyasint"`
	Iteration      uint32 `cbor:"3,keyasint"`
	SignPub        []byte `cbor:"4,keyasint"`
}

// senderKeyMessage is the wire form of a group message ciphertext.
type senderKeyMessage struct {
	DistributionID []byte `cbor:"1,keyasint"`
	Iteration      uint32 `cbor:"2,keyasint"`
	Body           []byte `cbor:"3,keyasint"` // nonce || secretbox
	Signature      []byte `cbor:"4,keyasint"`
}

func (m *senderKeyMessage) signingPayload() ([]byte, error) {
	unsigned := senderKeyMessage{
		DistributionID: m.DistributionID,
		Iteration:      m.Iteration,
		Body:           m.Body,
	}
	data, err := cbor.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal sender key payload: %w", err)
	}
	return data, nil
}

// CreateSenderKeyDistribution returns the distribution message for the local
// sender key of the given distribution, creating the key on first use.
func CreateSenderKeyDistribution(local wire.Address, dist DistributionID, keys SenderKeyStore, identities IdentityStore) ([]byte, error) {
	rec, err := keys.LoadSenderKey(local, dist)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load sender key: %w", err)
	}
	if rec == nil {
		kp, err := identities.IdentityKeyPair()
		if err != nil {
			return nil, err
		}
		rec = &SenderKeyRecord{SignPub: kp.SignPub}
		if _, err := rand.Read(rec.ChainKey[:]); err != nil {
			return nil, fmt.Errorf("wirecrypto: generate sender key: %w", err)
		}
		if err := keys.StoreSenderKey(local, dist, rec); err != nil {
			return nil, fmt.Errorf("wirecrypto: store sender key: %w", err)
		}
	}

	skd := senderKeyDistribution{
		DistributionID: dist[:],
		ChainKey:       rec.ChainKey[:],
		Iteration:      rec.Iteration,
		SignPub:        rec.SignPub,
	}
	data, err := cbor.Marshal(&skd)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal distribution: %w", err)
	}
	return data, nil
}

// ProcessSenderKeyDistribution installs a peer's sender key for the
// distribution it names.
func ProcessSenderKeyDistribution(sender wire.Address, skdm []byte, keys SenderKeyStore) error {
	var skd senderKeyDistribution
	if err := cbor.Unmarshal(skdm, &skd); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(skd.DistributionID) != 16 || len(skd.ChainKey) != 32 {
		return fmt.Errorf("%w: bad distribution fields", ErrBadCiphertext)
	}
	// ed25519.Verify panics on wrong-length keys, so a malformed signing
	// key must never reach the store.
	if len(skd.SignPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad signing key length %d", ErrBadCiphertext, len(skd.SignPub))
	}
	var dist DistributionID
	copy(dist[:], skd.DistributionID)

	rec := &SenderKeyRecord{Iteration: skd.Iteration, SignPub: skd.SignPub}
	copy(rec.ChainKey[:], skd.ChainKey)
	return keys.StoreSenderKey(sender, dist, rec)
}

// GroupEncrypt encrypts a group message with the local sender key for the
// distribution. The message is signed with the local identity signing key.
func GroupEncrypt(plaintext []byte, local wire.Address, dist DistributionID, keys SenderKeyStore, identities IdentityStore) (*Ciphertext, error) {
	rec, err := keys.LoadSenderKey(local, dist)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load sender key: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSenderKey
	}

	next, msgKey := chainAdvance(rec.ChainKey)
	body, err := sealBody(msgKey, plaintext)
	if err != nil {
		return nil, err
	}

	msg := senderKeyMessage{
		DistributionID: dist[:],
		Iteration:      rec.Iteration,
		Body:           body,
	}
	payload, err := msg.signingPayload()
	if err != nil {
		return nil, err
	}
	kp, err := identities.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	msg.Signature = ed25519.Sign(kp.SignPriv, payload)

	data, err := cbor.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal sender key message: %w", err)
	}

	rec.ChainKey = next
	rec.Iteration++
	if err := keys.StoreSenderKey(local, dist, rec); err != nil {
		return nil, fmt.Errorf("wirecrypto: store sender key: %w", err)
	}
	return &Ciphertext{Type: TypeSenderKey, Bytes: data}, nil
}

// GroupDecrypt decrypts a group message with the sender's distributed key,
// verifying the sender signature and fast-forwarding the chain to the
// message iteration.
func GroupDecrypt(ciphertext []byte, sender wire.Address, keys SenderKeyStore) ([]byte, error) {
	var msg senderKeyMessage
	if err := cbor.Unmarshal(ciphertext, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(msg.DistributionID) != 16 {
		return nil, fmt.Errorf("%w: bad distribution id", ErrBadCiphertext)
	}
	var dist DistributionID
	copy(dist[:], msg.DistributionID)

	rec, err := keys.LoadSenderKey(sender, dist)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load sender key: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSenderKey
	}

	if len(rec.SignPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: sender key record has bad signing key", ErrBadSignature)
	}
	payload, err := msg.signingPayload()
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(rec.SignPub), payload, msg.Signature) {
		return nil, fmt.Errorf("%w: sender key message", ErrBadSignature)
	}

	if msg.Iteration < rec.Iteration {
		return nil, fmt.Errorf("%w: iteration %d already consumed", ErrBadCiphertext, msg.Iteration)
	}
	if msg.Iteration-rec.Iteration > maxChainSkip {
		return nil, fmt.Errorf("%w: iteration gap %d exceeds limit", ErrBadCiphertext, msg.Iteration-rec.Iteration)
	}

	chain := rec.ChainKey
	var msgKey [32]byte
	for c := rec.Iteration; ; c++ {
		chain, msgKey = chainAdvance(chain)
		if c == msg.Iteration {
			break
		}
	}

	plain, err := openBody(msgKey, msg.Body)
	if err != nil {
		return nil, err
	}

	rec.ChainKey = chain
	rec.Iteration = msg.Iteration + 1
	if err := keys.StoreSenderKey(sender, dist, rec); err != nil {
		return nil, fmt.Errorf("wirecrypto: store sender key: %w", err)
	}
	return plain, nil
}
