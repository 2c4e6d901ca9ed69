package wirecrypto

import (
	"crypto/hmac"
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

// maxChainSkip bounds how far a receive chain may be fast-forwarded to
// reach a message counter. Larger gaps indicate a desynchronized session.
const maxChainSkip = 2000

const sessionInfo = "chatwire-session-v1"

// SessionRecord is the persisted state of one pairwise session. Chain keys
// advance per message; the ratchet public keys identify which handshake a
// ciphertext belongs to.
type SessionRecord struct {
	RootKey          [32]byte    `cbor:"1,keyasint"`
	SendChain        [32]byte    `cbor:"2,keyasint"`
	RecvChain        [32]byte    `cbor:"3,keyasint"`
	SendCounter      uint32      `cbor:"4,keyasint"`
	RecvCounter      uint32      `cbor:"5,keyasint"`
	LocalRatchetPub  [32]byte    `cbor:"6,keyasint"`
	RemoteRatchetPub [32]byte    `cbor:"7,keyasint"`
	PeerBoxPub       [32]byte    `cbor:"8,keyasint"`
	PeerSignPub      []byte      `cbor:"9,keyasint,omitempty"`
	Pending          *preKeyHello `cbor:"10,keyasint,omitempty"`
}

// preKeyHello is the establishment header prepended to outbound messages
// until the peer confirms the session by answering on it.
type preKeyHello struct {
	PreKeyID        uint32 `cbor:"1,keyasint"`
	BaseKey         []byte `cbor:"2,keyasint"`
	IdentityBoxPub  []byte `cbor:"3,keyasint"`
	IdentitySignPub []byte `cbor:"4,keyasint"`
}

// Marshal serializes the record for storage.
func (r *SessionRecord) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal session: %w", err)
	}
	return data, nil
}

// ParseSessionRecord deserializes a stored session record.
func ParseSessionRecord(data []byte) (*SessionRecord, error) {
	r := new(SessionRecord)
	if err := cbor.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("wirecrypto: unmarshal session: %w", err)
	}
	return r, nil
}

// sessionMessage is the per-message wire form inside ciphertext envelopes.
type sessionMessage struct {
	RatchetKey []byte `cbor:"1,keyasint"`
	Counter    uint32 `cbor:"2,keyasint"`
	Body       []byte `cbor:"3,keyasint"` // nonce || secretbox
}

// preKeyMessage wraps a sessionMessage with the establishment header.
type preKeyMessage struct {
	Hello   preKeyHello `cbor:"1,keyasint"`
	Message []byte      `cbor:"2,keyasint"`
}

// PreKeyBundle is a peer's published key material for establishing a session.
type PreKeyBundle struct {
	RegistrationID  uint32 `cbor:"1,keyasint"`
	PreKeyID        uint32 `cbor:"2,keyasint"`
	PreKeyPub       []byte `cbor:"3,keyasint"`
	IdentityBoxPub  []byte `cbor:"4,keyasint"`
	IdentitySignPub []byte `cbor:"5,keyasint"`
}

func ecdh(priv, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: key agreement: %w", err)
	}
	return shared, nil
}

// deriveSessionKeys turns the two agreement outputs into a root key and the
// two chain keys. The initiator sends on k1 and receives on k2; the
// responder mirrors that.
func deriveSessionKeys(shared1, shared2 []byte) (root, k1, k2 [32]byte, err error) {
	secret := append(append([]byte{}, shared1...), shared2...)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sessionInfo))
	var buf [96]byte
	if _, err = io.ReadFull(kdf, buf[:]); err != nil {
		err = fmt.Errorf("wirecrypto: derive session keys: %w", err)
		return
	}
	copy(root[:], buf[0:32])
	copy(k1[:], buf[32:64])
	copy(k2[:], buf[64:96])
	return
}

// chainAdvance derives the message key for the current position and the
// next chain key.
func chainAdvance(chain [32]byte) (next, msgKey [32]byte) {
	m := hmac.New(sha256.New, chain[:])
	m.Write([]byte{0x01})
	copy(msgKey[:], m.Sum(nil))
	m = hmac.New(sha256.New, chain[:])
	m.Write([]byte{0x02})
	copy(next[:], m.Sum(nil))
	return
}

func sealBody(key [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wirecrypto: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

func openBody(key [32]byte, body []byte) ([]byte, error) {
	if len(body) < 24 {
		return nil, fmt.Errorf("%w: body too short", ErrBadCiphertext)
	}
	var nonce [24]byte
	copy(nonce[:], body[:24])
	plain, ok := secretbox.Open(nil, body[24:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: secretbox open failed", ErrBadCiphertext)
	}
	return plain, nil
}

// ProcessPreKeyBundle establishes an outbound session with the peer whose
// bundle was fetched. Any existing session for the address is replaced.
func ProcessPreKeyBundle(bundle *PreKeyBundle, remote wire.Address, sessions SessionStore, identities IdentityStore) error {
	if len(bundle.PreKeyPub) != 32 || len(bundle.IdentityBoxPub) != 32 {
		return fmt.Errorf("wirecrypto: bundle keys must be 32 bytes")
	}

	var basePriv, basePub [32]byte
	if _, err := rand.Read(basePriv[:]); err != nil {
		return fmt.Errorf("wirecrypto: generate base key: %w", err)
	}
	curve25519.ScalarBaseMult(&basePub, &basePriv)

	var peerIdentity, peerPreKey [32]byte
	copy(peerIdentity[:], bundle.IdentityBoxPub)
	copy(peerPreKey[:], bundle.PreKeyPub)

	shared1, err := ecdh(basePriv, peerIdentity)
	if err != nil {
		return err
	}
	shared2, err := ecdh(basePriv, peerPreKey)
	if err != nil {
		return err
	}
	root, k1, k2, err := deriveSessionKeys(shared1, shared2)
	if err != nil {
		return err
	}

	kp, err := identities.IdentityKeyPair()
	if err != nil {
		return err
	}

	rec := &SessionRecord{
		RootKey:         root,
		SendChain:       k1,
		RecvChain:       k2,
		LocalRatchetPub: basePub,
		PeerBoxPub:      peerIdentity,
		PeerSignPub:     bundle.IdentitySignPub,
		Pending: &preKeyHello{
			PreKeyID:        bundle.PreKeyID,
			BaseKey:         basePub[:],
			IdentityBoxPub:  kp.BoxPub[:],
			IdentitySignPub: kp.SignPub,
		},
	}

	if err := identities.SavePeerIdentity(remote.ACI, &PeerIdentity{BoxPub: peerIdentity, SignPub: bundle.IdentitySignPub}); err != nil {
		return fmt.Errorf("wirecrypto: save peer identity: %w", err)
	}
	return sessions.StoreSession(remote, rec)
}

// Encrypt encrypts plaintext for the peer on the established session. The
// result is a pre-key message while the session is unconfirmed, a plain
// ciphertext message afterwards.
func Encrypt(plaintext []byte, remote wire.Address, sessions SessionStore) (*Ciphertext, error) {
	rec, err := sessions.LoadSession(remote)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load session: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSession
	}

	next, msgKey := chainAdvance(rec.SendChain)
	body, err := sealBody(msgKey, plaintext)
	if err != nil {
		return nil, err
	}

	sm := sessionMessage{
		RatchetKey: rec.LocalRatchetPub[:],
		Counter:    rec.SendCounter,
		Body:       body,
	}
	smBytes, err := cbor.Marshal(&sm)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: marshal message: %w", err)
	}

	out := &Ciphertext{Type: TypeCiphertext, Bytes: smBytes}
	if rec.Pending != nil {
		pkm := preKeyMessage{Hello: *rec.Pending, Message: smBytes}
		pkmBytes, err := cbor.Marshal(&pkm)
		if err != nil {
			return nil, fmt.Errorf("wirecrypto: marshal pre-key message: %w", err)
		}
		out = &Ciphertext{Type: TypePreKey, Bytes: pkmBytes}
	}

	rec.SendChain = next
	rec.SendCounter++
	if err := sessions.StoreSession(remote, rec); err != nil {
		return nil, fmt.Errorf("wirecrypto: store session: %w", err)
	}
	return out, nil
}

// DecryptMessage decrypts a ciphertext message on an established session.
func DecryptMessage(ciphertext []byte, remote wire.Address, sessions SessionStore) ([]byte, error) {
	rec, err := sessions.LoadSession(remote)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load session: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSession
	}

	var sm sessionMessage
	if err := cbor.Unmarshal(ciphertext, &sm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}

	plain, err := decryptOnRecord(rec, &sm)
	if err != nil {
		return nil, err
	}
	// Hearing from the peer on this session confirms it.
	rec.Pending = nil
	if err := sessions.StoreSession(remote, rec); err != nil {
		return nil, fmt.Errorf("wirecrypto: store session: %w", err)
	}
	return plain, nil
}

// DecryptPreKeyMessage handles a session-establishing message: it builds the
// responder side of the session from the embedded base key and the local
// pre-key, then decrypts the inner message.
func DecryptPreKeyMessage(ciphertext []byte, remote wire.Address, sessions SessionStore, identities IdentityStore, prekeys PreKeyStore) ([]byte, error) {
	var pkm preKeyMessage
	if err := cbor.Unmarshal(ciphertext, &pkm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(pkm.Hello.BaseKey) != 32 || len(pkm.Hello.IdentityBoxPub) != 32 {
		return nil, fmt.Errorf("%w: bad hello keys", ErrBadCiphertext)
	}
	var baseKey [32]byte
	copy(baseKey[:], pkm.Hello.BaseKey)

	rec, err := sessions.LoadSession(remote)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load session: %w", err)
	}

	// A repeated hello for the session we already built is fine; a hello
	// with a new base key replaces the session.
	if rec == nil || rec.RemoteRatchetPub != baseKey {
		prekey, err := prekeys.LoadPreKey(pkm.Hello.PreKeyID)
		if err != nil {
			return nil, fmt.Errorf("wirecrypto: load pre-key: %w", err)
		}
		if prekey == nil {
			return nil, fmt.Errorf("%w: unknown pre-key id %d", ErrBadCiphertext, pkm.Hello.PreKeyID)
		}
		kp, err := identities.IdentityKeyPair()
		if err != nil {
			return nil, err
		}

		shared1, err := ecdh(kp.BoxPriv, baseKey)
		if err != nil {
			return nil, err
		}
		shared2, err := ecdh(prekey.Priv, baseKey)
		if err != nil {
			return nil, err
		}
		root, k1, k2, err := deriveSessionKeys(shared1, shared2)
		if err != nil {
			return nil, err
		}

		var peerBox [32]byte
		copy(peerBox[:], pkm.Hello.IdentityBoxPub)
		rec = &SessionRecord{
			RootKey:          root,
			SendChain:        k2,
			RecvChain:        k1,
			LocalRatchetPub:  kp.BoxPub,
			RemoteRatchetPub: baseKey,
			PeerBoxPub:       peerBox,
			PeerSignPub:      pkm.Hello.IdentitySignPub,
		}
		if err := identities.SavePeerIdentity(remote.ACI, &PeerIdentity{BoxPub: peerBox, SignPub: pkm.Hello.IdentitySignPub}); err != nil {
			return nil, fmt.Errorf("wirecrypto: save peer identity: %w", err)
		}
	}

	var sm sessionMessage
	if err := cbor.Unmarshal(pkm.Message, &sm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	plain, err := decryptOnRecord(rec, &sm)
	if err != nil {
		return nil, err
	}
	if err := sessions.StoreSession(remote, rec); err != nil {
		return nil, fmt.Errorf("wirecrypto: store session: %w", err)
	}
	return plain, nil
}

// decryptOnRecord advances the receive chain to the message counter and
// opens the body. The record is mutated but not persisted here.
func decryptOnRecord(rec *SessionRecord, sm *sessionMessage) ([]byte, error) {
	if sm.Counter < rec.RecvCounter {
		return nil, fmt.Errorf("%w: counter %d already consumed", ErrBadCiphertext, sm.Counter)
	}
	if sm.Counter-rec.RecvCounter > maxChainSkip {
		return nil, fmt.Errorf("%w: counter gap %d exceeds limit", ErrBadCiphertext, sm.Counter-rec.RecvCounter)
	}

	chain := rec.RecvChain
	var msgKey [32]byte
	for c := rec.RecvCounter; ; c++ {
		chain, msgKey = chainAdvance(chain)
		if c == sm.Counter {
			break
		}
	}

	plain, err := openBody(msgKey, sm.Body)
	if err != nil {
		return nil, err
	}

	rec.RecvChain = chain
	rec.RecvCounter = sm.Counter + 1
	if len(sm.RatchetKey) == 32 {
		copy(rec.RemoteRatchetPub[:], sm.RatchetKey)
	}
	return plain, nil
}

// ArchiveSession discards the session so that the next message in either
// direction forces a fresh handshake.
func ArchiveSession(remote wire.Address, sessions SessionStore) error {
	return sessions.DeleteSession(remote)
}

// RemoteRatchetKey returns the ratchet key the current session expects from
// the peer.
func RemoteRatchetKey(remote wire.Address, sessions SessionStore) ([]byte, error) {
	rec, err := sessions.LoadSession(remote)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load session: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSession
	}
	return rec.RemoteRatchetPub[:], nil
}

// LocalRatchetKey returns the ratchet key this side embeds in ciphertexts
// to the peer. A decryption-error report echoes this key back, so it is
// what the report must be matched against.
func LocalRatchetKey(remote wire.Address, sessions SessionStore) ([]byte, error) {
	rec, err := sessions.LoadSession(remote)
	if err != nil {
		return nil, fmt.Errorf("wirecrypto: load session: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSession
	}
	return rec.LocalRatchetPub[:], nil
}

// RatchetKeyFromCiphertext extracts the sender's ratchet key from a failed
// ciphertext so it can be embedded in a decryption-error report.
func RatchetKeyFromCiphertext(ciphertext []byte, typ CiphertextType) ([]byte, error) {
	switch typ {
	case TypePreKey:
		var pkm preKeyMessage
		if err := cbor.Unmarshal(ciphertext, &pkm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
		}
		return pkm.Hello.BaseKey, nil
	case TypeCiphertext:
		var sm sessionMessage
		if err := cbor.Unmarshal(ciphertext, &sm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
		}
		return sm.RatchetKey, nil
	default:
		return nil, nil
	}
}
