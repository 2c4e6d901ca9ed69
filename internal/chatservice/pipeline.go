package chatservice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/chatwire/internal/store"
	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// ErrDuplicate marks an envelope whose fingerprint was already processed
// and whose plaintext is no longer buffered.
var ErrDuplicate = errors.New("chatservice: envelope already processed")

// DecryptionResult is the pipeline's output for one envelope: either
// decrypted content or a classified failure, plus what the retry path needs
// to act on it.
type DecryptionResult struct {
	Sender      wire.Address
	Content     *wire.Content
	Plaintext   []byte // serialized content, padding stripped
	Fingerprint string
	Hint        wire.ContentHint
	GroupID     []byte
	Receipt     bool // server-generated delivery receipt

	Timestamp       uint64
	ServerTimestamp uint64

	// Failure side.
	Err            error
	Retriable      bool
	Ciphertext     []byte
	CiphertextType wirecrypto.CiphertextType
}

// fingerprint derives the dedup key for a ciphertext.
func fingerprint(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}

// ProcessEnvelope runs one envelope through the decryption pipeline and
// always produces exactly one result.
func (s *Service) ProcessEnvelope(ctx context.Context, data []byte) *DecryptionResult {
	raw, err := wire.ParseRawEnvelope(data)
	if err != nil {
		return &DecryptionResult{Err: err}
	}
	env, err := raw.Decode()
	if err != nil {
		return &DecryptionResult{Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"kind":   raw.Kind.String(),
		"sender": raw.SourceACI,
	}).Debug("processing envelope")

	switch env := env.(type) {
	case *wire.SealedSender:
		return s.processSealed(env)

	case *wire.PreKeyBundle:
		return s.decryptCiphertext(env.Source,
			&wirecrypto.Ciphertext{Type: wirecrypto.TypePreKey, Bytes: env.Body},
			wire.HintDefault, nil, env.Timestamp, raw.ServerTimestamp)

	case *wire.Ciphertext:
		return s.decryptCiphertext(env.Source,
			&wirecrypto.Ciphertext{Type: wirecrypto.TypeCiphertext, Bytes: env.Body},
			wire.HintDefault, nil, env.Timestamp, raw.ServerTimestamp)

	case *wire.SenderKeyMessage:
		return s.decryptCiphertext(env.Source,
			&wirecrypto.Ciphertext{Type: wirecrypto.TypeSenderKey, Bytes: env.Body},
			wire.HintDefault, nil, env.Timestamp, raw.ServerTimestamp)

	case *wire.PlaintextContent:
		// No session state is touched, so no fingerprinting either.
		res := &DecryptionResult{Sender: env.Source, Timestamp: env.Timestamp}
		stripped, err := wire.StripPadding(env.Body)
		if err != nil {
			res.Err = err
			return res
		}
		content, err := wire.ParseContent(stripped)
		if err != nil {
			res.Err = err
			return res
		}
		res.Plaintext = stripped
		res.Content = content
		return res

	case *wire.ServerReceipt:
		return &DecryptionResult{
			Sender:    env.Source,
			Receipt:   true,
			Timestamp: env.Timestamp,
		}

	default:
		return &DecryptionResult{Err: fmt.Errorf("chatservice: unhandled envelope %T", env)}
	}
}

// processSealed unseals the outer layer, then recurses into the concrete
// decrypt path with the recovered sender, hint, and group identifier.
func (s *Service) processSealed(env *wire.SealedSender) *DecryptionResult {
	s.cryptoMu.Lock()
	unsealed, err := wirecrypto.SealedSenderDecrypt(env.Body, env.ServerTimestamp, s.trustRoot, s.store)
	s.cryptoMu.Unlock()
	if err != nil {
		// The sender is unknown, so no retry report can be addressed.
		return &DecryptionResult{Err: err, ServerTimestamp: env.ServerTimestamp}
	}

	sender := unsealed.Sender()
	if unsealed.Type == wirecrypto.TypePlaintext {
		res := &DecryptionResult{Sender: sender, Hint: unsealed.Hint, GroupID: unsealed.GroupID,
			Timestamp: env.Timestamp, ServerTimestamp: env.ServerTimestamp}
		stripped, err := wire.StripPadding(unsealed.Contents)
		if err != nil {
			res.Err = err
			return res
		}
		content, err := wire.ParseContent(stripped)
		if err != nil {
			res.Err = err
			return res
		}
		res.Plaintext = stripped
		res.Content = content
		return res
	}

	return s.decryptCiphertext(sender,
		&wirecrypto.Ciphertext{Type: unsealed.Type, Bytes: unsealed.Contents},
		unsealed.Hint, unsealed.GroupID, env.Timestamp, env.ServerTimestamp)
}

// decryptCiphertext is the dedup-guarded session decrypt. A replayed
// fingerprint returns the buffered plaintext without touching session
// state; a tombstoned fingerprint fails with ErrDuplicate. Fresh
// ciphertexts decrypt inside one store transaction that also records the
// buffered event, so a crash in between cannot lose the plaintext or
// double-advance the session.
func (s *Service) decryptCiphertext(sender wire.Address, ct *wirecrypto.Ciphertext, hint wire.ContentHint, groupID []byte, timestamp, serverTimestamp uint64) *DecryptionResult {
	res := &DecryptionResult{
		Sender:          sender,
		Hint:            hint,
		GroupID:         groupID,
		Timestamp:       timestamp,
		ServerTimestamp: serverTimestamp,
		Ciphertext:      ct.Bytes,
		CiphertextType:  ct.Type,
		Fingerprint:     fingerprint(ct.Bytes),
	}

	if ev, err := s.store.BufferedEvent(res.Fingerprint); err != nil {
		res.Err = err
		return res
	} else if ev != nil {
		if ev.Tombstone {
			res.Err = ErrDuplicate
			return res
		}
		s.log.WithField("fingerprint", res.Fingerprint[:8]).Debug("replayed envelope, serving buffered plaintext")
		res.Plaintext = ev.Plaintext
		res.Content, res.Err = wire.ParseContent(ev.Plaintext)
		return res
	}

	s.cryptoMu.Lock()
	defer s.cryptoMu.Unlock()

	var stripped []byte
	err := s.store.WithTx(func(tx *store.Store) error {
		var plaintext []byte
		var err error
		switch ct.Type {
		case wirecrypto.TypePreKey:
			plaintext, err = wirecrypto.DecryptPreKeyMessage(ct.Bytes, sender, tx, tx, tx)
		case wirecrypto.TypeCiphertext:
			plaintext, err = wirecrypto.DecryptMessage(ct.Bytes, sender, tx)
		case wirecrypto.TypeSenderKey:
			plaintext, err = wirecrypto.GroupDecrypt(ct.Bytes, sender, tx)
		default:
			return fmt.Errorf("chatservice: unexpected ciphertext type %d", ct.Type)
		}
		if err != nil {
			return err
		}
		stripped, err = wire.StripPadding(plaintext)
		if err != nil {
			return err
		}
		return tx.PutBufferedEvent(res.Fingerprint, stripped)
	})
	if err != nil {
		res.Err = err
		res.Retriable = retriable(hint, err)
		return res
	}

	res.Plaintext = stripped
	res.Content, res.Err = wire.ParseContent(stripped)
	return res
}

// retriable classifies a decrypt failure: the sender is asked to resend
// unless the content hint says the payload is implicit state, and only for
// failures a fresh session could actually fix.
func retriable(hint wire.ContentHint, err error) bool {
	if hint == wire.HintImplicit {
		return false
	}
	return errors.Is(err, wirecrypto.ErrNoSession) ||
		errors.Is(err, wirecrypto.ErrBadCiphertext) ||
		errors.Is(err, wirecrypto.ErrNoSenderKey)
}
