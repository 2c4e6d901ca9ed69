package chatservice

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// sendRetryReport tells the sender of an undecryptable message to resend
// it. The report travels unencrypted (the broken session is exactly what we
// cannot use) but signed, so the recipient can verify it before acting.
func (s *Service) sendRetryReport(ctx context.Context, res *DecryptionResult) error {
	rep := &wire.DecryptionErrorReport{
		Timestamp: res.Timestamp,
		DeviceID:  s.localDevice,
	}
	if key, err := wirecrypto.RatchetKeyFromCiphertext(res.Ciphertext, res.CiphertextType); err == nil {
		rep.RatchetKey = key
	}
	if err := wirecrypto.SignReport(rep, s.store); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"sender":    res.Sender.String(),
		"timestamp": res.Timestamp,
	}).Info("requesting resend for undecryptable message")

	return s.sendPlaintext(ctx, res.Sender, &wire.Content{DecryptionError: rep})
}

// handleRetryReport processes a peer's decryption-error report: verify the
// signature, archive the broken session if the report names our current
// ratchet, and answer from the send cache when we still hold the content.
func (s *Service) handleRetryReport(ctx context.Context, sender wire.Address, rep *wire.DecryptionErrorReport) error {
	if err := wirecrypto.VerifyReport(rep, sender, s.store); err != nil {
		// Unsigned or forged reports can be used to tear down healthy
		// sessions, so they are dropped without any effect.
		return err
	}
	if rep.DeviceID != s.localDevice {
		s.log.WithFields(logrus.Fields{
			"sender": sender.String(),
			"device": rep.DeviceID,
		}).Debug("retry report for another device, ignoring")
		return nil
	}

	archived, err := s.archiveIfCurrent(sender, rep.RatchetKey)
	if err != nil {
		return err
	}

	entry, ok := s.sent.Get(sender.ACI, rep.Timestamp)
	if ok && time.Since(entry.SentAt) <= s.maxResendAge {
		s.log.WithFields(logrus.Fields{
			"sender":    sender.String(),
			"timestamp": rep.Timestamp,
		}).Info("answering retry report from send cache")
		if entry.GroupID != "" {
			return s.resendGroupContent(ctx, sender, entry)
		}
		return s.sendContent(ctx, sender.ACI, []uint32{sender.Device}, entry.Timestamp, entry.Content, true)
	}

	if archived {
		// Nothing cached to resend, but the peer deserves a working
		// session. A null message forces a fresh prekey exchange.
		return s.sendNullMessage(ctx, sender)
	}

	s.log.WithFields(logrus.Fields{
		"sender":    sender.String(),
		"timestamp": rep.Timestamp,
	}).Debug("retry report matched nothing, dropping")
	return nil
}

// archiveIfCurrent archives the session with sender when the reported
// ratchet key still matches it, meaning the peer cannot decrypt what the
// current session produces. The report echoes the key we embedded in the
// undecryptable ciphertexts, so it is compared against the session's own
// ratchet key, not the peer's. Sender key shares for that address are
// cleared at the same time so the next group send re-distributes.
func (s *Service) archiveIfCurrent(sender wire.Address, ratchetKey []byte) (bool, error) {
	if len(ratchetKey) == 0 {
		return false, nil
	}

	s.cryptoMu.Lock()
	defer s.cryptoMu.Unlock()

	current, err := wirecrypto.LocalRatchetKey(sender, s.store)
	if errors.Is(err, wirecrypto.ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(current, ratchetKey) {
		// The session already ratcheted past the failure; leave it alone.
		return false, nil
	}

	s.log.WithField("sender", sender.String()).Info("archiving session named by retry report")
	if err := wirecrypto.ArchiveSession(sender, s.store); err != nil {
		return false, err
	}
	if err := s.store.ClearSenderKeyShared(sender.String()); err != nil {
		return false, err
	}
	return true, nil
}

// sendNullMessage sends a content-free message whose only purpose is to
// establish a fresh session with the peer.
func (s *Service) sendNullMessage(ctx context.Context, addr wire.Address) error {
	padding := make([]byte, 1+randByte()%160)
	if _, err := rand.Read(padding); err != nil {
		return err
	}
	serialized, err := wire.MarshalContent(&wire.Content{NullMessage: &wire.NullMessage{Padding: padding}})
	if err != nil {
		return err
	}
	return s.sendContent(ctx, addr.ACI, []uint32{addr.Device}, uint64(time.Now().UnixMilli()), serialized, false)
}

func randByte() int {
	var b [1]byte
	rand.Read(b[:])
	return int(b[0])
}
