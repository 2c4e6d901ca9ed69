package chatservice

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/chatwire/internal/groups"
	"github.com/gwillem/chatwire/internal/sendcache"
	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

func (s *Service) localAddress() wire.Address {
	return wire.NewAddress(s.localACI, s.localDevice)
}

// deliveryCertResponse is the JSON body of GET /v1/certificate/delivery.
type deliveryCertResponse struct {
	Certificate []byte `json:"certificate"`
}

// senderCertificate returns the cached sealed-sender certificate, fetching
// a fresh one when it is missing or within an hour of expiry.
func (s *Service) senderCertificate(ctx context.Context) (*wirecrypto.SenderCertificate, error) {
	s.certMu.Lock()
	defer s.certMu.Unlock()

	now := uint64(time.Now().UnixMilli())
	if s.cert != nil && s.cert.Expires > now+uint64(time.Hour.Milliseconds()) {
		return s.cert, nil
	}

	resp, err := s.socket.SendRequest(ctx, "GET", "/v1/certificate/delivery", nil)
	if err != nil {
		return nil, err
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("chatservice: fetch sender certificate: status %d %s", resp.Status, resp.Message)
	}
	var dcr deliveryCertResponse
	if err := json.Unmarshal(resp.Body, &dcr); err != nil {
		return nil, fmt.Errorf("chatservice: parse certificate response: %w", err)
	}
	cert := new(wirecrypto.SenderCertificate)
	if err := cbor.Unmarshal(dcr.Certificate, cert); err != nil {
		return nil, fmt.Errorf("chatservice: parse sender certificate: %w", err)
	}
	if err := cert.Validate(s.trustRoot, now); err != nil {
		return nil, err
	}
	s.cert = cert
	return cert, nil
}

// SendGroup encrypts a message once under the group's sender key and
// delivers it to every member as a sealed-sender envelope. Members who have
// not yet received our sender key get the distribution message first.
func (s *Service) SendGroup(ctx context.Context, masterKey wirecrypto.GroupMasterKey, body string) (uint64, error) {
	params, err := wirecrypto.DeriveSecretParams(masterKey)
	if err != nil {
		return 0, err
	}
	g, err := s.groupSnapshot(ctx, masterKey)
	if err != nil {
		return 0, err
	}

	timestamp := uint64(time.Now().UnixMilli())
	dm := &wire.DataMessage{
		Body:      body,
		Timestamp: timestamp,
		Group:     &wire.GroupContext{MasterKey: masterKey[:], Revision: g.Revision},
	}
	serialized, err := wire.MarshalContent(&wire.Content{DataMessage: dm})
	if err != nil {
		return 0, err
	}

	if err := s.distributeSenderKey(ctx, params, g); err != nil {
		return 0, err
	}

	padded := wire.Pad(serialized)
	s.cryptoMu.Lock()
	ct, err := wirecrypto.GroupEncrypt(padded, s.localAddress(), params.DistributionID(), s.store, s.store)
	s.cryptoMu.Unlock()
	if err != nil {
		return 0, err
	}

	cert, err := s.senderCertificate(ctx)
	if err != nil {
		return 0, err
	}
	id := params.GroupID()
	sealed := &wirecrypto.UnsealedContent{
		Cert:     cert,
		Type:     ct.Type,
		Hint:     wire.HintResendable,
		GroupID:  id[:],
		Contents: ct.Bytes,
	}

	tokens := map[string][]byte{}
	if e, ok := s.cache.Get(id); ok {
		tokens = e.Tokens
	}

	var errs []error
	for _, m := range g.Members {
		if m.ACI == s.localACI {
			continue
		}
		if err := s.sendSealed(ctx, m.ACI, nil, timestamp, sealed, tokens[m.ACI]); err != nil {
			s.log.WithError(err).WithField("member", m.ACI).Warn("group send to member failed")
			errs = append(errs, fmt.Errorf("%s: %w", m.ACI, err))
		}
	}

	s.sent.Put(sendcache.Entry{
		GroupID:   hex.EncodeToString(id[:]),
		Timestamp: timestamp,
		Content:   serialized,
		Hint:      wire.HintResendable,
	})
	return timestamp, errors.Join(errs...)
}

// sendSealed submits one sealed-sender blob to the given devices of a
// recipient, attaching the pre-authorized send token when one is held. A
// nil device list means every known device.
func (s *Service) sendSealed(ctx context.Context, aci string, devices []uint32, timestamp uint64, content *wirecrypto.UnsealedContent, token []byte) error {
	identity, err := s.store.PeerIdentity(aci)
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("chatservice: no identity for %s", aci)
	}
	blob, err := wirecrypto.SealedSenderEncrypt(content, identity.BoxPub)
	if err != nil {
		return err
	}

	if devices == nil {
		devices, err = s.store.PeerDevices(aci)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			devices = []uint32{1}
		}
	}
	msgs := make([]wire.OutgoingMessage, 0, len(devices))
	for _, d := range devices {
		msgs = append(msgs, wire.OutgoingMessage{
			Kind:              wire.KindSealedSender,
			DestinationDevice: d,
			Content:           blob,
		})
	}
	list := wire.OutgoingMessageList{Destination: aci, Timestamp: timestamp, Messages: msgs, Urgent: true}
	body, err := list.Marshal()
	if err != nil {
		return err
	}

	path := "/v1/messages/" + aci
	if len(token) > 0 {
		path += "?token=" + hex.EncodeToString(token)
	}
	resp, err := s.socket.SendRequest(ctx, "PUT", path, body)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("chatservice: sealed send to %s: status %d %s", aci, resp.Status, resp.Message)
	}
	return nil
}

// distributeSenderKey sends our sender-key distribution message to every
// member device that has not received it yet and records the shares.
func (s *Service) distributeSenderKey(ctx context.Context, params *wirecrypto.SecretParams, g *groups.Group) error {
	dist := params.DistributionID()
	shared, err := s.store.SenderKeySharedWith(dist)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(shared))
	for _, a := range shared {
		have[a] = true
	}

	// aci -> devices still missing the distribution
	missing := make(map[string][]uint32)
	for _, m := range g.Members {
		if m.ACI == s.localACI {
			continue
		}
		devices, err := s.store.PeerDevices(m.ACI)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			devices = []uint32{1}
		}
		for _, d := range devices {
			addr := wire.NewAddress(m.ACI, d)
			if !have[addr.String()] {
				missing[m.ACI] = append(missing[m.ACI], d)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	s.cryptoMu.Lock()
	skd, err := wirecrypto.CreateSenderKeyDistribution(s.localAddress(), dist, s.store, s.store)
	s.cryptoMu.Unlock()
	if err != nil {
		return err
	}
	serialized, err := wire.MarshalContent(&wire.Content{SenderKeyDistribution: skd})
	if err != nil {
		return err
	}

	timestamp := uint64(time.Now().UnixMilli())
	for aci, devices := range missing {
		if err := s.sendContent(ctx, aci, devices, timestamp, serialized, false); err != nil {
			return fmt.Errorf("chatservice: distribute sender key to %s: %w", aci, err)
		}
		addrs := make([]string, len(devices))
		for i, d := range devices {
			addrs[i] = wire.NewAddress(aci, d).String()
		}
		if err := s.store.MarkSenderKeyShared(dist, addrs); err != nil {
			return err
		}
	}
	return nil
}

// resendGroupContent answers a retry report for a group send: the requester
// gets our sender key again, then the cached content re-encrypted under the
// current chain, pairwise-sealed for them alone.
func (s *Service) resendGroupContent(ctx context.Context, requester wire.Address, entry sendcache.Entry) error {
	stored, err := s.store.GetGroup(entry.GroupID)
	if err != nil {
		return err
	}
	if stored == nil {
		s.log.WithField("group", entry.GroupID).Debug("retry for unknown group, dropping")
		return nil
	}
	var masterKey wirecrypto.GroupMasterKey
	copy(masterKey[:], stored.MasterKey)

	g, err := s.groupSnapshot(ctx, masterKey)
	if err != nil {
		return err
	}
	if !g.IsMember(requester.ACI) {
		// Former members do not get group content resent to them.
		s.log.WithFields(logrus.Fields{
			"group":     entry.GroupID,
			"requester": requester.String(),
		}).Info("retry from non-member, dropping")
		return nil
	}

	params, err := wirecrypto.DeriveSecretParams(masterKey)
	if err != nil {
		return err
	}
	dist := params.DistributionID()

	s.cryptoMu.Lock()
	skd, err := wirecrypto.CreateSenderKeyDistribution(s.localAddress(), dist, s.store, s.store)
	s.cryptoMu.Unlock()
	if err != nil {
		return err
	}
	skdContent, err := wire.MarshalContent(&wire.Content{SenderKeyDistribution: skd})
	if err != nil {
		return err
	}
	if err := s.sendContent(ctx, requester.ACI, []uint32{requester.Device}, uint64(time.Now().UnixMilli()), skdContent, false); err != nil {
		return err
	}
	if err := s.store.MarkSenderKeyShared(dist, []string{requester.String()}); err != nil {
		return err
	}

	padded := wire.Pad(entry.Content)
	s.cryptoMu.Lock()
	ct, err := wirecrypto.GroupEncrypt(padded, s.localAddress(), dist, s.store, s.store)
	s.cryptoMu.Unlock()
	if err != nil {
		return err
	}

	cert, err := s.senderCertificate(ctx)
	if err != nil {
		return err
	}
	id := params.GroupID()
	sealed := &wirecrypto.UnsealedContent{
		Cert:     cert,
		Type:     ct.Type,
		Hint:     wire.HintResendable,
		GroupID:  id[:],
		Contents: ct.Bytes,
	}
	var token []byte
	if e, ok := s.cache.Get(id); ok {
		token = e.Tokens[requester.ACI]
	}
	return s.sendSealed(ctx, requester.ACI, []uint32{requester.Device}, entry.Timestamp, sealed, token)
}
