package chatservice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/chatwire/internal/sendcache"
	"github.com/gwillem/chatwire/internal/wire"
	"github.com/gwillem/chatwire/internal/wirecrypto"
)

const maxDeviceRetries = 3

// Send encrypts and submits a 1:1 text message to every device of the
// recipient. It returns the client timestamp that identifies the message.
func (s *Service) Send(ctx context.Context, recipient, body string) (uint64, error) {
	timestamp := uint64(time.Now().UnixMilli())
	dm := &wire.DataMessage{Body: body, Timestamp: timestamp}
	if acct, err := s.store.LoadAccount(); err == nil && acct != nil {
		dm.ProfileKey = acct.ProfileKey
	}
	serialized, err := wire.MarshalContent(&wire.Content{DataMessage: dm})
	if err != nil {
		return 0, err
	}

	if err := s.sendContent(ctx, recipient, nil, timestamp, serialized, true); err != nil {
		return 0, err
	}

	s.sent.Put(sendcache.Entry{
		Recipient: recipient,
		Timestamp: timestamp,
		Content:   serialized,
		Hint:      wire.HintResendable,
	})
	return timestamp, nil
}

// mismatchedDevices is the body of a 409/410 response to a message submit.
type mismatchedDevices struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
	StaleDevices   []uint32 `json:"staleDevices"`
}

// sendContent encrypts serialized content for each target device and
// submits the batch. A nil device list means every known device of the
// recipient. Device mismatches reported by the server (409/410) update the
// local device list and the send is retried a bounded number of times.
func (s *Service) sendContent(ctx context.Context, recipient string, devices []uint32, timestamp uint64, serialized []byte, urgent bool) error {
	if devices == nil {
		var err error
		devices, err = s.store.PeerDevices(recipient)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			devices = []uint32{1}
		}
	}

	for attempt := 0; attempt < maxDeviceRetries; attempt++ {
		msgs, err := s.encryptForDevices(ctx, recipient, devices, serialized)
		if err != nil {
			return err
		}
		list := wire.OutgoingMessageList{
			Destination: recipient,
			Timestamp:   timestamp,
			Messages:    msgs,
			Urgent:      urgent,
		}
		body, err := list.Marshal()
		if err != nil {
			return err
		}
		resp, err := s.socket.SendRequest(ctx, "PUT", "/v1/messages/"+recipient, body)
		if err != nil {
			return err
		}
		switch resp.Status {
		case 200:
			return nil
		case 409, 410:
			devices, err = s.reconcileDevices(recipient, devices, resp)
			if err != nil {
				return err
			}
			s.log.WithFields(logrus.Fields{"recipient": recipient, "devices": devices}).
				Debug("device mismatch, retrying send")
		default:
			return fmt.Errorf("chatservice: send to %s: status %d %s", recipient, resp.Status, resp.Message)
		}
	}
	return fmt.Errorf("chatservice: send to %s: device list would not settle", recipient)
}

// encryptForDevices produces one per-device ciphertext, establishing
// sessions as needed. Our own device is skipped on sends to ourselves.
func (s *Service) encryptForDevices(ctx context.Context, recipient string, devices []uint32, serialized []byte) ([]wire.OutgoingMessage, error) {
	padded := wire.Pad(serialized)

	s.cryptoMu.Lock()
	defer s.cryptoMu.Unlock()

	var msgs []wire.OutgoingMessage
	for _, device := range devices {
		if recipient == s.localACI && device == s.localDevice {
			continue
		}
		addr := wire.NewAddress(recipient, device)
		if err := s.ensureSession(ctx, addr); err != nil {
			return nil, err
		}
		ct, err := wirecrypto.Encrypt(padded, addr, s.store)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, wire.OutgoingMessage{
			Kind:              envelopeKindFor(ct.Type),
			DestinationDevice: device,
			Content:           ct.Bytes,
		})
	}
	return msgs, nil
}

func envelopeKindFor(t wirecrypto.CiphertextType) wire.EnvelopeKind {
	switch t {
	case wirecrypto.TypePreKey:
		return wire.KindPreKeyBundle
	case wirecrypto.TypeSenderKey:
		return wire.KindSenderKeyMessage
	default:
		return wire.KindCiphertext
	}
}

// ensureSession establishes a session with addr if none exists, fetching a
// prekey bundle from the server. Callers hold cryptoMu.
func (s *Service) ensureSession(ctx context.Context, addr wire.Address) error {
	rec, err := s.store.LoadSession(addr)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}
	bundle, err := s.fetchPreKeyBundle(ctx, addr)
	if err != nil {
		return err
	}
	return wirecrypto.ProcessPreKeyBundle(bundle, addr, s.store, s.store)
}

// preKeyResponse is the JSON body of GET /v2/keys/{aci}/{device}.
type preKeyResponse struct {
	IdentityBoxKey  []byte         `json:"identityKey"`
	IdentitySignKey []byte         `json:"identitySignKey"`
	Devices         []preKeyDevice `json:"devices"`
}

type preKeyDevice struct {
	DeviceID       uint32 `json:"deviceId"`
	RegistrationID uint32 `json:"registrationId"`
	PreKeyID       uint32 `json:"preKeyId"`
	PreKey         []byte `json:"preKey"`
}

func (s *Service) fetchPreKeyBundle(ctx context.Context, addr wire.Address) (*wirecrypto.PreKeyBundle, error) {
	resp, err := s.socket.SendRequest(ctx, "GET", fmt.Sprintf("/v2/keys/%s/%d", addr.ACI, addr.Device), nil)
	if err != nil {
		return nil, err
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("chatservice: fetch prekeys for %s: status %d %s", addr, resp.Status, resp.Message)
	}
	var pkr preKeyResponse
	if err := json.Unmarshal(resp.Body, &pkr); err != nil {
		return nil, fmt.Errorf("chatservice: parse prekey response: %w", err)
	}
	for _, d := range pkr.Devices {
		if d.DeviceID != addr.Device {
			continue
		}
		return &wirecrypto.PreKeyBundle{
			RegistrationID:  d.RegistrationID,
			PreKeyID:        d.PreKeyID,
			PreKeyPub:       d.PreKey,
			IdentityBoxPub:  pkr.IdentityBoxKey,
			IdentitySignPub: pkr.IdentitySignKey,
		}, nil
	}
	return nil, fmt.Errorf("chatservice: no prekeys for %s", addr)
}

// reconcileDevices folds a 409/410 mismatch response into the device list
// and drops sessions the server no longer recognizes.
func (s *Service) reconcileDevices(recipient string, devices []uint32, resp *wire.Response) ([]uint32, error) {
	var mm mismatchedDevices
	if err := json.Unmarshal(resp.Body, &mm); err != nil {
		return nil, fmt.Errorf("chatservice: parse device mismatch: %w", err)
	}

	drop := make(map[uint32]bool)
	for _, d := range mm.ExtraDevices {
		drop[d] = true
	}
	for _, d := range mm.StaleDevices {
		drop[d] = true
	}
	for d := range drop {
		if err := s.store.DeleteSession(wire.NewAddress(recipient, d)); err != nil {
			return nil, err
		}
	}

	var next []uint32
	for _, d := range devices {
		if !containsDevice(mm.ExtraDevices, d) {
			next = append(next, d)
		}
	}
	for _, d := range mm.MissingDevices {
		if !containsDevice(next, d) {
			next = append(next, d)
		}
	}
	if len(next) == 0 {
		next = []uint32{1}
	}
	if err := s.store.SetPeerDevices(recipient, next); err != nil {
		return nil, err
	}
	return next, nil
}

func containsDevice(list []uint32, d uint32) bool {
	for _, x := range list {
		if x == d {
			return true
		}
	}
	return false
}

// sendPlaintext submits unencrypted padded content to a single device, for
// payloads that must be readable without a session.
func (s *Service) sendPlaintext(ctx context.Context, addr wire.Address, content *wire.Content) error {
	serialized, err := wire.MarshalContent(content)
	if err != nil {
		return err
	}
	padded := wire.Pad(serialized)
	list := wire.OutgoingMessageList{
		Destination: addr.ACI,
		Timestamp:   uint64(time.Now().UnixMilli()),
		Messages: []wire.OutgoingMessage{{
			Kind:              wire.KindPlaintextContent,
			DestinationDevice: addr.Device,
			Content:           padded,
		}},
	}
	body, err := list.Marshal()
	if err != nil {
		return err
	}
	resp, err := s.socket.SendRequest(ctx, "PUT", "/v1/messages/"+addr.ACI, body)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("chatservice: send plaintext to %s: status %d %s", addr, resp.Status, resp.Message)
	}
	return nil
}
