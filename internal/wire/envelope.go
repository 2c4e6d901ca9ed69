package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EnvelopeKind is the wire tag for the envelope forms the server delivers.
type EnvelopeKind uint8

const (
	KindUnknown EnvelopeKind = iota
	KindSealedSender
	KindPreKeyBundle
	KindCiphertext
	KindPlaintextContent
	KindServerReceipt
	KindSenderKeyMessage
)

// String returns the kind name for logging.
func (k EnvelopeKind) String() string {
	switch k {
	case KindSealedSender:
		return "sealed-sender"
	case KindPreKeyBundle:
		return "prekey-bundle"
	case KindCiphertext:
		return "ciphertext"
	case KindPlaintextContent:
		return "plaintext-content"
	case KindServerReceipt:
		return "server-receipt"
	case KindSenderKeyMessage:
		return "sender-key"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RawEnvelope is the envelope record as delivered in the body of a
// server-initiated "PUT /api/v1/message" request.
type RawEnvelope struct {
	Kind            EnvelopeKind `cbor:"1,keyasint"`
	SourceACI       string       `cbor:"2,keyasint,omitempty"` // absent for sealed sender
	SourceDevice    uint32       `cbor:"3,keyasint,omitempty"`
	Destination     string       `cbor:"4,keyasint,omitempty"` // destination identity selector ("aci" or "pni")
	Timestamp       uint64       `cbor:"5,keyasint,omitempty"` // sender timestamp, unix millis
	ServerTimestamp uint64       `cbor:"6,keyasint,omitempty"`
	Content         []byte       `cbor:"7,keyasint,omitempty"`
}

// ParseRawEnvelope decodes a raw envelope record.
func ParseRawEnvelope(data []byte) (*RawEnvelope, error) {
	env := new(RawEnvelope)
	if err := cbor.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env, nil
}

// Marshal encodes the raw envelope record.
func (e *RawEnvelope) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return data, nil
}

// Envelope is the closed set of envelope forms. Each variant carries only
// the fields that are meaningful for its kind; the decryption pipeline
// switches over these types exhaustively.
type Envelope interface {
	envelope()
}

// SealedSender hides the true sender; the source address is recovered by
// unsealing the body.
type SealedSender struct {
	Body            []byte
	Destination     string
	Timestamp       uint64
	ServerTimestamp uint64
}

// PreKeyBundle carries a session-establishing ciphertext.
type PreKeyBundle struct {
	Source      Address
	Destination string
	Body        []byte
	Timestamp   uint64
}

// Ciphertext carries a ciphertext for an established session.
type Ciphertext struct {
	Source      Address
	Destination string
	Body        []byte
	Timestamp   uint64
}

// PlaintextContent carries padded but unencrypted content, used for
// decryption-error reports where no session can be assumed.
type PlaintextContent struct {
	Source    Address
	Body      []byte
	Timestamp uint64
}

// ServerReceipt is a delivery receipt generated by the server.
type ServerReceipt struct {
	Source    Address
	Timestamp uint64
}

// SenderKeyMessage carries a group message encrypted with a sender key.
type SenderKeyMessage struct {
	Source    Address
	Body      []byte
	Timestamp uint64
}

func (*SealedSender) envelope()     {}
func (*PreKeyBundle) envelope()     {}
func (*Ciphertext) envelope()       {}
func (*PlaintextContent) envelope() {}
func (*ServerReceipt) envelope()    {}
func (*SenderKeyMessage) envelope() {}

// Decode turns a raw envelope record into its typed form, validating the
// fields each kind requires.
func (e *RawEnvelope) Decode() (Envelope, error) {
	source := Address{ACI: e.SourceACI, Device: e.SourceDevice}

	needSource := func() error {
		if e.SourceACI == "" {
			return fmt.Errorf("wire: %s envelope without source", e.Kind)
		}
		return nil
	}
	needBody := func() error {
		if len(e.Content) == 0 {
			return fmt.Errorf("wire: %s envelope without content", e.Kind)
		}
		return nil
	}

	switch e.Kind {
	case KindSealedSender:
		if err := needBody(); err != nil {
			return nil, err
		}
		return &SealedSender{
			Body:            e.Content,
			Destination:     e.Destination,
			Timestamp:       e.Timestamp,
			ServerTimestamp: e.ServerTimestamp,
		}, nil
	case KindPreKeyBundle:
		if err := needSource(); err != nil {
			return nil, err
		}
		if err := needBody(); err != nil {
			return nil, err
		}
		return &PreKeyBundle{Source: source, Destination: e.Destination, Body: e.Content, Timestamp: e.Timestamp}, nil
	case KindCiphertext:
		if err := needSource(); err != nil {
			return nil, err
		}
		if err := needBody(); err != nil {
			return nil, err
		}
		return &Ciphertext{Source: source, Destination: e.Destination, Body: e.Content, Timestamp: e.Timestamp}, nil
	case KindPlaintextContent:
		if err := needSource(); err != nil {
			return nil, err
		}
		if err := needBody(); err != nil {
			return nil, err
		}
		return &PlaintextContent{Source: source, Body: e.Content, Timestamp: e.Timestamp}, nil
	case KindServerReceipt:
		if err := needSource(); err != nil {
			return nil, err
		}
		return &ServerReceipt{Source: source, Timestamp: e.Timestamp}, nil
	case KindSenderKeyMessage:
		if err := needSource(); err != nil {
			return nil, err
		}
		if err := needBody(); err != nil {
			return nil, err
		}
		return &SenderKeyMessage{Source: source, Body: e.Content, Timestamp: e.Timestamp}, nil
	default:
		return nil, fmt.Errorf("wire: unknown envelope kind %d", uint8(e.Kind))
	}
}
