package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ContentHint tells a recipient that failed to decrypt whether the sender
// can resend the payload.
type ContentHint uint8

const (
	HintDefault    ContentHint = iota
	HintResendable             // sender keeps the ciphertext and can answer a retry request
	HintImplicit               // payload is reproducible state, not worth a retry
)

// Content is the decoded application payload of a successfully decrypted
// envelope. Exactly one of the optional fields is normally set.
type Content struct {
	DataMessage           *DataMessage           `cbor:"1,keyasint,omitempty"`
	NullMessage           *NullMessage           `cbor:"2,keyasint,omitempty"`
	DecryptionError       *DecryptionErrorReport `cbor:"3,keyasint,omitempty"`
	SenderKeyDistribution []byte                 `cbor:"4,keyasint,omitempty"`
	Receipt               *ReceiptMessage        `cbor:"5,keyasint,omitempty"`
}

// DataMessage is a user-visible message.
type DataMessage struct {
	Body        string        `cbor:"1,keyasint,omitempty"`
	Timestamp   uint64        `cbor:"2,keyasint,omitempty"`
	Group       *GroupContext `cbor:"3,keyasint,omitempty"`
	ProfileKey  []byte        `cbor:"4,keyasint,omitempty"`
	ExpireTimer uint32        `cbor:"5,keyasint,omitempty"` // disappearing-message duration, seconds
}

// GroupContext ties a message to a group and its revision. Change carries
// the encrypted GroupChange record that produced Revision, when the sender
// included one.
type GroupContext struct {
	MasterKey []byte `cbor:"1,keyasint"`
	Revision  uint32 `cbor:"2,keyasint"`
	Change    []byte `cbor:"3,keyasint,omitempty"`
}

// NullMessage advances session state without user-visible content.
type NullMessage struct {
	Padding []byte `cbor:"1,keyasint,omitempty"`
}

// ReceiptMessage acknowledges delivery or read of earlier messages.
type ReceiptMessage struct {
	Type       uint8    `cbor:"1,keyasint"`
	Timestamps []uint64 `cbor:"2,keyasint,omitempty"`
}

// Receipt types.
const (
	ReceiptDelivery uint8 = iota
	ReceiptRead
)

// DecryptionErrorReport tells the original sender that a message of theirs
// could not be decrypted. Signature covers the canonical encoding of the
// other fields with the reporter's identity signing key.
type DecryptionErrorReport struct {
	Timestamp  uint64 `cbor:"1,keyasint"`           // timestamp of the failed message
	DeviceID   uint32 `cbor:"2,keyasint"`           // device the failed message was addressed to
	RatchetKey []byte `cbor:"3,keyasint,omitempty"` // ratchet key of the failed ciphertext, if extractable
	Signature  []byte `cbor:"4,keyasint"`
}

// SigningPayload returns the bytes the report signature covers.
func (r *DecryptionErrorReport) SigningPayload() ([]byte, error) {
	unsigned := DecryptionErrorReport{
		Timestamp:  r.Timestamp,
		DeviceID:   r.DeviceID,
		RatchetKey: r.RatchetKey,
	}
	data, err := cbor.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal report payload: %w", err)
	}
	return data, nil
}

// MarshalContent encodes application content.
func MarshalContent(c *Content) ([]byte, error) {
	data, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal content: %w", err)
	}
	return data, nil
}

// ParseContent decodes application content from stripped plaintext.
func ParseContent(data []byte) (*Content, error) {
	c := new(Content)
	if err := cbor.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("wire: unmarshal content: %w", err)
	}
	return c, nil
}

// OutgoingMessage is one per-device ciphertext of an outbound send.
type OutgoingMessage struct {
	Kind              EnvelopeKind `cbor:"1,keyasint"`
	DestinationDevice uint32       `cbor:"2,keyasint"`
	Content           []byte       `cbor:"3,keyasint"`
}

// OutgoingMessageList is the body of PUT /v1/messages/{destination}.
type OutgoingMessageList struct {
	Destination string            `cbor:"1,keyasint"`
	Timestamp   uint64            `cbor:"2,keyasint"`
	Messages    []OutgoingMessage `cbor:"3,keyasint"`
	Urgent      bool              `cbor:"4,keyasint,omitempty"`
}

// Marshal encodes the message list for the transport.
func (l *OutgoingMessageList) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal message list: %w", err)
	}
	return data, nil
}
