// Package wire defines the frame, envelope, and content types exchanged with
// the messaging server, encoded as CBOR.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FrameType discriminates the two frame shapes on the socket.
type FrameType uint8

const (
	FrameUnknown FrameType = iota
	FrameRequest
	FrameResponse
)

// Request is a client- or server-initiated request frame.
// Server-initiated requests reuse the same shape without a prior
// client request.
type Request struct {
	ID      uint64   `cbor:"1,keyasint"`
	Verb    string   `cbor:"2,keyasint"`
	Path    string   `cbor:"3,keyasint"`
	Headers []string `cbor:"4,keyasint,omitempty"`
	Body    []byte   `cbor:"5,keyasint,omitempty"`
}

// Response answers a Request with the matching ID.
type Response struct {
	ID      uint64   `cbor:"1,keyasint"`
	Status  uint32   `cbor:"2,keyasint"`
	Message string   `cbor:"3,keyasint,omitempty"`
	Headers []string `cbor:"4,keyasint,omitempty"`
	Body    []byte   `cbor:"5,keyasint,omitempty"`
}

// Frame is a single websocket binary message.
type Frame struct {
	Type     FrameType `cbor:"1,keyasint"`
	Request  *Request  `cbor:"2,keyasint,omitempty"`
	Response *Response `cbor:"3,keyasint,omitempty"`
}

// Marshal encodes the frame for the wire.
func (f *Frame) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame: %w", err)
	}
	return data, nil
}

// ParseFrame decodes a frame and validates that the payload matches its type.
func ParseFrame(data []byte) (*Frame, error) {
	f := new(Frame)
	if err := cbor.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	switch f.Type {
	case FrameRequest:
		if f.Request == nil {
			return nil, fmt.Errorf("wire: request frame without request")
		}
	case FrameResponse:
		if f.Response == nil {
			return nil, fmt.Errorf("wire: response frame without response")
		}
	default:
		return nil, fmt.Errorf("wire: unknown frame type %d", f.Type)
	}
	return f, nil
}

// RequestFrame builds a request frame.
func RequestFrame(req *Request) *Frame {
	return &Frame{Type: FrameRequest, Request: req}
}

// ResponseFrame builds a response frame (used for ACKs).
func ResponseFrame(resp *Response) *Frame {
	return &Frame{Type: FrameResponse, Response: resp}
}
