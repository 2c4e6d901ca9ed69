// Package chatws provides CBOR-framed WebSocket communication with the
// chat service: a thin framed connection plus a supervised socket that
// owns reconnection, request multiplexing, and keepalives.
package chatws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gwillem/chatwire/internal/wire"
)

// DialError is returned when the WebSocket upgrade itself fails. Status
// holds the HTTP status of the rejected upgrade, 0 when no response was
// received at all.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chatws: dial rejected with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("chatws: dial: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Conn wraps a WebSocket connection with CBOR frame framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.Status = resp.StatusCode
		}
		return nil, de
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and decodes the next frame from the connection.
func (c *Conn) ReadFrame(ctx context.Context) (*wire.Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatws: read: %w", err)
	}
	frame, err := wire.ParseFrame(data)
	if err != nil {
		return nil, fmt.Errorf("chatws: %w", err)
	}
	return frame, nil
}

// WriteFrame encodes and sends a frame.
func (c *Conn) WriteFrame(ctx context.Context, frame *wire.Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("chatws: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("chatws: write: %w", err)
	}
	return nil
}

// WriteResponse sends a response frame (used for ACKs).
func (c *Conn) WriteResponse(ctx context.Context, id uint64, status uint32, message string) error {
	return c.WriteFrame(ctx, wire.ResponseFrame(&wire.Response{
		ID:      id,
		Status:  status,
		Message: message,
	}))
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
