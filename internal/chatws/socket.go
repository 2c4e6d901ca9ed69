package chatws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/chatwire/internal/wire"
)

// State is the connection lifecycle state surfaced to listeners.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateLoggedOut  // terminal: credentials rejected
	StateFatalError // terminal: unrecoverable protocol error
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLoggedOut:
		return "logged-out"
	case StateFatalError:
		return "fatal-error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends the reconnect loop.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateFatalError
}

// StatusEvent is one lifecycle transition.
type StatusEvent struct {
	State State
	Err   error
}

var (
	// ErrClosed is returned for operations on a closed socket.
	ErrClosed = errors.New("chatws: socket closed")

	// ErrConnectionLost unblocks waiters whose connection generation died
	// before a response arrived.
	ErrConnectionLost = errors.New("chatws: connection lost before response")

	// ErrStaleRequest is returned when a queued request aged past the
	// send limit before the write loop could put it on the wire.
	ErrStaleRequest = errors.New("chatws: request too old to send")

	// ErrUnsolicitedResponse kills a generation that received a response
	// for a request id this socket never issued.
	ErrUnsolicitedResponse = errors.New("chatws: response for request never issued")
)

// Handler consumes server-initiated requests. respond sends the ACK for the
// request on the same connection.
type Handler func(ctx context.Context, req *wire.Request, respond func(status uint32, message string) error)

const (
	defaultKeepaliveInterval = 30 * time.Second
	defaultKeepaliveTimeout  = 20 * time.Second
	defaultKeepaliveMaxFails = 2
	defaultMaxRequestAge     = 30 * time.Second
	dialTimeout              = 30 * time.Second
	keepalivePath            = "/v1/keepalive"
)

type result struct {
	resp *wire.Response
	err  error
}

// outgoing is one queued write: either a request awaiting a response or a
// pre-built response (ACK).
type outgoing struct {
	req      *wire.Request
	resp     *wire.Response
	res      chan result // nil for responses
	enqueued time.Time
}

// Socket supervises one logical connection to the service: it owns the
// reconnect loop and, per connection generation, a read loop, a write loop,
// and a keepalive loop sharing one cancellation context. Requests from any
// goroutine are multiplexed over the connection and matched to responses by
// id.
type Socket struct {
	url      string
	tlsConf  *tls.Config
	headers  http.Header
	handler  Handler
	listener func(StatusEvent)
	log      logrus.FieldLogger

	kaInterval    time.Duration
	kaTimeout     time.Duration
	kaMaxFails    int
	maxRequestAge time.Duration
	backoff       *backoff

	nextID atomic.Uint64
	sendq  chan *outgoing
	forced atomic.Bool // ForceReconnect pending: skip backoff once

	mu      sync.Mutex
	waiters map[uint64]*outgoing
	conn    *Conn // current generation's connection

	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Socket.
type Option func(*Socket)

// WithTLSConfig sets the TLS configuration for the upgrade handshake.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(s *Socket) { s.tlsConf = tlsConf }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(s *Socket) { s.headers = h }
}

// WithHandler sets the consumer for server-initiated requests.
func WithHandler(h Handler) Option {
	return func(s *Socket) { s.handler = h }
}

// WithStatusListener sets the callback for lifecycle transitions.
func WithStatusListener(fn func(StatusEvent)) Option {
	return func(s *Socket) { s.listener = fn }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Socket) { s.log = log }
}

// WithKeepalive overrides the keepalive interval, per-ping timeout, and the
// number of consecutive failures that force a reconnect.
func WithKeepalive(interval, timeout time.Duration, maxFails int) Option {
	return func(s *Socket) {
		s.kaInterval = interval
		s.kaTimeout = timeout
		s.kaMaxFails = maxFails
	}
}

// WithBackoff overrides the reconnect backoff parameters.
func WithBackoff(floor, increment, ceiling time.Duration) Option {
	return func(s *Socket) { s.backoff = newBackoff(floor, increment, ceiling) }
}

// WithMaxRequestAge overrides how old a queued request may get before the
// write loop refuses it.
func WithMaxRequestAge(d time.Duration) Option {
	return func(s *Socket) { s.maxRequestAge = d }
}

// New returns an unstarted socket for the given URL.
func New(url string, opts ...Option) *Socket {
	s := &Socket{
		url:           url,
		log:           logrus.StandardLogger(),
		kaInterval:    defaultKeepaliveInterval,
		kaTimeout:     defaultKeepaliveTimeout,
		kaMaxFails:    defaultKeepaliveMaxFails,
		maxRequestAge: defaultMaxRequestAge,
		backoff:       newBackoff(defaultBackoffFloor, defaultBackoffIncrement, defaultBackoffCeiling),
		sendq:         make(chan *outgoing, 64),
		waiters:       make(map[uint64]*outgoing),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the supervisor. It returns immediately; connection state
// is reported through the status listener.
func (s *Socket) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Close terminates the supervisor and the current connection. Safe to call
// more than once.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.CloseNow()
	}
	if s.cancel != nil {
		<-s.done
	}
	return nil
}

// ForceReconnect drops the current connection; the supervisor dials a
// replacement immediately, skipping backoff. A no-op when not connected.
func (s *Socket) ForceReconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.forced.Store(true)
		conn.CloseNow()
	}
}

// SendRequest queues a request and blocks until its response arrives, the
// context is done, or the socket closes. Requests queued or still awaiting
// a response when the connection drops are resent on the next connection
// unless they age out first.
func (s *Socket) SendRequest(ctx context.Context, verb, path string, body []byte) (*wire.Response, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	o := &outgoing{
		req:      &wire.Request{Verb: verb, Path: path, Body: body},
		res:      make(chan result, 1),
		enqueued: time.Now(),
	}
	select {
	case s.sendq <- o:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
	select {
	case r := <-o.res:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// respond queues an ACK for a server-initiated request.
func (s *Socket) respond(ctx context.Context, id uint64, status uint32, message string) error {
	o := &outgoing{resp: &wire.Response{ID: id, Status: status, Message: message}}
	select {
	case s.sendq <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Socket) emit(state State, err error) {
	s.log.WithFields(logrus.Fields{"state": state.String()}).Debug("socket state")
	if s.listener != nil {
		s.listener(StatusEvent{State: state, Err: err})
	}
}

func (s *Socket) setConn(conn *Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// run is the supervisor: dial, run one generation, classify the failure,
// back off, repeat. Terminal states end the loop.
func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			s.emit(StateDisconnected, ctx.Err())
			return
		}
		s.emit(StateConnecting, nil)

		dctx, dcancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := Dial(dctx, s.url, s.tlsConf, s.headers)
		dcancel()
		if err != nil {
			var de *DialError
			if errors.As(err, &de) && de.Status == http.StatusForbidden {
				s.emit(StateLoggedOut, err)
				return
			}
			if errors.As(err, &de) && de.Status != 0 && de.Status != http.StatusSwitchingProtocols {
				s.emit(StateFatalError, err)
				return
			}
			s.emit(StateDisconnected, err)
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		s.setConn(conn)
		s.emit(StateConnected, nil)

		genErr := s.generation(ctx, conn)

		s.setConn(nil)
		conn.CloseNow()
		// Nothing may be left pending before the next generation starts,
		// or a late response could land on a stale waiter.
		s.drainWaiters()

		if s.closed.Load() || ctx.Err() != nil {
			s.emit(StateDisconnected, nil)
			return
		}
		s.log.WithError(genErr).Debug("connection lost")
		s.emit(StateDisconnected, genErr)
		if s.forced.Swap(false) {
			s.backoff.Reset()
			continue
		}
		if !s.sleep(ctx) {
			return
		}
	}
}

// sleep blocks for the next backoff delay; false means the context ended.
func (s *Socket) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.backoff.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// generation runs the three per-connection loops until the first of them
// fails, then cancels the shared context and waits for the rest.
func (s *Socket) generation(ctx context.Context, conn *Conn) error {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		cancel()
	}

	wg.Add(3)
	go func() { defer wg.Done(); fail(s.readLoop(gctx, conn)) }()
	go func() { defer wg.Done(); fail(s.writeLoop(gctx, conn)) }()
	go func() { defer wg.Done(); fail(s.keepaliveLoop(gctx)) }()
	wg.Wait()

	return firstErr
}

// readLoop demultiplexes inbound frames: responses go to their waiters,
// server-initiated requests to the handler.
func (s *Socket) readLoop(ctx context.Context, conn *Conn) error {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		switch frame.Type {
		case wire.FrameResponse:
			if err := s.deliver(frame.Response); err != nil {
				return err
			}
		case wire.FrameRequest:
			req := frame.Request
			if s.handler == nil {
				s.log.WithField("path", req.Path).Warn("no handler for server request")
				continue
			}
			go s.handler(ctx, req, func(status uint32, message string) error {
				return s.respond(ctx, req.ID, status, message)
			})
		}
	}
}

// writeLoop assigns request ids, registers waiters, and serializes frames
// onto the wire. Requests that sat queued past maxRequestAge are refused
// rather than sent.
func (s *Socket) writeLoop(ctx context.Context, conn *Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-s.sendq:
			if o.resp != nil {
				if err := conn.WriteFrame(ctx, wire.ResponseFrame(o.resp)); err != nil {
					return err
				}
				continue
			}
			if time.Since(o.enqueued) > s.maxRequestAge {
				o.res <- result{err: ErrStaleRequest}
				continue
			}
			id := s.nextID.Add(1)
			o.req.ID = id
			s.addWaiter(id, o)
			if err := conn.WriteFrame(ctx, wire.RequestFrame(o.req)); err != nil {
				// The waiter is unblocked by the generation teardown.
				return err
			}
		}
	}
}

// keepaliveLoop pings on a fixed interval through the regular request path.
// The backoff counter resets after the first successful keepalive of a
// connection; kaMaxFails consecutive failures kill the generation.
func (s *Socket) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.kaInterval)
	defer ticker.Stop()

	fails := 0
	confirmed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			kctx, kcancel := context.WithTimeout(ctx, s.kaTimeout)
			resp, err := s.SendRequest(kctx, "GET", keepalivePath, nil)
			kcancel()
			if err != nil || resp.Status != 200 {
				fails++
				s.log.WithError(err).WithField("fails", fails).Debug("keepalive failed")
				if fails >= s.kaMaxFails {
					return fmt.Errorf("chatws: %d consecutive keepalives failed", fails)
				}
				continue
			}
			fails = 0
			if !confirmed {
				s.backoff.Reset()
				confirmed = true
			}
		}
	}
}

func (s *Socket) addWaiter(id uint64, o *outgoing) {
	s.mu.Lock()
	s.waiters[id] = o
	s.mu.Unlock()
}

// deliver routes a response to its registered waiter and removes the slot.
// A response for an id this socket never allocated is a protocol violation
// that ends the generation; an id we did issue but no longer wait on (timed
// out, or answered on a previous generation) is dropped.
func (s *Socket) deliver(resp *wire.Response) error {
	s.mu.Lock()
	o, ok := s.waiters[resp.ID]
	if ok {
		delete(s.waiters, resp.ID)
	}
	s.mu.Unlock()
	if !ok {
		if resp.ID == 0 || resp.ID > s.nextID.Load() {
			return fmt.Errorf("%w: id %d", ErrUnsolicitedResponse, resp.ID)
		}
		s.log.WithField("id", resp.ID).Debug("response without waiter")
		return nil
	}
	o.res <- result{resp: resp}
	return nil
}

// drainWaiters empties the waiter table between generations. Requests that
// were on the wire but never answered go back on the queue for the next
// connection; the write loop's age check bounds how long they may float.
// On shutdown, or with a full queue, the waiter fails instead.
func (s *Socket) drainWaiters() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[uint64]*outgoing)
	s.mu.Unlock()
	for _, o := range waiters {
		if !s.closed.Load() {
			select {
			case s.sendq <- o:
				continue
			default:
			}
		}
		o.res <- result{err: ErrConnectionLost}
	}
}
