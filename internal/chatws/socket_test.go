package chatws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gwillem/chatwire/internal/wire"
)

// wsURL converts an httptest server URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame *wire.Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageBinary, data)
}

func readFrame(ctx context.Context, ws *websocket.Conn) (*wire.Frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return wire.ParseFrame(data)
}

// answer responds 200 to a request frame.
func answer(ctx context.Context, ws *websocket.Conn, req *wire.Request, body []byte) error {
	return writeFrame(ctx, ws, wire.ResponseFrame(&wire.Response{
		ID:     req.ID,
		Status: 200,
		Body:   body,
	}))
}

// startSocket builds and starts a socket with fast test timings.
func startSocket(t *testing.T, url string, opts ...Option) *Socket {
	t.Helper()
	opts = append([]Option{
		WithKeepalive(time.Hour, time.Second, 2), // keepalive out of the way by default
		WithBackoff(10*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond),
	}, opts...)
	s := New(url, opts...)
	s.Start()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendRequestRoundtrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type == wire.FrameRequest {
				if err := answer(ctx, ws, frame.Request, []byte("pong:"+frame.Request.Path)); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	s := startSocket(t, wsURL(srv))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := s.SendRequest(ctx, "GET", "/v1/thing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || string(resp.Body) != "pong:/v1/thing" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestResponsesMatchedOutOfOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		// Collect two requests, then answer them in reverse order.
		var reqs []*wire.Request
		for len(reqs) < 2 {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type == wire.FrameRequest {
				reqs = append(reqs, frame.Request)
			}
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			if err := answer(ctx, ws, reqs[i], []byte(reqs[i].Path)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := startSocket(t, wsURL(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	paths := []string{"/v1/first", "/v1/second"}
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			resp, err := s.SendRequest(ctx, "GET", path, nil)
			if err != nil {
				t.Errorf("%s: %v", path, err)
				return
			}
			if string(resp.Body) != path {
				t.Errorf("%s got response for %q", path, resp.Body)
			}
		}(path)
	}
	wg.Wait()
}

func TestServerRequestDispatchedAndAcked(t *testing.T) {
	gotAck := make(chan *wire.Response, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		if err := writeFrame(ctx, ws, wire.RequestFrame(&wire.Request{
			ID:   77,
			Verb: "PUT",
			Path: "/api/v1/message",
			Body: []byte("incoming"),
		})); err != nil {
			return
		}
		for {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type == wire.FrameResponse {
				gotAck <- frame.Response
				return
			}
		}
	}))
	defer srv.Close()

	received := make(chan *wire.Request, 1)
	handler := func(ctx context.Context, req *wire.Request, respond func(uint32, string) error) {
		received <- req
		if err := respond(200, "OK"); err != nil {
			t.Errorf("respond: %v", err)
		}
	}
	startSocket(t, wsURL(srv), WithHandler(handler))

	select {
	case req := <-received:
		if req.Path != "/api/v1/message" || string(req.Body) != "incoming" {
			t.Fatalf("req = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server request never reached the handler")
	}
	select {
	case ack := <-gotAck:
		if ack.ID != 77 || ack.Status != 200 {
			t.Fatalf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the ACK")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var connCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connCount.Add(1)
		if n == 1 {
			ws.Close(websocket.StatusGoingAway, "bye")
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type == wire.FrameRequest {
				if err := answer(ctx, ws, frame.Request, []byte("second life")); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	s := startSocket(t, wsURL(srv), WithStatusListener(func(ev StatusEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := s.SendRequest(ctx, "GET", "/v1/after", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "second life" {
		t.Fatalf("resp = %+v", resp)
	}
	if connCount.Load() < 2 {
		t.Fatalf("connections = %d, want at least 2", connCount.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	sawDisconnected := false
	for _, st := range states {
		if st == StateDisconnected {
			sawDisconnected = true
		}
	}
	if !sawDisconnected {
		t.Errorf("no disconnected transition reported: %v", states)
	}
}

func TestForbiddenUpgradeIsTerminal(t *testing.T) {
	var connCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connCount.Add(1)
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	terminal := make(chan State, 1)
	startSocket(t, wsURL(srv), WithStatusListener(func(ev StatusEvent) {
		if ev.State.Terminal() {
			select {
			case terminal <- ev.State:
			default:
			}
		}
	}))

	select {
	case st := <-terminal:
		if st != StateLoggedOut {
			t.Fatalf("terminal state = %v, want logged-out", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal state emitted")
	}

	before := connCount.Load()
	time.Sleep(100 * time.Millisecond)
	if connCount.Load() != before {
		t.Fatal("socket kept reconnecting after logged-out")
	}
}

func TestUnexpectedUpgradeStatusIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	terminal := make(chan State, 1)
	startSocket(t, wsURL(srv), WithStatusListener(func(ev StatusEvent) {
		if ev.State.Terminal() {
			select {
			case terminal <- ev.State:
			default:
			}
		}
	}))

	select {
	case st := <-terminal:
		if st != StateFatalError {
			t.Fatalf("terminal state = %v, want fatal-error", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal state emitted")
	}
}

func TestStaleQueuedRequestRefused(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release // stall the upgrade so requests queue up
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type == wire.FrameRequest {
				if err := answer(ctx, ws, frame.Request, nil); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	s := startSocket(t, wsURL(srv), WithMaxRequestAge(50*time.Millisecond))

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := s.SendRequest(ctx, "GET", "/v1/stale", nil)
		errc <- err
	}()

	// Let the request age past the limit before the connection comes up.
	time.Sleep(200 * time.Millisecond)
	close(release)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStaleRequest) {
			t.Fatalf("got %v, want ErrStaleRequest", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stale request never resolved")
	}
}

func TestKeepaliveFailuresForceReconnect(t *testing.T) {
	var connCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		connCount.Add(1)
		defer ws.CloseNow()
		// Read but never answer, so keepalives time out.
		ctx := r.Context()
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	startSocket(t, wsURL(srv),
		WithKeepalive(30*time.Millisecond, 30*time.Millisecond, 2))

	deadline := time.After(3 * time.Second)
	for connCount.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("connections = %d, want reconnect after failed keepalives", connCount.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestForceReconnect(t *testing.T) {
	var connCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		connCount.Add(1)
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	connected := make(chan struct{}, 4)
	s := startSocket(t, wsURL(srv), WithStatusListener(func(ev StatusEvent) {
		if ev.State == StateConnected {
			connected <- struct{}{}
		}
	}))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	s.ForceReconnect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after ForceReconnect")
	}
	if connCount.Load() < 2 {
		t.Fatalf("connections = %d, want 2", connCount.Load())
	}
}

func TestInFlightRequestResentAfterDrop(t *testing.T) {
	var connCount atomic.Int32
	paths := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connCount.Add(1)
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			frame, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if frame.Type != wire.FrameRequest {
				continue
			}
			paths <- frame.Request.Path
			if n == 1 {
				// Swallow the request and die before answering.
				ws.CloseNow()
				return
			}
			if err := answer(ctx, ws, frame.Request, []byte("finally")); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := startSocket(t, wsURL(srv), WithMaxRequestAge(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := s.SendRequest(ctx, "GET", "/v1/persist", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "finally" {
		t.Fatalf("resp = %+v", resp)
	}

	// The same request went over the wire on both connections.
	for i := 0; i < 2; i++ {
		select {
		case p := <-paths:
			if p != "/v1/persist" {
				t.Fatalf("request %d path = %q", i, p)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("request seen %d times, want 2", i)
		}
	}
}

func TestForceReconnectSkipsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	connected := make(chan struct{}, 4)
	// A backoff floor far beyond the test deadline: any reconnect that
	// arrives in time must have skipped it.
	s := startSocket(t, wsURL(srv),
		WithBackoff(time.Minute, time.Minute, time.Minute),
		WithStatusListener(func(ev StatusEvent) {
			if ev.State == StateConnected {
				connected <- struct{}{}
			}
		}))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	s.ForceReconnect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("forced reconnect waited for backoff")
	}
}

func TestUnsolicitedResponseEndsGeneration(t *testing.T) {
	var connCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connCount.Add(1)
		defer ws.CloseNow()
		ctx := r.Context()
		if n == 1 {
			// A response for a request id the client never issued.
			writeFrame(ctx, ws, wire.ResponseFrame(&wire.Response{ID: 999, Status: 200}))
		}
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	violation := make(chan error, 1)
	startSocket(t, wsURL(srv), WithStatusListener(func(ev StatusEvent) {
		if ev.State == StateDisconnected && errors.Is(ev.Err, ErrUnsolicitedResponse) {
			select {
			case violation <- ev.Err:
			default:
			}
		}
	}))

	select {
	case <-violation:
	case <-time.After(2 * time.Second):
		t.Fatal("unsolicited response did not end the generation")
	}

	// The supervisor recovers with a fresh connection.
	deadline := time.After(2 * time.Second)
	for connCount.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("connections = %d, want reconnect after violation", connCount.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestCloseUnblocksPendingRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		// Swallow requests without answering.
		ctx := r.Context()
		for {
			if _, err := readFrame(ctx, ws); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := startSocket(t, wsURL(srv))

	errc := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "GET", "/v1/never", nil)
		errc <- err
	}()

	time.Sleep(100 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("pending request resolved without error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not unblocked by Close")
	}
}
