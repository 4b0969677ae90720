package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
)

// RequestHandler is invoked for every frame a client sends to a WSServer.
type RequestHandler func(conn *WSConn, msg protocol.Message)

// WSServer is an in-process backend speaking the dashboard wire protocol.
type WSServer struct {
	*httptest.Server

	// URL is the ws:// address of the server.
	URL string

	upgrader websocket.Upgrader
	handler  RequestHandler

	mu       sync.Mutex
	conns    []*WSConn
	accepted chan *WSConn

	refuse atomic.Bool
	dials  atomic.Int32
}

// WSConn is the server side of one client connection.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Received holds every decoded frame sent by the client.
	Received chan protocol.Message
	closed   chan struct{}
	once     sync.Once
}

// NewWSServer starts a server that passes client frames to handler. A nil
// handler answers every request with an empty successful response.
func NewWSServer(t *testing.T, handler RequestHandler) *WSServer {
	t.Helper()

	if handler == nil {
		handler = func(c *WSConn, msg protocol.Message) {
			_ = c.Reply(msg, map[string]any{})
		}
	}

	s := &WSServer{
		handler:  handler,
		accepted: make(chan *WSConn, 16),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = "ws" + strings.TrimPrefix(s.Server.URL, "http")

	t.Cleanup(s.Close)
	return s
}

func (s *WSServer) serve(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &WSConn{
		conn:     conn,
		Received: make(chan protocol.Message, 256),
		closed:   make(chan struct{}),
	}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	select {
	case s.accepted <- c:
	default:
	}

	defer c.Drop()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		select {
		case c.Received <- msg:
		default:
		}
		s.handler(c, msg)
	}
}

// Close drops every client connection and stops the server.
func (s *WSServer) Close() {
	s.mu.Lock()
	conns := append([]*WSConn(nil), s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		c.Drop()
	}
	s.Server.Close()
}

// Refuse makes subsequent handshakes fail with 503 when on is true.
func (s *WSServer) Refuse(on bool) {
	s.refuse.Store(on)
}

// Dials returns the number of handshake attempts, refused ones included.
func (s *WSServer) Dials() int {
	return int(s.dials.Load())
}

// Connections returns the number of accepted connections.
func (s *WSServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Latest returns the most recently accepted connection, or nil.
func (s *WSServer) Latest() *WSConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// WaitConn returns the next accepted connection or fails the test.
func (s *WSServer) WaitConn(t *testing.T, timeout time.Duration) *WSConn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(timeout):
		t.Fatalf("no connection accepted within %s", timeout)
		return nil
	}
}

// Broadcast sends msg to every open connection.
func (s *WSServer) Broadcast(msg protocol.Message) {
	s.mu.Lock()
	conns := append([]*WSConn(nil), s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Send(msg)
	}
}

// Send writes a message to the client.
func (c *WSConn) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(frame)
}

// SendRaw writes an arbitrary text frame to the client.
func (c *WSConn) SendRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Reply answers req with a successful response carrying payload.
func (c *WSConn) Reply(req protocol.Message, payload any) error {
	msg, err := protocol.NewResponse(req.Action, req.RequestID, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// ReplyError answers req with an error frame.
func (c *WSConn) ReplyError(req protocol.Message, code, message string) error {
	return c.Send(protocol.NewError(req.Action, req.RequestID, code, message))
}

// Next returns the next frame received from the client or fails the test.
func (c *WSConn) Next(t *testing.T, timeout time.Duration) protocol.Message {
	t.Helper()
	select {
	case msg := <-c.Received:
		return msg
	case <-time.After(timeout):
		t.Fatalf("no frame received within %s", timeout)
		return protocol.Message{}
	}
}

// Drop closes the connection without a close handshake.
func (c *WSConn) Drop() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Done is closed once the connection has been dropped.
func (c *WSConn) Done() <-chan struct{} {
	return c.closed
}
