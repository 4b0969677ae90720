package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/resilience"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/shared/id"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 4 << 20
	closeGraceWait = time.Second
)

// errSuperseded ends a reconnect loop made obsolete by a newer connection.
var errSuperseded = errors.New("realtime: reconnect loop superseded")

// SessionOptions configures a Session.
type SessionOptions struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Backoff          resilience.Backoff
	// PingInterval enables client keepalive pings. Zero leaves keepalive to
	// the server.
	PingInterval time.Duration

	// OnMessage receives every inbound frame, in wire order, from the
	// session's read goroutine.
	OnMessage func(frame []byte)
	// OnConnect runs after each successful connection. n is 1 for the first
	// connection and increases on every reconnection.
	OnConnect func(n int)
	// OnDisconnect runs when an open socket is lost unexpectedly.
	OnDisconnect func(err error)
}

// Session owns the single physical connection to the backend and its
// reconnection policy.
type Session struct {
	opts    SessionOptions
	dialer  *websocket.Dialer
	logger  *logging.Logger
	metrics *monitoring.Metrics

	lifetime context.Context
	cancel   context.CancelFunc

	mu          sync.Mutex
	state       State
	link        *link
	inflight    *dialAttempt
	attempt     int
	terminal    bool
	retrying    bool
	retryGen    uint64
	lastErr     error
	since       time.Time
	connections int
	closed      bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// link is one open socket.
type link struct {
	conn *websocket.Conn
	id   id.ConnectionID
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// dialAttempt is shared by every caller that joins an in-flight handshake.
type dialAttempt struct {
	done chan struct{}
	err  error
}

// NewSession creates a disconnected session.
func NewSession(opts SessionOptions, logger *logging.Logger, metrics *monitoring.Metrics) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.OnMessage == nil {
		opts.OnMessage = func([]byte) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger:   logging.OrNop(logger).Named("session"),
		metrics:  metrics,
		lifetime: ctx,
		cancel:   cancel,
		since:    time.Now(),
	}
}

// Connect opens the connection. It returns immediately when already
// connected and joins the in-flight handshake when one is running. A failed
// handshake starts automatic reconnection unless the retry budget is spent.
// Calling Connect after the terminal state starts a fresh budget; while
// reconnection is still pending it dials at once and keeps the budget.
// Cancelling ctx stops waiting but does not abort a shared handshake.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if a := s.inflight; a != nil {
		s.mu.Unlock()
		return a.wait(ctx)
	}

	if s.terminal {
		s.attempt = 0
		s.terminal = false
	}
	a := s.beginDialLocked()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.dial(a)
	}()
	return a.wait(ctx)
}

func (a *dialAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginDialLocked marks a handshake as in flight. The caller must run
// s.dial(a).
func (s *Session) beginDialLocked() *dialAttempt {
	a := &dialAttempt{done: make(chan struct{})}
	s.inflight = a
	s.setStateLocked(StateConnecting)
	return a
}

func (s *Session) dial(a *dialAttempt) {
	ctx, cancel := context.WithTimeout(s.lifetime, s.opts.HandshakeTimeout)
	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	s.inflight = nil

	if err != nil {
		a.err = &ConnectionError{Op: "dial", Err: err}
		if s.closed {
			a.err = ErrClosed
			s.mu.Unlock()
			close(a.done)
			return
		}
		s.lastErr = a.err
		s.setStateLocked(StateDisconnected)
		s.logger.Warn("Connection attempt failed",
			zap.String("url", s.opts.URL),
			zap.Int("attempt", s.attempt),
			zap.Error(err))
		s.startRetryLocked()
		s.mu.Unlock()
		close(a.done)
		return
	}

	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		a.err = ErrClosed
		close(a.done)
		return
	}

	conn.SetReadLimit(maxFrameSize)
	l := &link{conn: conn, id: id.NewConnectionID(), done: make(chan struct{})}
	s.link = l
	s.attempt = 0
	s.terminal = false
	s.retrying = false
	s.retryGen++
	s.lastErr = nil
	s.connections++
	n := s.connections
	s.setStateLocked(StateConnected)

	s.wg.Add(1)
	go s.readLoop(l)
	if s.opts.PingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(l)
	}
	s.mu.Unlock()

	s.logger.Info("Connected",
		zap.String("url", s.opts.URL),
		zap.String("connection_id", l.id.String()),
		zap.Int("connection", n))
	close(a.done)

	if s.opts.OnConnect != nil {
		s.opts.OnConnect(n)
	}
}

// startRetryLocked begins reconnecting after a failed dial or a lost
// socket. A loop that is already running keeps its budget.
func (s *Session) startRetryLocked() {
	if s.retrying {
		return
	}
	if s.opts.Backoff.Exhausted(1) {
		s.giveUpLocked()
		return
	}
	s.retrying = true
	s.retryGen++
	s.attempt = 1
	gen := s.retryGen

	s.logger.Info("Scheduling reconnect",
		zap.Int("max_attempts", s.opts.Backoff.MaxAttempts),
		zap.Duration("delay", s.opts.Backoff.Delay(1)))

	s.wg.Add(1)
	go s.retryLoop(gen)
}

// retryLoop owns reconnection until a socket opens, the session closes or
// the budget is spent. A successful dial from anywhere bumps retryGen and
// retires the loop.
func (s *Session) retryLoop(gen uint64) {
	defer s.wg.Done()

	err := s.opts.Backoff.Retry(s.lifetime,
		func(attempt int) error { return s.redial(gen, attempt) },
		func(attempt int, err error) {
			s.logger.Debug("Reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.opts.Backoff.MaxAttempts),
				zap.Error(err))
		})
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.retryGen {
		return
	}
	s.retrying = false
	s.giveUpLocked()
}

func (s *Session) redial(gen uint64, attempt int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return resilience.Permanent(ErrClosed)
	}
	if gen != s.retryGen {
		s.mu.Unlock()
		return resilience.Permanent(errSuperseded)
	}
	s.attempt = attempt
	a := s.inflight
	own := a == nil
	if own {
		a = s.beginDialLocked()
	}
	s.mu.Unlock()

	if own {
		s.metrics.IncReconnectAttempts()
		s.dial(a)
	} else {
		<-a.done
	}
	if a.err == nil {
		return nil
	}

	s.mu.Lock()
	if gen == s.retryGen && !s.opts.Backoff.Exhausted(attempt+1) {
		s.attempt = attempt + 1
	}
	s.mu.Unlock()
	return a.err
}

func (s *Session) giveUpLocked() {
	s.terminal = true
	s.lastErr = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.opts.Backoff.MaxAttempts, s.lastErr)
	s.setStateLocked(StateDisconnected)
	s.logger.Error("Giving up reconnecting",
		zap.String("url", s.opts.URL),
		zap.Int("max_attempts", s.opts.Backoff.MaxAttempts))
}

func (s *Session) readLoop(l *link) {
	defer s.wg.Done()

	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			s.lost(l, err)
			return
		}
		s.opts.OnMessage(frame)
	}
}

func (s *Session) pingLoop(l *link) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("Ping failed", zap.Error(err))
				l.close()
				return
			}
		}
	}
}

// lost handles the end of a read loop. Events from a superseded link are
// ignored.
func (s *Session) lost(l *link, err error) {
	l.close()

	s.mu.Lock()
	if s.link != l || s.closed {
		s.mu.Unlock()
		return
	}
	s.link = nil
	cause := &ConnectionError{Op: "read", Err: err}
	s.lastErr = cause
	s.setStateLocked(StateDisconnected)
	s.logger.Warn("Connection lost",
		zap.String("connection_id", l.id.String()),
		zap.Error(err))
	s.startRetryLocked()
	s.mu.Unlock()

	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(cause)
	}
}

// Send writes one text frame. It fails with ErrNotConnected unless the
// session is connected; nothing is queued across disconnects.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	l := s.link
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || l == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Close closes the socket, cancels pending reconnects and waits for the
// session's goroutines. It must not be called from OnMessage, OnConnect or
// OnDisconnect.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	l := s.link
	s.link = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if l != nil {
		s.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGraceWait))
		s.writeMu.Unlock()
		l.close()
	}

	s.wg.Wait()
	s.logger.Debug("Session closed")
	return nil
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		Attempt:   s.attempt,
		Terminal:  s.terminal,
		LastError: s.lastErr,
		URL:       s.opts.URL,
		Since:     s.since,
	}
	if s.link != nil {
		st.ConnectionID = s.link.id
	}
	return st
}

func (s *Session) setStateLocked(state State) {
	if s.state != state {
		s.state = state
		s.since = time.Now()
	}
	s.metrics.SetConnectionState(int(state))
}
