package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/resilience"
	wstest "github.com/pr-poehali-dev/network-monitoring-ui/internal/testutil"
)

func newTestSession(t *testing.T, url string, tweak func(*SessionOptions)) *Session {
	t.Helper()
	opts := SessionOptions{
		URL:              url,
		HandshakeTimeout: time.Second,
		Backoff:          resilience.Backoff{Base: 5 * time.Millisecond, MaxAttempts: 5},
	}
	if tweak != nil {
		tweak(&opts)
	}
	s := NewSession(opts, logging.NewNop(), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionConnectIsIdempotent(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	s := newTestSession(t, srv.URL, nil)

	require.NoError(t, s.Connect(context.Background()))
	first := s.Status()
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, 1, srv.Connections())
	assert.True(t, s.Status().IsConnected())
	assert.NotEmpty(t, first.ConnectionID)
	assert.Equal(t, first.ConnectionID, s.Status().ConnectionID)
}

func TestSessionConcurrentConnectOpensOneSocket(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	s := newTestSession(t, srv.URL, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, srv.Connections())
}

func TestSessionSendWhileDisconnected(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	s := newTestSession(t, srv.URL, nil)

	assert.ErrorIs(t, s.Send([]byte(`{}`)), ErrNotConnected)
}

func TestSessionReconnectBound(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	srv.Refuse(true)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	s := NewSession(SessionOptions{
		URL:              srv.URL,
		HandshakeTimeout: time.Second,
		Backoff:          resilience.Backoff{Base: 5 * time.Millisecond, MaxAttempts: 5},
	}, logging.NewNop(), metrics)
	defer s.Close()

	err := s.Connect(context.Background())
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "dial", ce.Op)

	require.Eventually(t, func() bool { return s.Status().Terminal }, 2*time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.ErrorIs(t, st.LastError, ErrRetriesExhausted)
	// The initial attempt plus exactly five reconnects.
	assert.Equal(t, 6, srv.Dials())
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.ReconnectAttempts))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 6, srv.Dials())
}

func TestSessionDelayGrowsLinearly(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	srv.Refuse(true)
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.Backoff = resilience.Backoff{Base: 20 * time.Millisecond, MaxAttempts: 3}
	})

	start := time.Now()
	_ = s.Connect(context.Background())
	require.Eventually(t, func() bool { return s.Status().Terminal }, 2*time.Second, 5*time.Millisecond)

	// 20ms + 40ms + 60ms of waiting between attempts.
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
	assert.Equal(t, 4, srv.Dials())
}

func TestSessionReconnectsAfterUnexpectedClose(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)

	var disconnects atomic.Int32
	connected := make(chan int, 4)
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.OnDisconnect = func(err error) {
			var ce *ConnectionError
			if errors.As(err, &ce) {
				disconnects.Add(1)
			}
		}
		o.OnConnect = func(n int) { connected <- n }
	})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, <-connected)
	first := srv.WaitConn(t, time.Second)
	firstID := s.Status().ConnectionID

	first.Drop()
	srv.WaitConn(t, 2*time.Second)

	select {
	case n := <-connected:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnection")
	}
	assert.Equal(t, int32(1), disconnects.Load())
	assert.True(t, s.Status().IsConnected())
	assert.Zero(t, s.Status().Attempt)
	assert.NotEqual(t, firstID, s.Status().ConnectionID)
}

func TestSessionManualConnectAfterTerminal(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	srv.Refuse(true)
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.Backoff = resilience.Backoff{Base: time.Millisecond, MaxAttempts: 2}
	})

	_ = s.Connect(context.Background())
	require.Eventually(t, func() bool { return s.Status().Terminal }, 2*time.Second, 5*time.Millisecond)

	srv.Refuse(false)
	require.NoError(t, s.Connect(context.Background()))

	st := s.Status()
	assert.True(t, st.IsConnected())
	assert.False(t, st.Terminal)
	assert.Zero(t, st.Attempt)
	assert.NoError(t, st.LastError)
}

func TestSessionManualConnectKeepsPendingBudget(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	srv.Refuse(true)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	s := NewSession(SessionOptions{
		URL:              srv.URL,
		HandshakeTimeout: time.Second,
		Backoff:          resilience.Backoff{Base: 50 * time.Millisecond, MaxAttempts: 3},
	}, logging.NewNop(), metrics)
	defer s.Close()

	require.Error(t, s.Connect(context.Background()))
	require.Error(t, s.Connect(context.Background()))
	assert.Equal(t, 1, s.Status().Attempt)

	require.Eventually(t, func() bool { return s.Status().Terminal }, 2*time.Second, 5*time.Millisecond)
	// Two manual dials plus the three reconnects of the original budget.
	assert.Equal(t, 5, srv.Dials())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ReconnectAttempts))
	assert.Equal(t, 3, s.Status().Attempt)
}

func TestSessionManualConnectRetiresReconnectLoop(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	srv.Refuse(true)
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.Backoff = resilience.Backoff{Base: 30 * time.Millisecond, MaxAttempts: 5}
	})

	require.Error(t, s.Connect(context.Background()))
	assert.True(t, s.Status().Reconnecting())

	srv.Refuse(false)
	require.NoError(t, s.Connect(context.Background()))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, srv.Dials())
	assert.True(t, s.Status().IsConnected())
	assert.Zero(t, s.Status().Attempt)
}

func TestSessionCloseIsNotReconnected(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	var disconnects atomic.Int32
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.OnDisconnect = func(error) { disconnects.Add(1) }
	})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.Dials())
	assert.Zero(t, disconnects.Load())
	assert.Equal(t, StateDisconnected, s.Status().State)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Send([]byte(`{}`)), ErrNotConnected)
}

func TestSessionCloseCancelsPendingReconnect(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	srv.Refuse(true)
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.Backoff = resilience.Backoff{Base: 100 * time.Millisecond, MaxAttempts: 5}
	})

	_ = s.Connect(context.Background())
	require.NoError(t, s.Close())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, srv.Dials())
}

func TestSessionDeliversFramesInOrder(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)

	var mu sync.Mutex
	var frames []string
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.OnMessage = func(frame []byte) {
			mu.Lock()
			frames = append(frames, string(frame))
			mu.Unlock()
		}
	})
	require.NoError(t, s.Connect(context.Background()))
	conn := srv.WaitConn(t, time.Second)

	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}
	for _, f := range want {
		require.NoError(t, conn.SendRaw([]byte(f)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == len(want)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, frames)
}

func TestSessionPing(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	s := newTestSession(t, srv.URL, func(o *SessionOptions) {
		o.PingInterval = 10 * time.Millisecond
	})

	require.NoError(t, s.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Status().IsConnected())
	assert.Equal(t, 1, srv.Connections())
}
