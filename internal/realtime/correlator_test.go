package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
)

// wire captures frames written by a correlator.
type wire struct {
	frames chan protocol.Message
	err    error
}

func newWire() *wire {
	return &wire{frames: make(chan protocol.Message, 256)}
}

func (w *wire) send(frame []byte) error {
	if w.err != nil {
		return w.err
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	w.frames <- msg
	return nil
}

func (w *wire) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-w.frames:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no request written")
		return protocol.Message{}
	}
}

func response(req protocol.Message, data string) protocol.Message {
	return protocol.Message{
		Type:      protocol.TypeResponse,
		Action:    req.Action,
		RequestID: req.RequestID,
		Data:      json.RawMessage(data),
	}
}

func TestCorrelatorRequestShape(t *testing.T) {
	w := newWire()
	c := NewCorrelator(w.send, time.Second, logging.NewNop(), nil)

	go func() {
		_, _ = c.Call(context.Background(), "getStationById", map[string]string{"stationId": "XYZ"}, 0)
	}()

	req := w.next(t)
	assert.Equal(t, protocol.TypeRequest, req.Type)
	assert.Equal(t, "getStationById", req.Action)
	assert.Regexp(t, `^req_\d+_\d+$`, req.RequestID)
	assert.JSONEq(t, `{"stationId":"XYZ"}`, string(req.Data))

	assert.True(t, c.Handle(response(req, `{}`)))
}

func TestCorrelatorResolvesOutOfOrder(t *testing.T) {
	w := newWire()
	c := NewCorrelator(w.send, 5*time.Second, logging.NewNop(), nil)

	const n = 50
	got := make([]int, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := c.Call(context.Background(), "echo", map[string]int{"n": i}, 0)
			errs[i] = err
			if err == nil {
				var body struct{ N int }
				errs[i] = json.Unmarshal(data, &body)
				got[i] = body.N
			}
		}(i)
	}

	reqs := make([]protocol.Message, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, w.next(t))
	}
	rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
	for _, req := range reqs {
		// Echo the request payload so each caller can check it got its own answer.
		require.True(t, c.Handle(response(req, string(req.Data))))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i, got[i])
	}
	assert.Zero(t, c.Pending())
}

func TestCorrelatorIgnoresUnknownRequestID(t *testing.T) {
	w := newWire()
	c := NewCorrelator(w.send, time.Second, logging.NewNop(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "getGlobalStats", nil, 0)
		done <- err
	}()
	req := w.next(t)

	assert.False(t, c.Handle(protocol.Message{Type: protocol.TypeResponse, RequestID: "req_0_999"}))
	assert.False(t, c.Handle(protocol.Message{Type: protocol.TypeResponse}))
	assert.Equal(t, 1, c.Pending())

	require.True(t, c.Handle(response(req, `{"ok":true}`)))
	assert.NoError(t, <-done)
}

func TestCorrelatorTimeout(t *testing.T) {
	w := newWire()
	c := NewCorrelator(w.send, time.Second, logging.NewNop(), nil)

	start := time.Now()
	_, err := c.Call(context.Background(), "subscribeSystemStats", map[string]any{"interval": 2000}, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, c.Pending())

	// A late response for the expired request is ignored.
	req := w.next(t)
	assert.False(t, c.Handle(response(req, `{"subscribed":true}`)))
}

func TestCorrelatorCompletesExactlyOnceUnderRace(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	w := newWire()
	c := NewCorrelator(w.send, time.Second, logging.NewNop(), metrics)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Call(context.Background(), "race", nil, time.Millisecond)
		}()
	}

	// Answer every request around the moment its timer fires.
	for i := 0; i < n; i++ {
		req := w.next(t)
		c.Handle(response(req, `{}`))
	}
	wg.Wait()

	success := testutil.ToFloat64(metrics.CallsTotal.WithLabelValues("race", monitoring.OutcomeSuccess))
	timeout := testutil.ToFloat64(metrics.CallsTotal.WithLabelValues("race", monitoring.OutcomeTimeout))
	assert.Equal(t, float64(n), success+timeout)
	assert.Zero(t, c.Pending())
}

func TestCorrelatorProtocolError(t *testing.T) {
	w := newWire()
	c := NewCorrelator(w.send, time.Second, logging.NewNop(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "getStationById", map[string]int{"stationId": 404}, 0)
		done <- err
	}()

	req := w.next(t)
	require.True(t, c.Handle(protocol.NewError("", req.RequestID, "NOT_FOUND", "Station with id '404' not found")))

	err := <-done
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "getStationById", pe.Action)
	assert.Equal(t, "NOT_FOUND", pe.Code)
	assert.Equal(t, "Station with id '404' not found", pe.Message)
	assert.True(t, IsProtocolCode(err, "NOT_FOUND"))
}

func TestCorrelatorSendFailure(t *testing.T) {
	w := newWire()
	w.err = ErrNotConnected
	c := NewCorrelator(w.send, time.Second, logging.NewNop(), nil)

	_, err := c.Call(context.Background(), "getAllStations", nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, c.Pending())
}

func TestCorrelatorContextCancel(t *testing.T) {
	w := newWire()
	c := NewCorrelator(w.send, time.Minute, logging.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "getAllStations", nil, 0)
		done <- err
	}()

	req := w.next(t)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, c.Pending())
	assert.False(t, c.Handle(response(req, `{}`)))
}

func TestCorrelatorRejectAllAndClose(t *testing.T) {
	w := newWire()
	c := NewCorrelator(w.send, time.Minute, logging.NewNop(), nil)

	lost := &ConnectionError{Op: "read", Err: errors.New("EOF")}
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "getAllStations", nil, 0)
			done <- err
		}()
	}
	w.next(t)
	w.next(t)

	c.RejectAll(lost)
	for i := 0; i < 2; i++ {
		var ce *ConnectionError
		assert.True(t, errors.As(<-done, &ce))
	}

	c.Close()
	_, err := c.Call(context.Background(), "getAllStations", nil, 0)
	assert.ErrorIs(t, err, ErrClosed)
}
