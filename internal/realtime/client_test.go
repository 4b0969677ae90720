package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
	wstest "github.com/pr-poehali-dev/network-monitoring-ui/internal/testutil"
)

func newTestClient(t *testing.T, url string, tweak func(*Options)) (*Client, *monitoring.Metrics) {
	t.Helper()
	opts := DefaultOptions(url)
	opts.HandshakeTimeout = time.Second
	opts.ReconnectBaseDelay = 5 * time.Millisecond
	opts.RequestTimeout = 2 * time.Second
	opts.StatusPollInterval = 10 * time.Millisecond
	if tweak != nil {
		tweak(&opts)
	}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	c := New(opts, logging.NewNop(), metrics)
	t.Cleanup(func() { _ = c.Close() })
	return c, metrics
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Realtime
	opts := OptionsFromConfig(cfg)

	assert.Equal(t, config.DevelopmentURL, opts.URL)
	assert.Equal(t, 10*time.Second, opts.RequestTimeout)
	assert.Equal(t, 2*time.Second, opts.ReconnectBaseDelay)
	assert.Equal(t, 5, opts.MaxReconnectAttempts)
	assert.True(t, opts.Resubscribe)
	assert.Equal(t, DefaultOptions(config.DevelopmentURL).MaxReconnectAttempts, opts.MaxReconnectAttempts)
}

func TestClientCallBeforeConnect(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	c, _ := newTestClient(t, srv.URL, nil)

	_, err := c.Call(context.Background(), "getStations", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, c.Pending())
}

func TestClientGetStationByID(t *testing.T) {
	srv := wstest.NewWSServer(t, func(conn *wstest.WSConn, msg protocol.Message) {
		if msg.Action != "getStationById" {
			_ = conn.ReplyError(msg, "INVALID_ACTION", "Unknown action")
			return
		}
		var req struct {
			StationID string `json:"stationId"`
		}
		_ = protocol.DecodeData(msg.Data, &req)
		_ = conn.Reply(msg, map[string]any{
			"station": map[string]any{"id": req.StationID, "name": "ЭЗС-001"},
		})
	})
	c, _ := newTestClient(t, srv.URL, nil)
	require.NoError(t, c.Connect(context.Background()))

	data, err := c.Call(context.Background(), "getStationById", map[string]string{"stationId": "XYZ"})
	require.NoError(t, err)

	var got struct {
		Station struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"station"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "XYZ", got.Station.ID)
	assert.Equal(t, "ЭЗС-001", got.Station.Name)

	conn := srv.Latest()
	require.NotNil(t, conn)
	req := conn.Next(t, time.Second)
	assert.Equal(t, protocol.TypeRequest, req.Type)
	assert.Regexp(t, `^req_\d+_\d+$`, req.RequestID)
}

func TestClientProtocolError(t *testing.T) {
	srv := wstest.NewWSServer(t, func(conn *wstest.WSConn, msg protocol.Message) {
		_ = conn.ReplyError(msg, "NOT_FOUND", "Station 404 not found")
	})
	c, _ := newTestClient(t, srv.URL, nil)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Call(context.Background(), "getStationById", map[string]int{"stationId": 404})
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "NOT_FOUND", pe.Code)
	assert.Equal(t, "getStationById", pe.Action)
	assert.True(t, IsProtocolCode(err, "NOT_FOUND"))
}

func TestClientSubscribeTimeoutIgnoresLateResponse(t *testing.T) {
	held := make(chan protocol.Message, 1)
	srv := wstest.NewWSServer(t, func(conn *wstest.WSConn, msg protocol.Message) {
		if msg.Action == "subscribeSystemStats" {
			held <- msg
			return
		}
		_ = conn.Reply(msg, map[string]any{"ok": true})
	})
	c, metrics := newTestClient(t, srv.URL, func(o *Options) {
		o.RequestTimeout = 50 * time.Millisecond
	})
	require.NoError(t, c.Connect(context.Background()))

	err := c.Subscribe(context.Background(), statsFeed, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, c.Subscriptions())
	assert.Zero(t, c.Pending())

	req := <-held
	require.NoError(t, srv.Latest().Reply(req, map[string]bool{"subscribed": true}))

	// The late response must not resurrect the call or the subscription.
	data, err := c.Call(context.Background(), "getStations", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Empty(t, c.Subscriptions())
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.CallsTotal.WithLabelValues("subscribeSystemStats", monitoring.OutcomeTimeout)))
}

func TestClientUpdateFanOut(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	c, _ := newTestClient(t, srv.URL, nil)
	require.NoError(t, c.Connect(context.Background()))
	srv.WaitConn(t, time.Second)

	a := c.Updates(0)
	b := c.Updates(0)

	update, err := protocol.NewUpdate("stationUpdate", map[string]any{
		"stationId": 5,
		"updates":   map[string]any{"is_active": 0},
	})
	require.NoError(t, err)
	srv.Broadcast(update)

	for _, o := range []*Observer{a, b} {
		select {
		case ev := <-o.C():
			assert.Equal(t, "stationUpdate", ev.Action)
			assert.Equal(t, protocol.EntityID("5"), ev.StationID)
			var active int
			ok, err := ev.Field("is_active", &active)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Zero(t, active)
		case <-time.After(time.Second):
			t.Fatal("update not delivered")
		}
	}

	late := c.Updates(0)
	select {
	case ev := <-late.C():
		t.Fatalf("late observer received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientToleratesMalformedFrames(t *testing.T) {
	srv := wstest.NewWSServer(t, func(conn *wstest.WSConn, msg protocol.Message) {
		_ = conn.SendRaw([]byte(`not json`))
		_ = conn.SendRaw([]byte(`{"requestId":"no-type"}`))
		_ = conn.SendRaw([]byte(`{"type":"response","requestId":"req_0_0","data":{}}`))
		_ = conn.Reply(msg, map[string]int{"total": 3})
	})
	c, metrics := newTestClient(t, srv.URL, nil)
	require.NoError(t, c.Connect(context.Background()))

	data, err := c.Call(context.Background(), "getStations", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3}`, string(data))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.MalformedMessages))
	assert.True(t, c.Status().IsConnected())
}

func TestClientRejectsPendingOnDisconnect(t *testing.T) {
	srv := wstest.NewWSServer(t, func(conn *wstest.WSConn, msg protocol.Message) {
		conn.Drop()
	})
	c, _ := newTestClient(t, srv.URL, func(o *Options) {
		o.RequestTimeout = 5 * time.Second
	})
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	_, err := c.Call(context.Background(), "getStations", nil)

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, c.Pending())
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	c, _ := newTestClient(t, srv.URL, nil)
	require.NoError(t, c.Connect(context.Background()))
	first := srv.WaitConn(t, time.Second)

	require.NoError(t, c.Subscribe(context.Background(), stationFeed, map[string]any{"stationId": 7}))
	sub := first.Next(t, time.Second)
	assert.Equal(t, "subscribeUpdates", sub.Action)

	first.Drop()
	second := srv.WaitConn(t, 2*time.Second)

	again := second.Next(t, 2*time.Second)
	assert.Equal(t, "subscribeUpdates", again.Action)
	assert.JSONEq(t, `{"stationId":7}`, string(again.Data))

	require.Eventually(t, func() bool { return len(c.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClientResubscribeDisabled(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	c, _ := newTestClient(t, srv.URL, func(o *Options) {
		o.Resubscribe = false
	})
	require.NoError(t, c.Connect(context.Background()))
	first := srv.WaitConn(t, time.Second)

	require.NoError(t, c.Subscribe(context.Background(), stationFeed, nil))
	first.Next(t, time.Second)

	first.Drop()
	second := srv.WaitConn(t, 2*time.Second)

	select {
	case msg := <-second.Received:
		t.Fatalf("unexpected frame %s", msg.Action)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientUnsubscribeWhileDisconnected(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	c, _ := newTestClient(t, srv.URL, func(o *Options) {
		o.MaxReconnectAttempts = 0
	})
	require.NoError(t, c.Connect(context.Background()))
	first := srv.WaitConn(t, time.Second)
	require.NoError(t, c.Subscribe(context.Background(), stationFeed, nil))

	srv.Refuse(true)
	first.Drop()
	require.Eventually(t, func() bool { return c.Status().Terminal }, time.Second, 5*time.Millisecond)

	c.Unsubscribe(context.Background(), stationFeed)
	assert.Empty(t, c.Subscriptions())
}

func TestClientWatchStatus(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	c, _ := newTestClient(t, srv.URL, nil)

	ch, cancel := c.WatchStatus()
	defer cancel()

	initial := <-ch
	assert.Equal(t, StateDisconnected, initial.State)

	require.NoError(t, c.Connect(context.Background()))

	deadline := time.After(time.Second)
	for {
		select {
		case st := <-ch:
			if st.IsConnected() {
				assert.NotEmpty(t, st.ConnectionID)
				return
			}
		case <-deadline:
			t.Fatal("connected status not observed")
		}
	}
}

func TestClientClose(t *testing.T) {
	srv := wstest.NewWSServer(t, nil)
	c, _ := newTestClient(t, srv.URL, nil)
	require.NoError(t, c.Connect(context.Background()))

	updates := c.Updates(0)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, open := <-updates.C()
	assert.False(t, open)

	_, err := c.Call(context.Background(), "getStations", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateDisconnected, c.Status().State)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}
