package realtime

import (
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

func stationEvent(id string) protocol.UpdateEvent {
	return protocol.UpdateEvent{StationID: protocol.EntityID(id), Timestamp: time.Now()}
}

func receive(t *testing.T, o *Observer) protocol.UpdateEvent {
	t.Helper()
	select {
	case ev, ok := <-o.C():
		require.True(t, ok, "observer closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return protocol.UpdateEvent{}
	}
}

func assertEmpty(t *testing.T, o *Observer) {
	t.Helper()
	select {
	case ev := <-o.C():
		t.Fatalf("unexpected update for station %s", ev.StationID)
	default:
	}
}

func TestDispatcherFanOut(t *testing.T) {
	d := NewDispatcher(logging.NewNop(), nil)
	list := d.Observe(8)
	detail := d.Observe(8)

	d.Dispatch(stationEvent("X"))

	assert.Equal(t, protocol.EntityID("X"), receive(t, list).StationID)
	assert.Equal(t, protocol.EntityID("X"), receive(t, detail).StationID)

	late := d.Observe(8)
	assertEmpty(t, late)

	d.Dispatch(stationEvent("Y"))
	assert.Equal(t, protocol.EntityID("Y"), receive(t, late).StationID)
}

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher(logging.NewNop(), nil)
	o := d.Observe(16)

	ids := []string{"1", "2", "3", "4", "5"}
	for _, id := range ids {
		d.Dispatch(stationEvent(id))
	}
	for _, id := range ids {
		assert.Equal(t, protocol.EntityID(id), receive(t, o).StationID)
	}
}

func TestDispatcherDropsOldestWhenFull(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(logging.NewNop(), metrics)
	slow := d.Observe(2)
	fast := d.Observe(16)

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		d.Dispatch(stationEvent(id))
	}

	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, protocol.EntityID("4"), receive(t, slow).StationID)
	assert.Equal(t, protocol.EntityID("5"), receive(t, slow).StationID)
	assertEmpty(t, slow)

	assert.Zero(t, fast.Dropped())
	assert.Equal(t, protocol.EntityID("1"), receive(t, fast).StationID)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.UpdatesDropped))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.UpdatesDispatched))
}

func TestDispatcherFilter(t *testing.T) {
	d := NewDispatcher(logging.NewNop(), nil)
	only5 := d.ObserveFunc(4, func(ev protocol.UpdateEvent) bool { return ev.StationID == "5" })

	d.Dispatch(stationEvent("4"))
	d.Dispatch(stationEvent("5"))

	assert.Equal(t, protocol.EntityID("5"), receive(t, only5).StationID)
	assertEmpty(t, only5)
}

func TestObserverClose(t *testing.T) {
	d := NewDispatcher(logging.NewNop(), nil)
	o := d.Observe(4)
	require.Equal(t, 1, d.Observers())

	o.Close()
	o.Close()
	assert.Zero(t, d.Observers())

	_, ok := <-o.C()
	assert.False(t, ok)

	assert.NotPanics(t, func() { d.Dispatch(stationEvent("1")) })
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher(logging.NewNop(), nil)
	o := d.Observe(4)

	d.Close()
	_, ok := <-o.C()
	assert.False(t, ok)
	assert.NotPanics(t, o.Close)

	after := d.Observe(4)
	_, ok = <-after.C()
	assert.False(t, ok)
	assert.Zero(t, d.Observers())
}
