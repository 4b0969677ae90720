package mockbackend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNewFleet(t *testing.T) {
	f := NewFleet(10, 42, fixedNow)

	require.Equal(t, 10, f.Len())
	first := f.stations[0]
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, "00001", first.Serial)
	assert.Equal(t, "ЭЗС-001", first.Name)
	assert.Equal(t, "connected", first.Status)
	assert.Contains(t, cities, first.City)
	assert.Equal(t, first.City, first.Region)
	assert.Len(t, first.Connectors, 2)

	perStation := map[string]int{}
	for _, tx := range f.transactions {
		perStation[tx.Serial]++
		assert.False(t, tx.Start.After(fixedNow))
		assert.Greater(t, tx.MeterStopWh, tx.MeterStartWh)
		if tx.StopReason == "Local" {
			assert.False(t, tx.Successful)
		}
	}
	require.Len(t, perStation, 10)
	for serial, n := range perStation {
		assert.GreaterOrEqual(t, n, 5, serial)
		assert.LessOrEqual(t, n, 15, serial)
	}
}

func TestNewFleetIsDeterministic(t *testing.T) {
	a := NewFleet(10, 42, fixedNow)
	b := NewFleet(10, 42, fixedNow)

	for i := range a.stations {
		assert.Equal(t, a.stations[i].City, b.stations[i].City)
		assert.Equal(t, a.stations[i].IPAddress, b.stations[i].IPAddress)
	}
	assert.Equal(t, a.transactions, b.transactions)
}

func TestFleetFilters(t *testing.T) {
	f := NewFleet(10, 42, fixedNow)
	region := f.stations[0].Region

	matched := f.all(map[string]any{"region": region})
	require.NotEmpty(t, matched)
	for _, st := range matched {
		assert.Equal(t, region, st.Region)
	}

	assert.Len(t, f.all(nil), 10)
	assert.Empty(t, f.all(map[string]any{"station_status": "error"}))
	assert.Empty(t, f.all(map[string]any{"unknown_field": "x"}))
	assert.Len(t, f.all(map[string]any{"id": float64(3)}), 1)
}

func TestFleetLookups(t *testing.T) {
	f := NewFleet(3, 42, fixedNow)

	st, ok := f.byID(2)
	require.True(t, ok)
	assert.Equal(t, "00002", st.Serial)

	st, ok = f.bySerial("00003")
	require.True(t, ok)
	assert.Equal(t, 3, st.ID)

	_, ok = f.byID(99)
	assert.False(t, ok)
	_, ok = f.bySerial("99999")
	assert.False(t, ok)
}

func TestFleetLookupReturnsCopy(t *testing.T) {
	f := NewFleet(1, 42, fixedNow)

	st, _ := f.byID(1)
	st.Connectors[0].Status = 3

	again, _ := f.byID(1)
	assert.Equal(t, 0, again.Connectors[0].Status)
}

func TestFleetStats(t *testing.T) {
	f := NewFleet(3, 42, fixedNow)

	stats, ok := f.stats(1)
	require.True(t, ok)
	assert.Equal(t, "00001", stats.StationID)

	sessions := 0
	for _, c := range stats.Connectors {
		sessions += c.TotalSessions
		assert.LessOrEqual(t, c.SuccessfulSessions, c.TotalSessions)
	}
	want := 0
	for _, tx := range f.transactions {
		if tx.Serial == "00001" {
			want++
		}
	}
	assert.Equal(t, want, sessions)

	_, ok = f.stats(42)
	assert.False(t, ok)
}

func TestFleetTransactions(t *testing.T) {
	f := NewFleet(2, 42, fixedNow)

	all := f.transactionsOf("00001", fixedNow.Add(-31*24*time.Hour), fixedNow, 0)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Time, all[i].Time)
	}
	for _, tx := range all {
		assert.InDelta(t, tx.EnergyKwh*1000, tx.EnergyWh, 10)
	}

	limited := f.transactionsOf("00001", fixedNow.Add(-31*24*time.Hour), fixedNow, 2)
	assert.Len(t, limited, 2)
	assert.Equal(t, all[0], limited[0])

	assert.Empty(t, f.transactionsOf("00001", fixedNow.Add(time.Hour), fixedNow.Add(2*time.Hour), 0))
	assert.Empty(t, f.transactionsOf("99999", fixedNow.Add(-31*24*time.Hour), fixedNow, 0))
}

func TestFleetConnectorCommands(t *testing.T) {
	f := NewFleet(2, 42, fixedNow)

	changes, ok := f.setConnector(1, 2, 3)
	require.True(t, ok)
	assert.Equal(t, "connected", changes["station_status"])
	conns := changes["connectors"].([]connector)
	assert.Equal(t, 3, conns[1].Status)
	assert.Equal(t, 1, f.global().ChargingConnectors)

	_, ok = f.setConnector(1, 9, 3)
	assert.False(t, ok)
	_, ok = f.setConnector(9, 1, 3)
	assert.False(t, ok)

	assert.True(t, f.setOCPP(2, false))
	assert.False(t, f.setOCPP(9, false))
}

func TestFleetMutate(t *testing.T) {
	f := NewFleet(4, 42, fixedNow)

	for i := 0; i < 20; i++ {
		id, changes, ok := f.mutate()
		require.True(t, ok)
		assert.GreaterOrEqual(t, id, 1)
		assert.LessOrEqual(t, id, 4)
		assert.Contains(t, []string{"connected", "disconnected", "error"}, changes["station_status"])
	}

	_, _, ok := NewFleet(0, 42, fixedNow).mutate()
	assert.False(t, ok)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.23, round(1.234, 2))
	assert.Equal(t, 1.24, round(1.235001, 2))
	assert.Equal(t, 12.0, round(12.4, 0))
}
