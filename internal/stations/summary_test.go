package stations

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func connectors(states ...ConnectorState) []Connector {
	out := make([]Connector, len(states))
	for i, s := range states {
		out[i] = Connector{Status: s}
	}
	return out
}

func TestSummarize(t *testing.T) {
	list := []Station{
		{ID: "1", Region: "Москва", Status: StatusConnected, Connectors: connectors(0, 3)},
		{ID: "2", Region: "Москва", Status: StatusError, Connectors: connectors(-1, 0)},
		{ID: "3", Region: "Казань", Status: StatusDisconnected, Connectors: connectors(3, 3, 0, 0)},
		{ID: "4", Status: StatusInitializing},
	}

	sum := Summarize(list)

	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.ByAvailability[Online])
	assert.Equal(t, 1, sum.ByAvailability[Offline])
	assert.Equal(t, 1, sum.ByAvailability[Faulted])
	assert.Equal(t, map[string]int{"Москва": 2, "Казань": 1, "unknown": 1}, sum.ByRegion)
	assert.Equal(t, []string{"unknown", "Казань", "Москва"}, sum.Regions)
	assert.Equal(t, 8, sum.Connectors)
	assert.Equal(t, 3, sum.Charging)
	assert.Equal(t, 1, sum.Faulted)
	// connector counts 2, 2, 4, 0
	assert.InDelta(t, 2.0, sum.ConnectorsMean, 1e-9)
	assert.InDelta(t, 1.632993, sum.ConnectorsStdDev, 1e-6)
	assert.InDelta(t, 2.0, sum.ConnectorsMedian, 1e-9)
	assert.InDelta(t, 50.0, sum.OnlineRatePercent, 1e-9)
}

func TestSummarizeSingleStation(t *testing.T) {
	sum := Summarize([]Station{{ID: "1", Status: StatusConnected, Connectors: connectors(0, 0)}})

	assert.Equal(t, 1, sum.Total)
	assert.InDelta(t, 2.0, sum.ConnectorsMean, 1e-9)
	assert.Zero(t, sum.ConnectorsStdDev)
	assert.InDelta(t, 100.0, sum.OnlineRatePercent, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	sum := Summarize(nil)

	assert.Zero(t, sum.Total)
	assert.Empty(t, sum.ByRegion)
	assert.Empty(t, sum.Regions)
	assert.Zero(t, sum.OnlineRatePercent)
}

func TestSummarizeEnergy(t *testing.T) {
	sum := SummarizeEnergy([]Stats{
		{StationID: "00001", TotalEnergyKwh: 100, TotalSessions: 10, SuccessfulSessions: 9},
		{StationID: "00002", TotalEnergyKwh: 300, TotalSessions: 30, SuccessfulSessions: 21},
		{StationID: "00003"},
	})

	assert.Equal(t, 3, sum.Stations)
	assert.InDelta(t, 400.0, sum.TotalEnergyKwh, 1e-9)
	assert.Equal(t, 40, sum.TotalSessions)
	assert.InDelta(t, 0.75, sum.SuccessRate, 1e-9)
	assert.InDelta(t, 10.0, sum.MeanEnergyKwh, 1e-9)

	assert.Equal(t, EnergySummary{}, SummarizeEnergy(nil))
}
