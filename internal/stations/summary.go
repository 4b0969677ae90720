package stations

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary is the aggregate header of the statistics page.
type Summary struct {
	Total             int                  `json:"total"`
	ByAvailability    map[Availability]int `json:"byAvailability"`
	ByRegion          map[string]int       `json:"byRegion"`
	Regions           []string             `json:"regions"`
	Connectors        int                  `json:"connectors"`
	Charging          int                  `json:"charging"`
	Faulted           int                  `json:"faulted"`
	ConnectorsMean    float64              `json:"connectorsMean"`
	ConnectorsStdDev  float64              `json:"connectorsStdDev"`
	ConnectorsMedian  float64              `json:"connectorsMedian"`
	OnlineRatePercent float64              `json:"onlineRatePercent"`
}

// Summarize aggregates a station list.
func Summarize(list []Station) Summary {
	sum := Summary{
		Total:          len(list),
		ByAvailability: map[Availability]int{Online: 0, Offline: 0, Faulted: 0},
		ByRegion:       make(map[string]int),
		Regions:        []string{},
	}
	if len(list) == 0 {
		return sum
	}

	counts := make([]float64, 0, len(list))
	for _, st := range list {
		sum.ByAvailability[st.Status.Availability()]++
		region := st.Region
		if region == "" {
			region = "unknown"
		}
		sum.ByRegion[region]++

		sum.Connectors += len(st.Connectors)
		counts = append(counts, float64(len(st.Connectors)))
		for _, c := range st.Connectors {
			switch c.Status.String() {
			case "charging":
				sum.Charging++
			case "faulted":
				sum.Faulted++
			}
		}
	}

	for region := range sum.ByRegion {
		sum.Regions = append(sum.Regions, region)
	}
	sort.Strings(sum.Regions)

	mean, std := stat.MeanStdDev(counts, nil)
	if math.IsNaN(std) {
		std = 0
	}
	sum.ConnectorsMean = mean
	sum.ConnectorsStdDev = std

	sort.Float64s(counts)
	sum.ConnectorsMedian = stat.Quantile(0.5, stat.Empirical, counts, nil)
	sum.OnlineRatePercent = 100 * float64(sum.ByAvailability[Online]) / float64(sum.Total)
	return sum
}

// EnergySummary aggregates per-station statistics.
type EnergySummary struct {
	Stations           int     `json:"stations"`
	TotalEnergyKwh     float64 `json:"totalEnergyKwh"`
	TotalSessions      int     `json:"totalSessions"`
	SuccessfulSessions int     `json:"successfulSessions"`
	SuccessRate        float64 `json:"successRate"`
	MeanEnergyKwh      float64 `json:"meanEnergyKwh"`
}

// SummarizeEnergy aggregates station statistics. MeanEnergyKwh is the
// session-weighted mean energy per session.
func SummarizeEnergy(all []Stats) EnergySummary {
	sum := EnergySummary{Stations: len(all)}
	if len(all) == 0 {
		return sum
	}

	energy := make([]float64, 0, len(all))
	weights := make([]float64, 0, len(all))
	for _, st := range all {
		sum.TotalEnergyKwh += st.TotalEnergyKwh
		sum.TotalSessions += st.TotalSessions
		sum.SuccessfulSessions += st.SuccessfulSessions
		if st.TotalSessions > 0 {
			energy = append(energy, st.TotalEnergyKwh/float64(st.TotalSessions))
			weights = append(weights, float64(st.TotalSessions))
		}
	}
	if sum.TotalSessions > 0 {
		sum.SuccessRate = float64(sum.SuccessfulSessions) / float64(sum.TotalSessions)
	}
	if len(energy) > 0 {
		sum.MeanEnergyKwh = stat.Mean(energy, weights)
	}
	return sum
}
