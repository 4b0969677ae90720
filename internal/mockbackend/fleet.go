package mockbackend

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

var cities = []string{"Москва", "Санкт-Петербург", "Новосибирск", "Екатеринбург", "Казань"}

var coordinates = map[string][][2]float64{
	"Москва":          {{55.7558, 37.6176}, {55.7505, 37.6175}, {55.7600, 37.6200}},
	"Санкт-Петербург": {{59.9311, 30.3609}, {59.9350, 30.3650}},
	"Новосибирск":     {{55.0084, 82.9357}, {55.0100, 82.9380}},
	"Екатеринбург":    {{56.8431, 60.6454}, {56.8450, 60.6470}},
	"Казань":          {{55.8304, 49.0661}, {55.8320, 49.0680}},
}

var stopReasons = []string{"EVDisconnected", "Remote", "Local", "PowerLoss"}

type connector struct {
	ID              int     `json:"id"`
	Status          int     `json:"status"`
	Type            int     `json:"type"`
	DeliveredPowerW float64 `json:"delivered_power_w"`
	BatterySoC      float64 `json:"battery_soc"`
}

type station struct {
	ID          int         `json:"id"`
	Serial      string      `json:"station_id"`
	Name        string      `json:"name"`
	City        string      `json:"city"`
	Region      string      `json:"region"`
	Address     string      `json:"address"`
	Lat         float64     `json:"lat"`
	Lon         float64     `json:"lon"`
	IPAddress   string      `json:"ip_address"`
	SSHPort     int         `json:"ssh_port"`
	CreatedAt   string      `json:"created_at"`
	Owner       string      `json:"owner"`
	Status      string      `json:"station_status"`
	ErrorInfo   string      `json:"error_info"`
	Connectors  []connector `json:"connectors"`
	OCPPEnabled bool        `json:"ocpp_enabled"`

	totalEnergyKwh     float64
	totalSessions      int
	successfulSessions int
}

func (s *station) clone() station {
	c := *s
	c.Connectors = append([]connector(nil), s.Connectors...)
	return c
}

type transaction struct {
	Serial       string
	ID           int
	ConnectorID  int
	Start        time.Time
	DurationSec  int
	EnergyKwh    float64
	StopReason   string
	Successful   bool
	MeterStartWh float64
	MeterStopWh  float64
}

// Fleet is the generated station registry served by the mock backend.
type Fleet struct {
	mu           sync.Mutex
	rng          *rand.Rand
	stations     []*station
	transactions []transaction
}

// NewFleet generates count stations and their transaction history. The
// same seed always yields the same stations.
func NewFleet(count int, seed int64, now time.Time) *Fleet {
	rng := rand.New(rand.NewSource(seed))
	f := &Fleet{rng: rng}

	for i := 1; i <= count; i++ {
		city := cities[rng.Intn(len(cities))]
		coords := coordinates[city][i%len(coordinates[city])]
		created := now.AddDate(0, 0, -(30 + rng.Intn(336)))

		f.stations = append(f.stations, &station{
			ID:        i,
			Serial:    fmt.Sprintf("%05d", i),
			Name:      fmt.Sprintf("ЭЗС-%03d", i),
			City:      city,
			Region:    city,
			Address:   fmt.Sprintf("г. %s, ул. Ленина, д. %d", city, i),
			Lat:       coords[0],
			Lon:       coords[1],
			IPAddress: fmt.Sprintf("192.168.%d.%d", rng.Intn(256), 1+rng.Intn(254)),
			SSHPort:   22,
			CreatedAt: created.Format("2006-01-02 15:04:05"),
			Status:    "connected",
			Connectors: []connector{
				{ID: 1, Status: 0, Type: 2},
				{ID: 2, Status: 0, Type: 1},
			},
			OCPPEnabled:        true,
			totalSessions:      50 + rng.Intn(151),
			successfulSessions: 40 + rng.Intn(141),
			totalEnergyKwh:     round(500+rng.Float64()*4500, 2),
		})
	}

	for _, st := range f.stations {
		n := 5 + rng.Intn(11)
		for j := 0; j < n; j++ {
			start := now.Add(-time.Duration(rng.Float64() * float64(30*24*time.Hour)))
			energy := 2 + rng.Float64()*78
			reason := stopReasons[rng.Intn(len(stopReasons))]
			meterStart := 10000 + rng.Float64()*40000

			f.transactions = append(f.transactions, transaction{
				Serial:       st.Serial,
				ID:           1000 + len(f.transactions),
				ConnectorID:  1 + rng.Intn(2),
				Start:        start,
				DurationSec:  600 + rng.Intn(13800),
				EnergyKwh:    round(energy, 3),
				StopReason:   reason,
				Successful:   energy > 2.0 && reason != "Local",
				MeterStartWh: round(meterStart, 1),
				MeterStopWh:  round(meterStart+energy*1000, 1),
			})
		}
	}
	return f
}

// Len returns the number of stations.
func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stations)
}

func (f *Fleet) all(filters map[string]any) []station {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]station, 0, len(f.stations))
	for _, st := range f.stations {
		if st.matches(filters) {
			out = append(out, st.clone())
		}
	}
	return out
}

func (s *station) matches(filters map[string]any) bool {
	for key, want := range filters {
		var got any
		switch key {
		case "region":
			got = s.Region
		case "city":
			got = s.City
		case "station_status":
			got = s.Status
		case "name":
			got = s.Name
		case "station_id":
			got = s.Serial
		case "id":
			got = s.ID
		default:
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (f *Fleet) byID(id int) (station, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, st := range f.stations {
		if st.ID == id {
			return st.clone(), true
		}
	}
	return station{}, false
}

func (f *Fleet) bySerial(serial string) (station, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, st := range f.stations {
		if st.Serial == serial {
			return st.clone(), true
		}
	}
	return station{}, false
}

type connectorStats struct {
	ConnectorID        string  `json:"connectorId"`
	TotalEnergyKwh     float64 `json:"totalEnergyKwh"`
	TotalSessions      int     `json:"totalSessions"`
	SuccessfulSessions int     `json:"successfulSessions"`
}

type stationStats struct {
	StationID          string           `json:"stationId"`
	TotalEnergyKwh     float64          `json:"totalEnergyKwh"`
	TotalSessions      int              `json:"totalSessions"`
	SuccessfulSessions int              `json:"successfulSessions"`
	Connectors         []connectorStats `json:"connectors"`
}

func (f *Fleet) stats(id int) (stationStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var st *station
	for _, s := range f.stations {
		if s.ID == id {
			st = s
			break
		}
	}
	if st == nil {
		return stationStats{}, false
	}

	byConnector := make(map[int]*connectorStats)
	for _, tx := range f.transactions {
		if tx.Serial != st.Serial {
			continue
		}
		cs, ok := byConnector[tx.ConnectorID]
		if !ok {
			cs = &connectorStats{ConnectorID: fmt.Sprint(tx.ConnectorID)}
			byConnector[tx.ConnectorID] = cs
		}
		cs.TotalEnergyKwh += tx.EnergyKwh
		cs.TotalSessions++
		if tx.Successful {
			cs.SuccessfulSessions++
		}
	}

	out := stationStats{
		StationID:          st.Serial,
		TotalEnergyKwh:     round(st.totalEnergyKwh, 2),
		TotalSessions:      st.totalSessions,
		SuccessfulSessions: st.successfulSessions,
		Connectors:         []connectorStats{},
	}
	ids := make([]int, 0, len(byConnector))
	for id := range byConnector {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		cs := *byConnector[id]
		cs.TotalEnergyKwh = round(cs.TotalEnergyKwh, 3)
		out.Connectors = append(out.Connectors, cs)
	}
	return out, true
}

type transactionView struct {
	Time          string  `json:"time"`
	ConnectorID   int     `json:"connectorId"`
	TransactionID int     `json:"transactionId"`
	EnergyWh      float64 `json:"energyWh"`
	EnergyKwh     float64 `json:"energyKwh"`
	DurationSec   int     `json:"durationSec"`
	Success       bool    `json:"success"`
	Reason        string  `json:"reason"`
	MeterStartWh  float64 `json:"meterStartWh"`
	MeterStopWh   float64 `json:"meterStopWh"`
}

// transactionsOf returns the newest first transactions of serial that
// started within [from, to].
func (f *Fleet) transactionsOf(serial string, from, to time.Time, limit int) []transactionView {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []transaction
	for _, tx := range f.transactions {
		if tx.Serial == serial && !tx.Start.Before(from) && !tx.Start.After(to) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Start.After(matched[j].Start) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]transactionView, 0, len(matched))
	for _, tx := range matched {
		out = append(out, transactionView{
			Time:          tx.Start.UTC().Format(time.RFC3339),
			ConnectorID:   tx.ConnectorID,
			TransactionID: tx.ID,
			EnergyWh:      round(tx.EnergyKwh*1000, 1),
			EnergyKwh:     round(tx.EnergyKwh, 2),
			DurationSec:   tx.DurationSec,
			Success:       tx.Successful,
			Reason:        tx.StopReason,
			MeterStartWh:  tx.MeterStartWh,
			MeterStopWh:   tx.MeterStopWh,
		})
	}
	return out
}

type globalStats struct {
	TotalStations      int     `json:"totalStations"`
	Online             int     `json:"online"`
	ChargingConnectors int     `json:"chargingConnectors"`
	TotalEnergyKwh     float64 `json:"totalEnergyKwh"`
	TotalSessions      int     `json:"totalSessions"`
	SuccessfulSessions int     `json:"successfulSessions"`
}

func (f *Fleet) global() globalStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	var g globalStats
	g.TotalStations = len(f.stations)
	for _, st := range f.stations {
		if st.Status == "connected" {
			g.Online++
		}
		for _, c := range st.Connectors {
			if c.Status == 3 {
				g.ChargingConnectors++
			}
		}
		g.TotalEnergyKwh += st.totalEnergyKwh
		g.TotalSessions += st.totalSessions
		g.SuccessfulSessions += st.successfulSessions
	}
	g.TotalEnergyKwh = round(g.TotalEnergyKwh, 2)
	return g
}

// setConnector changes a connector's state and returns the station's
// update payload.
func (f *Fleet) setConnector(stationID, connectorID, status int) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, st := range f.stations {
		if st.ID != stationID {
			continue
		}
		for i := range st.Connectors {
			if st.Connectors[i].ID != connectorID {
				continue
			}
			st.Connectors[i].Status = status
			if status == 3 {
				st.Connectors[i].DeliveredPowerW = 50000
			} else {
				st.Connectors[i].DeliveredPowerW = 0
			}
			return st.changes(), true
		}
	}
	return nil, false
}

func (f *Fleet) setOCPP(stationID int, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, st := range f.stations {
		if st.ID == stationID {
			st.OCPPEnabled = enabled
			return true
		}
	}
	return false
}

// mutate randomly changes one station and returns its id and changes.
func (f *Fleet) mutate() (int, map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.stations) == 0 {
		return 0, nil, false
	}
	st := f.stations[f.rng.Intn(len(f.stations))]

	switch f.rng.Intn(6) {
	case 0:
		st.Status = "error"
		st.ErrorInfo = "Connector overheat"
	case 1:
		st.Status = "disconnected"
		st.ErrorInfo = ""
	default:
		st.Status = "connected"
		st.ErrorInfo = ""
	}
	for i := range st.Connectors {
		c := &st.Connectors[i]
		if st.Status != "connected" {
			c.Status, c.DeliveredPowerW = 0, 0
			continue
		}
		c.Status = []int{0, 0, 2, 3, 3}[f.rng.Intn(5)]
		if c.Status == 3 {
			c.DeliveredPowerW = round(20000+f.rng.Float64()*130000, 0)
			c.BatterySoC = round(10+f.rng.Float64()*85, 0)
		} else {
			c.DeliveredPowerW = 0
		}
	}
	return st.ID, st.changes(), true
}

func (s *station) changes() map[string]any {
	return map[string]any{
		"station_status": s.Status,
		"error_info":     s.ErrorInfo,
		"connectors":     append([]connector(nil), s.Connectors...),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
