package stations

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
)

var api = sonic.ConfigStd

// Status is the backend-reported station link state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusInitializing Status = "initializing"
)

// Availability collapses Status into what the list and map views show.
type Availability string

const (
	Online  Availability = "online"
	Offline Availability = "offline"
	Faulted Availability = "error"
)

// Availability maps the link state onto online/offline/error.
func (s Status) Availability() Availability {
	switch s {
	case StatusError:
		return Faulted
	case StatusConnected, StatusInitializing:
		return Online
	default:
		return Offline
	}
}

// ConnectorType is the plug standard of a connector.
type ConnectorType int

var connectorTypes = map[ConnectorType]string{
	1: "CHAdeMO",
	2: "CCS",
	3: "GB/T",
	4: "Type2",
}

func (t ConnectorType) String() string {
	if name, ok := connectorTypes[t]; ok {
		return name
	}
	return fmt.Sprintf("type-%d", int(t))
}

// ConnectorState is the OCPP-like connector status code.
type ConnectorState int

// String returns the state label used by the connector panels.
func (s ConnectorState) String() string {
	switch {
	case s < 0:
		return "faulted"
	case s == 0:
		return "available"
	case s == 1 || s == 2:
		return "preparing"
	case s == 3:
		return "charging"
	case s == 4:
		return "finishing"
	case s == 5:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Connector is one charging outlet of a station.
type Connector struct {
	ID              protocol.EntityID `json:"id"`
	Status          ConnectorState    `json:"status"`
	Type            ConnectorType     `json:"type"`
	MaxPower        float64           `json:"max_power,omitempty"`
	DeliveredPowerW float64           `json:"delivered_power_w,omitempty"`
	BatterySoC      float64           `json:"battery_soc,omitempty"`
}

// Station is the local copy of a backend station record.
type Station struct {
	ID         protocol.EntityID `json:"id"`
	Serial     string            `json:"station_id"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	City       string            `json:"city,omitempty"`
	Region     string            `json:"region"`
	Status     Status            `json:"station_status"`
	ErrorInfo  string            `json:"error_info"`
	IPAddress  string            `json:"ip_address"`
	SSHPort    int               `json:"ssh_port,omitempty"`
	Lat        *float64          `json:"lat"`
	Lon        *float64          `json:"lon"`
	CreatedAt  string            `json:"created_at"`
	Owner      string            `json:"owner,omitempty"`
	Connectors []Connector       `json:"connectors,omitempty"`

	// Extra holds fields without a typed counterpart, such as is_active.
	Extra map[string]json.RawMessage `json:"-"`
}

type stationFields Station

var typedKeys = map[string]struct{}{
	"id": {}, "station_id": {}, "name": {}, "address": {}, "city": {},
	"region": {}, "station_status": {}, "error_info": {}, "ip_address": {},
	"ssh_port": {}, "lat": {}, "lon": {}, "created_at": {}, "owner": {},
	"connectors": {},
}

// UnmarshalJSON implements json.Unmarshaler, keeping unknown keys in Extra.
func (s *Station) UnmarshalJSON(b []byte) error {
	var all map[string]json.RawMessage
	if err := api.Unmarshal(b, &all); err != nil {
		return err
	}
	var typed stationFields
	if err := api.Unmarshal(b, &typed); err != nil {
		return err
	}

	*s = Station(typed)
	for k := range all {
		if _, ok := typedKeys[k]; ok {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		s.Extra = all
	}
	return nil
}

// MarshalJSON implements json.Marshaler, writing Extra keys back out.
func (s Station) MarshalJSON() ([]byte, error) {
	typed, err := api.Marshal(stationFields(s))
	if err != nil || len(s.Extra) == 0 {
		return typed, err
	}

	var all map[string]json.RawMessage
	if err := api.Unmarshal(typed, &all); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return api.Marshal(all)
}

// Apply merges changed fields into the station. Only keys present in fields
// are overwritten; every other field keeps its current value. Each key is
// merged on its own: a value that does not fit its typed field is skipped
// and reported in the returned error while the remaining keys still apply.
// Apply returns the number of keys merged.
func (s *Station) Apply(fields map[string]json.RawMessage) (int, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	merged := 0
	for _, k := range keys {
		v := fields[k]
		if _, ok := typedKeys[k]; !ok {
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[k] = v
			merged++
			continue
		}

		next := s.Clone()
		if err := api.Unmarshal(singleField(k, v), (*stationFields)(&next)); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", k, err))
			continue
		}
		next.Extra = s.Extra
		*s = next
		merged++
	}

	if len(errs) > 0 {
		return merged, fmt.Errorf("station %s: %w", s.ID, errors.Join(errs...))
	}
	return merged, nil
}

func singleField(key string, value json.RawMessage) []byte {
	name, _ := api.Marshal(key)
	out := make([]byte, 0, len(name)+len(value)+3)
	out = append(out, '{')
	out = append(out, name...)
	out = append(out, ':')
	out = append(out, value...)
	return append(out, '}')
}

// Field decodes an untyped field from Extra into v and reports whether it
// was present.
func (s Station) Field(name string, v any) (bool, error) {
	raw, ok := s.Extra[name]
	if !ok {
		return false, nil
	}
	return true, api.Unmarshal(raw, v)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Station) Clone() Station {
	c := s
	if s.Lat != nil {
		lat := *s.Lat
		c.Lat = &lat
	}
	if s.Lon != nil {
		lon := *s.Lon
		c.Lon = &lon
	}
	if s.Connectors != nil {
		c.Connectors = append([]Connector(nil), s.Connectors...)
	}
	if s.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Stats is the per-station energy and session aggregate.
type Stats struct {
	StationID          string           `json:"stationId"`
	TotalEnergyKwh     float64          `json:"totalEnergyKwh"`
	TotalSessions      int              `json:"totalSessions"`
	SuccessfulSessions int              `json:"successfulSessions"`
	Connectors         []ConnectorStats `json:"connectors"`
}

// ConnectorStats aggregates sessions of one connector.
type ConnectorStats struct {
	ConnectorID        string  `json:"connectorId"`
	TotalEnergyKwh     float64 `json:"totalEnergyKwh"`
	TotalSessions      int     `json:"totalSessions"`
	SuccessfulSessions int     `json:"successfulSessions"`
}

// Transaction is one finished charging session.
type Transaction struct {
	Time          string  `json:"time"`
	ConnectorID   int     `json:"connectorId"`
	TransactionID int64   `json:"transactionId"`
	EnergyWh      float64 `json:"energyWh"`
	EnergyKwh     float64 `json:"energyKwh"`
	DurationSec   int     `json:"durationSec"`
	Success       bool    `json:"success"`
	Reason        string  `json:"reason"`
	MeterStartWh  float64 `json:"meterStartWh"`
	MeterStopWh   float64 `json:"meterStopWh"`
}

// UnknownStation is a station connected to the backend but absent from its
// registry.
type UnknownStation struct {
	SerialNumber      string  `json:"serialNumber"`
	IP                *string `json:"ip"`
	ConnectedSince    *int64  `json:"connectedSince"`
	ConnectedSinceISO *string `json:"connectedSinceIso"`
	StationStatus     string  `json:"stationStatus"`
	ErrorInfo         string  `json:"errorInfo"`
	Firmware          *string `json:"firmware"`
	DBMatchSerial     *string `json:"dbMatchSerial"`
}
