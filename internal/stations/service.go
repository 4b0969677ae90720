package stations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/realtime"
)

// Backend actions.
const (
	ActionGetAllStations           = "getAllStations"
	ActionGetStationByID           = "getStationById"
	ActionGetStationBySerialNumber = "getStationBySerialNumber"
	ActionGetStationStats          = "getStationStats"
	ActionGetStationTransactions   = "getStationTransactions"
	ActionGetUnknownConnected      = "getUnknownConnectedStations"
	ActionGetContactorsStatus      = "getContactorsStatus"
	ActionGetGlobalStats           = "getGlobalStats"
	ActionStartConnector           = "startConnector"
	ActionStopConnector            = "stopConnector"
	ActionToggleOCPP               = "toggleOcpp"
	ActionStationUpdate            = "stationUpdate"
)

// Live feeds.
var (
	StationUpdates = realtime.Kind{
		Name:              "stationUpdates",
		SubscribeAction:   "subscribeUpdates",
		UnsubscribeAction: "unsubscribeUpdates",
	}
	SystemStats = realtime.Kind{
		Name:              "systemStats",
		SubscribeAction:   "subscribeSystemStats",
		UnsubscribeAction: "unsubscribeSystemStats",
	}
)

// ErrNotFound is returned when the backend has no such station.
var ErrNotFound = errors.New("station not found")

// Backend is the part of realtime.Client the service needs.
type Backend interface {
	realtime.Caller
	Subscribe(ctx context.Context, kind realtime.Kind, params any) error
	Unsubscribe(ctx context.Context, kind realtime.Kind)
}

// Filters narrows getAllStations. Empty fields match everything.
type Filters struct {
	Region string `json:"region,omitempty"`
	Status Status `json:"station_status,omitempty"`
}

// TransactionQuery selects transactions of one station. Zero times leave
// the window to the backend (the last 24 hours).
type TransactionQuery struct {
	SerialNumber string
	From         time.Time
	To           time.Time
	Limit        int
}

// Service exposes the backend's station actions as typed calls.
type Service struct {
	backend Backend
	logger  *logging.Logger
}

// NewService creates a service issuing calls through backend.
func NewService(backend Backend, logger *logging.Logger) *Service {
	return &Service{
		backend: backend,
		logger:  logging.OrNop(logger).Named("stations"),
	}
}

// GetAllStations lists stations matching filters.
func (s *Service) GetAllStations(ctx context.Context, filters Filters) ([]Station, error) {
	var resp struct {
		Stations []Station `json:"stations"`
	}
	if err := s.call(ctx, ActionGetAllStations, map[string]any{"filters": filters}, &resp); err != nil {
		return nil, err
	}
	if resp.Stations == nil {
		resp.Stations = []Station{}
	}
	return resp.Stations, nil
}

// GetStationByID fetches one station by its backend id.
func (s *Service) GetStationByID(ctx context.Context, id protocol.EntityID) (*Station, error) {
	return s.station(ctx, ActionGetStationByID, map[string]any{"stationId": idValue(id)}, string(id))
}

// GetStationBySerialNumber fetches one station by serial number.
func (s *Service) GetStationBySerialNumber(ctx context.Context, serial string) (*Station, error) {
	return s.station(ctx, ActionGetStationBySerialNumber, map[string]any{"serialNumber": serial}, serial)
}

func (s *Service) station(ctx context.Context, action string, payload any, key string) (*Station, error) {
	var resp struct {
		Station *Station `json:"station"`
	}
	if err := s.call(ctx, action, payload, &resp); err != nil {
		if realtime.IsProtocolCode(err, "NOT_FOUND") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	if resp.Station == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return resp.Station, nil
}

// GetStationStats fetches energy and session totals of one station.
func (s *Service) GetStationStats(ctx context.Context, id protocol.EntityID) (*Stats, error) {
	var stats Stats
	if err := s.call(ctx, ActionGetStationStats, map[string]any{"stationId": idValue(id)}, &stats); err != nil {
		if realtime.IsProtocolCode(err, "NOT_FOUND") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &stats, nil
}

// GetStationTransactions lists finished sessions of one station.
func (s *Service) GetStationTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, error) {
	if q.SerialNumber == "" {
		return nil, errors.New("serial number is required")
	}
	payload := map[string]any{"serialNumber": q.SerialNumber}
	if !q.From.IsZero() {
		payload["from"] = q.From.UTC().Format(time.RFC3339)
	}
	if !q.To.IsZero() {
		payload["to"] = q.To.UTC().Format(time.RFC3339)
	}
	if q.Limit > 0 {
		payload["limit"] = q.Limit
	}

	var resp struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := s.call(ctx, ActionGetStationTransactions, payload, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// GetUnknownConnectedStations lists stations connected but not registered.
// A backend-reported error string is returned as an error.
func (s *Service) GetUnknownConnectedStations(ctx context.Context) ([]UnknownStation, error) {
	var resp struct {
		Count    int              `json:"count"`
		Stations []UnknownStation `json:"stations"`
		Error    string           `json:"error"`
	}
	if err := s.call(ctx, ActionGetUnknownConnected, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp.Stations, fmt.Errorf("%s: %s", ActionGetUnknownConnected, resp.Error)
	}
	return resp.Stations, nil
}

// GetContactorsStatus returns the raw contactor panel data of a station.
func (s *Service) GetContactorsStatus(ctx context.Context, serial string) (json.RawMessage, error) {
	return s.backend.Call(ctx, ActionGetContactorsStatus, map[string]any{"serialNumber": serial})
}

// GetGlobalStats returns the raw fleet statistics.
func (s *Service) GetGlobalStats(ctx context.Context) (json.RawMessage, error) {
	return s.backend.Call(ctx, ActionGetGlobalStats, nil)
}

// StartConnector asks the station to start charging on a connector.
func (s *Service) StartConnector(ctx context.Context, stationID, connectorID protocol.EntityID) (bool, error) {
	return s.command(ctx, ActionStartConnector, map[string]any{
		"stationId":   idValue(stationID),
		"connectorId": idValue(connectorID),
	})
}

// StopConnector asks the station to stop charging on a connector.
func (s *Service) StopConnector(ctx context.Context, stationID, connectorID protocol.EntityID) (bool, error) {
	return s.command(ctx, ActionStopConnector, map[string]any{
		"stationId":   idValue(stationID),
		"connectorId": idValue(connectorID),
	})
}

// ToggleOCPP enables or disables OCPP on a station.
func (s *Service) ToggleOCPP(ctx context.Context, stationID protocol.EntityID, enabled bool) (bool, error) {
	return s.command(ctx, ActionToggleOCPP, map[string]any{
		"stationId": idValue(stationID),
		"enabled":   enabled,
	})
}

func (s *Service) command(ctx context.Context, action string, payload any) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := s.call(ctx, action, payload, &resp); err != nil {
		return false, err
	}
	s.logger.Info("Command sent", zap.String("action", action), zap.Bool("accepted", resp.Accepted))
	return resp.Accepted, nil
}

// SubscribeUpdates starts the station update feed.
func (s *Service) SubscribeUpdates(ctx context.Context) error {
	return s.backend.Subscribe(ctx, StationUpdates, nil)
}

// UnsubscribeUpdates stops the station update feed.
func (s *Service) UnsubscribeUpdates(ctx context.Context) {
	s.backend.Unsubscribe(ctx, StationUpdates)
}

// SubscribeSystemStats starts periodic system statistics for paths.
func (s *Service) SubscribeSystemStats(ctx context.Context, interval time.Duration, paths []string) error {
	return s.backend.Subscribe(ctx, SystemStats, map[string]any{
		"interval": interval.Milliseconds(),
		"paths":    paths,
	})
}

// UnsubscribeSystemStats stops the system statistics feed.
func (s *Service) UnsubscribeSystemStats(ctx context.Context) {
	s.backend.Unsubscribe(ctx, SystemStats)
}

func (s *Service) call(ctx context.Context, action string, payload, v any) error {
	data, err := s.backend.Call(ctx, action, payload)
	if err != nil {
		return err
	}
	if err := protocol.DecodeData(data, v); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

// idValue sends numeric ids as JSON numbers and everything else as strings.
func idValue(id protocol.EntityID) any {
	if n, ok := id.Int(); ok {
		return n
	}
	return string(id)
}
