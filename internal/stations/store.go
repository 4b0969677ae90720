package stations

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/realtime"
)

// UpdateSource hands out filtered update observers; realtime.Client is one.
type UpdateSource interface {
	UpdatesFor(buffer int, filter func(protocol.UpdateEvent) bool) *realtime.Observer
}

// Store is a local station list kept current by push updates.
type Store struct {
	service *Service
	logger  *logging.Logger

	mu       sync.RWMutex
	stations []Station
	index    map[protocol.EntityID]int
	updated  time.Time
	applied  uint64
}

// NewStore creates an empty store loading through service.
func NewStore(service *Service, logger *logging.Logger) *Store {
	return &Store{
		service: service,
		logger:  logging.OrNop(logger).Named("store"),
		index:   make(map[protocol.EntityID]int),
	}
}

// Load replaces the local list with the backend's.
func (s *Store) Load(ctx context.Context, filters Filters) error {
	list, err := s.service.GetAllStations(ctx, filters)
	if err != nil {
		return err
	}
	s.Replace(list)
	s.logger.Info("Stations loaded", zap.Int("count", len(list)))
	return nil
}

// Replace sets the local list.
func (s *Store) Replace(list []Station) {
	index := make(map[protocol.EntityID]int, len(list))
	for i, st := range list {
		index[st.ID] = i
	}

	s.mu.Lock()
	s.stations = list
	s.index = index
	s.updated = time.Now()
	s.mu.Unlock()
}

// Stations returns a copy of the local list in load order.
func (s *Store) Stations() []Station {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Station, len(s.stations))
	for i, st := range s.stations {
		out[i] = st.Clone()
	}
	return out
}

// Get returns a copy of one station.
func (s *Store) Get(id protocol.EntityID) (Station, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Station{}, false
	}
	return s.stations[i].Clone(), true
}

// Len returns the number of stations held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stations)
}

// Updated returns when the list last changed.
func (s *Store) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Applied returns how many updates have been merged.
func (s *Store) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Apply merges ev into the matching station. Updates without fields and
// updates for stations not in the list are ignored. Fields that fail to
// decode are skipped and logged; the rest of the update still applies.
func (s *Store) Apply(ev protocol.UpdateEvent) bool {
	if ev.StationID == "" || len(ev.Fields) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[ev.StationID]
	if !ok {
		return false
	}

	st := s.stations[i].Clone()
	merged, err := st.Apply(ev.Fields)
	if err != nil {
		s.logger.Warn("Skipping update fields",
			zap.String("station_id", ev.StationID.String()),
			zap.Int("merged", merged),
			zap.Error(err))
	}
	if merged == 0 {
		return false
	}
	s.stations[i] = st
	s.updated = ev.ReceivedAt
	if s.updated.IsZero() {
		s.updated = time.Now()
	}
	s.applied++
	return true
}

// Run applies every update from obs until ctx is done or obs is closed.
func (s *Store) Run(ctx context.Context, obs *realtime.Observer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-obs.C():
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}

// WatchStation observes updates for a single station.
func WatchStation(src UpdateSource, id protocol.EntityID, buffer int) *realtime.Observer {
	return src.UpdatesFor(buffer, func(ev protocol.UpdateEvent) bool {
		return ev.StationID == id
	})
}
