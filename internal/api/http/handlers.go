package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/realtime"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/stations"
)

// reconnectTimeout bounds POST /reconnect.
const reconnectTimeout = 15 * time.Second

// Connection is the realtime client as seen by the status API.
type Connection interface {
	Status() realtime.Status
	Subscriptions() []realtime.Subscription
	Connect(ctx context.Context) error
}

// StationStore is the local station cache.
type StationStore interface {
	Stations() []stations.Station
	Get(id protocol.EntityID) (stations.Station, bool)
	Updated() time.Time
	Applied() uint64
}

// ConnectorControl issues connector commands to the backend.
type ConnectorControl interface {
	StartConnector(ctx context.Context, stationID, connectorID protocol.EntityID) (bool, error)
	StopConnector(ctx context.Context, stationID, connectorID protocol.EntityID) (bool, error)
}

// Countdown is the reload guard.
type Countdown interface {
	RetryIn() (time.Duration, bool)
	ReloadNow()
}

// Deps are the collaborators of Handlers. Guard and Metrics may be nil.
type Deps struct {
	Conn    Connection
	Store   StationStore
	Control ConnectorControl
	Guard   Countdown
	Metrics *monitoring.Metrics
	Logger  *logging.Logger
}

// Handlers serves the read-mostly status API over a live client.
type Handlers struct {
	conn    Connection
	store   StationStore
	control ConnectorControl
	guard   Countdown
	metrics *monitoring.Metrics
	logger  *logging.Logger
}

// NewHandlers creates handlers.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		conn:    d.Conn,
		store:   d.Store,
		control: d.Control,
		guard:   d.Guard,
		metrics: d.Metrics,
		logger:  logging.OrNop(d.Logger).Named("api"),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/subscriptions", h.ListSubscriptions)
	r.POST("/reconnect", h.Reconnect)
	r.POST("/reload", h.Reload)

	r.GET("/summary", h.Summary)
	r.GET("/stations", h.ListStations)
	r.GET("/stations/:id", h.GetStation)
	r.POST("/stations/:id/connectors/:cid/start", h.StartConnector)
	r.POST("/stations/:id/connectors/:cid/stop", h.StopConnector)

	r.GET("/metrics/json", h.MetricsJSON)
}

// Health always answers 200 while the process runs.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"connection": h.conn.Status().State.String(),
	})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State        string     `json:"state"`
	Connected    bool       `json:"connected"`
	Reconnecting bool       `json:"reconnecting"`
	Attempt      int        `json:"attempt"`
	Terminal     bool       `json:"terminal"`
	Error        string     `json:"error,omitempty"`
	URL          string     `json:"url"`
	ConnectionID string     `json:"connectionId,omitempty"`
	Since        time.Time  `json:"since"`
	Reload       ReloadInfo `json:"reload"`
}

// ReloadInfo reports a running reload countdown.
type ReloadInfo struct {
	Pending   bool `json:"pending"`
	InSeconds int  `json:"inSeconds,omitempty"`
}

// Status reports the connection status and any reload countdown.
func (h *Handlers) Status(c *gin.Context) {
	st := h.conn.Status()
	resp := StatusResponse{
		State:        st.State.String(),
		Connected:    st.IsConnected(),
		Reconnecting: st.Reconnecting(),
		Attempt:      st.Attempt,
		Terminal:     st.Terminal,
		Error:        st.ErrorText(),
		URL:          st.URL,
		ConnectionID: st.ConnectionID.String(),
		Since:        st.Since,
	}
	if h.guard != nil {
		if left, ok := h.guard.RetryIn(); ok {
			resp.Reload = ReloadInfo{Pending: true, InSeconds: int((left + time.Second - 1) / time.Second)}
		}
	}
	c.JSON(http.StatusOK, resp)
}

type subscriptionView struct {
	Name   string          `json:"name"`
	Since  time.Time       `json:"since"`
	Params json.RawMessage `json:"params,omitempty"`
	Ack    json.RawMessage `json:"ack,omitempty"`
}

// ListSubscriptions lists acknowledged feeds, sorted by name.
func (h *Handlers) ListSubscriptions(c *gin.Context) {
	subs := h.conn.Subscriptions()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Kind.Name < subs[j].Kind.Name })

	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriptionView{
			Name:   s.Kind.Name,
			Since:  s.Since,
			Params: s.Params,
			Ack:    s.Ack,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out, "count": len(out)})
}

// Reconnect dials immediately, starting a fresh retry budget.
func (h *Handlers) Reconnect(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), reconnectTimeout)
	defer cancel()

	if err := h.conn.Connect(ctx); err != nil {
		h.logger.Warn("Manual reconnect failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": h.conn.Status().State.String()})
}

// Reload rebuilds the client without waiting for the countdown.
func (h *Handlers) Reload(c *gin.Context) {
	if h.guard == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"success": false, "error": "reload is not available"})
		return
	}
	h.guard.ReloadNow()
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// ListStations returns cached stations, optionally filtered by region and
// status. The list is served while disconnected and marked stale.
func (h *Handlers) ListStations(c *gin.Context) {
	region := c.Query("region")
	status := stations.Status(c.Query("status"))

	all := h.store.Stations()
	list := make([]stations.Station, 0, len(all))
	for _, st := range all {
		if region != "" && st.Region != region {
			continue
		}
		if status != "" && st.Status != status {
			continue
		}
		list = append(list, st)
	}

	c.JSON(http.StatusOK, gin.H{
		"stations": list,
		"count":    len(list),
		"updated":  h.store.Updated(),
		"applied":  h.store.Applied(),
		"stale":    !h.conn.Status().IsConnected(),
	})
}

// GetStation returns one cached station.
func (h *Handlers) GetStation(c *gin.Context) {
	st, ok := h.store.Get(protocol.EntityID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Summary aggregates the cached stations.
func (h *Handlers) Summary(c *gin.Context) {
	c.JSON(http.StatusOK, stations.Summarize(h.store.Stations()))
}

// StartConnector asks the backend to start charging on a connector.
func (h *Handlers) StartConnector(c *gin.Context) {
	h.connectorCommand(c, "start", h.control.StartConnector)
}

// StopConnector asks the backend to stop charging on a connector.
func (h *Handlers) StopConnector(c *gin.Context) {
	h.connectorCommand(c, "stop", h.control.StopConnector)
}

type commandFunc func(ctx context.Context, stationID, connectorID protocol.EntityID) (bool, error)

func (h *Handlers) connectorCommand(c *gin.Context, name string, cmd commandFunc) {
	if !h.conn.Status().IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "backend not connected"})
		return
	}

	stationID := protocol.EntityID(c.Param("id"))
	connectorID := protocol.EntityID(c.Param("cid"))
	accepted, err := cmd(c.Request.Context(), stationID, connectorID)
	if err != nil {
		h.logger.Warn("Connector command failed",
			zap.String("command", name),
			zap.String("station_id", stationID.String()),
			zap.String("connector_id", connectorID.String()),
			zap.Error(err))
		c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "accepted": accepted})
}

// statusFor maps a call error to an HTTP status.
func statusFor(err error) int {
	var pe *realtime.ProtocolError
	switch {
	case errors.Is(err, stations.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &pe) && pe.Code == "NOT_FOUND":
		return http.StatusNotFound
	case errors.As(err, &pe) && pe.Code == "INVALID_REQUEST":
		return http.StatusBadRequest
	case errors.Is(err, realtime.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, realtime.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
