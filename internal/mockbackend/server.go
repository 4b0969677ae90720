package mockbackend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
)

// Error codes sent in error frames.
const (
	CodeInvalidAction  = "INVALID_ACTION"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

const (
	writeWait            = 10 * time.Second
	defaultStatsInterval = 2 * time.Second
	minStatsInterval     = 20 * time.Millisecond
)

// Options configures a Server.
type Options struct {
	Stations int
	Seed     int64
	// PushInterval is the period of random station updates. Zero disables
	// them.
	PushInterval time.Duration
}

// OptionsFromConfig maps the mock section of the configuration.
func OptionsFromConfig(cfg config.MockConfig) Options {
	return Options{
		Stations:     cfg.Stations,
		Seed:         42,
		PushInterval: cfg.PushInterval.Duration,
	}
}

// Server is a development backend speaking the dashboard protocol.
type Server struct {
	opts     Options
	fleet    *Fleet
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uuid.UUID]*client
}

type client struct {
	id      uuid.UUID
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	subscribed  bool
	stopStats   context.CancelFunc
	statsParams map[string]any
}

// requestError is reported to the client as an error frame.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.code + ": " + e.message }

func invalid(format string, args ...any) error {
	return &requestError{code: CodeInvalidRequest, message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &requestError{code: CodeNotFound, message: fmt.Sprintf(format, args...)}
}

// New creates a server with a freshly generated fleet.
func New(opts Options, logger *logging.Logger) *Server {
	if opts.Stations <= 0 {
		opts.Stations = 10
	}
	s := &Server{
		opts:    opts,
		fleet:   NewFleet(opts.Stations, opts.Seed, time.Now()),
		logger:  logging.OrNop(logger).Named("mockbackend"),
		clients: make(map[uuid.UUID]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.logger.Info("Fleet generated",
		zap.Int("stations", s.fleet.Len()),
		zap.Int("transactions", len(s.fleet.transactions)))
	return s
}

// Router returns the gin engine: the WebSocket endpoint on "/" and "/ws"
// plus a health probe.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleUpgrade)
	router.GET("/ws", s.handleUpgrade)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "clients": s.Clients(), "stations": s.fleet.Len()})
	})
	return router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Mock backend listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.opts.PushInterval > 0 {
		go s.pushLoop(ctx)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	return srv.Shutdown(shutdownCtx)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Push applies one random station change and sends it to subscribed
// clients. It returns the number of recipients.
func (s *Server) Push() int {
	id, changes, ok := s.fleet.mutate()
	if !ok {
		return 0
	}
	return s.broadcastStation(id, changes)
}

func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Push()
		}
	}
}

func (s *Server) broadcastStation(id int, changes map[string]any) int {
	msg, err := protocol.NewUpdate("stationUpdate", map[string]any{
		"stationId": id,
		"changes":   changes,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Error("Failed to encode update", zap.Error(err))
		return 0
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		c.mu.Lock()
		if c.subscribed {
			targets = append(targets, c)
		}
		c.mu.Unlock()
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			s.logger.Debug("Update not delivered", zap.String("client_id", c.id.String()), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) handleUpgrade(ctx *gin.Context) {
	conn, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.New(), conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("Client connected", zap.String("client_id", c.id.String()), zap.Int("clients", n))

	defer s.drop(c)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) drop(c *client) {
	c.mu.Lock()
	if c.stopStats != nil {
		c.stopStats()
		c.stopStats = nil
	}
	c.mu.Unlock()
	_ = c.conn.Close()

	s.mu.Lock()
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("Client disconnected", zap.String("client_id", c.id.String()), zap.Int("clients", n))
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}

func (s *Server) handleFrame(c *client, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Warn("Invalid JSON from client", zap.String("client_id", c.id.String()), zap.Error(err))
		return
	}
	if msg.Type != protocol.TypeRequest {
		return
	}

	params, err := requestParams(frame, msg)
	if err != nil {
		s.reply(c, msg, nil, invalid("malformed data: %v", err))
		return
	}

	data, err := s.dispatch(c, msg.Action, params)
	s.reply(c, msg, data, err)
}

func (s *Server) reply(c *client, req protocol.Message, data any, err error) {
	var out protocol.Message
	if err != nil {
		var re *requestError
		if !errors.As(err, &re) {
			s.logger.Error("Request failed", zap.String("action", req.Action), zap.Error(err))
			re = &requestError{code: CodeInternal, message: err.Error()}
		}
		out = protocol.NewError(req.Action, req.RequestID, re.code, re.message)
	} else {
		out, err = protocol.NewResponse(req.Action, req.RequestID, data)
		if err != nil {
			out = protocol.NewError(req.Action, req.RequestID, CodeInternal, err.Error())
		}
	}

	if err := c.send(out); err != nil {
		s.logger.Debug("Reply not delivered", zap.String("client_id", c.id.String()), zap.Error(err))
	}
}

// requestParams merges the request's data object over its top-level
// fields, so parameters may be sent either way.
func requestParams(frame []byte, msg protocol.Message) (map[string]any, error) {
	params := make(map[string]any)
	if err := sonic.ConfigStd.Unmarshal(frame, &params); err != nil {
		return nil, err
	}
	for _, k := range []string{"type", "action", "requestId", "data"} {
		delete(params, k)
	}

	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		var data map[string]any
		if err := protocol.DecodeData(msg.Data, &data); err != nil {
			return nil, err
		}
		for k, v := range data {
			params[k] = v
		}
	}
	return params, nil
}

func (s *Server) dispatch(c *client, action string, p map[string]any) (any, error) {
	switch action {
	case "getAllStations":
		filters, _ := p["filters"].(map[string]any)
		return map[string]any{"stations": s.fleet.all(filters)}, nil

	case "getStationById":
		id, err := stationID(p)
		if err != nil {
			return nil, err
		}
		st, ok := s.fleet.byID(id)
		if !ok {
			return nil, notFound("Station with id '%d' not found", id)
		}
		return map[string]any{"station": st}, nil

	case "getStationBySerialNumber":
		serial, _ := p["serialNumber"].(string)
		if serial == "" {
			return nil, invalid("serialNumber is required")
		}
		st, ok := s.fleet.bySerial(serial)
		if !ok {
			return nil, notFound("Station with serial '%s' not found", serial)
		}
		return map[string]any{"station": st}, nil

	case "getStationStats":
		id, err := stationID(p)
		if err != nil {
			return nil, err
		}
		stats, ok := s.fleet.stats(id)
		if !ok {
			return nil, notFound("Station with id '%d' not found", id)
		}
		return stats, nil

	case "getStationTransactions":
		return s.transactions(p)

	case "getUnknownConnectedStations":
		return map[string]any{"count": 0, "stations": []any{}}, nil

	case "getContactorsStatus":
		serial, _ := p["serialNumber"].(string)
		if serial == "" {
			return nil, invalid("serialNumber is required")
		}
		st, ok := s.fleet.bySerial(serial)
		if !ok {
			return nil, notFound("Station with serial '%s' not found", serial)
		}
		contactors := make([]map[string]any, 0, len(st.Connectors))
		for _, conn := range st.Connectors {
			contactors = append(contactors, map[string]any{"id": conn.ID, "closed": conn.Status == 3})
		}
		return map[string]any{"serialNumber": serial, "contactors": contactors}, nil

	case "getGlobalStats":
		return s.fleet.global(), nil

	case "startConnector", "stopConnector":
		return s.connectorCommand(action, p)

	case "toggleOcpp":
		id, err := stationID(p)
		if err != nil {
			return nil, err
		}
		enabled, ok := p["enabled"].(bool)
		if !ok {
			return nil, invalid("enabled is required")
		}
		if !s.fleet.setOCPP(id, enabled) {
			return nil, notFound("Station with id '%d' not found", id)
		}
		return map[string]any{"accepted": true}, nil

	case "subscribeUpdates":
		c.mu.Lock()
		c.subscribed = true
		c.mu.Unlock()
		return map[string]any{"subscribed": true}, nil

	case "unsubscribeUpdates":
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
		return map[string]any{"unsubscribed": true}, nil

	case "subscribeSystemStats":
		s.startStats(c, p)
		return map[string]any{"subscribed": true}, nil

	case "unsubscribeSystemStats":
		c.mu.Lock()
		if c.stopStats != nil {
			c.stopStats()
			c.stopStats = nil
		}
		c.mu.Unlock()
		return map[string]any{"unsubscribed": true}, nil
	}

	return nil, &requestError{code: CodeInvalidAction, message: "Unknown action"}
}

func (s *Server) transactions(p map[string]any) (any, error) {
	serial, _ := p["serialNumber"].(string)
	if serial == "" {
		return nil, invalid("serialNumber is required")
	}

	now := time.Now()
	from, hasFrom := timeParam(p, "from")
	to, hasTo := timeParam(p, "to")
	switch {
	case hasFrom && hasTo:
	case hasFrom:
		to = now
	case hasTo:
		from = to.Add(-24 * time.Hour)
	default:
		from, to = now.Add(-24*time.Hour), now
	}

	limit := 100
	if v, ok := p["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	return map[string]any{"transactions": s.fleet.transactionsOf(serial, from, to, limit)}, nil
}

func (s *Server) connectorCommand(action string, p map[string]any) (any, error) {
	id, err := stationID(p)
	if err != nil {
		return nil, err
	}
	connectorID, ok := intParam(p["connectorId"])
	if !ok {
		return nil, invalid("connectorId is required")
	}

	status := 0
	if action == "startConnector" {
		status = 3
	}
	changes, ok := s.fleet.setConnector(id, connectorID, status)
	if !ok {
		return nil, notFound("Connector %d of station '%d' not found", connectorID, id)
	}
	go s.broadcastStation(id, changes)
	return map[string]any{"accepted": true}, nil
}

func (s *Server) startStats(c *client, p map[string]any) {
	interval := defaultStatsInterval
	if v, ok := p["interval"].(float64); ok && v > 0 {
		interval = time.Duration(v) * time.Millisecond
	}
	if interval < minStatsInterval {
		interval = minStatsInterval
	}
	paths, _ := p["paths"].([]any)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.stopStats != nil {
		c.stopStats()
	}
	c.stopStats = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fleet.mu.Lock()
				data := map[string]any{
					"cpu":       30 + s.fleet.rng.Intn(30),
					"ram":       55 + s.fleet.rng.Intn(20),
					"network":   80 + s.fleet.rng.Intn(100),
					"load":      []float64{round(s.fleet.rng.Float64()*2, 2), round(s.fleet.rng.Float64()*1.5, 2), round(s.fleet.rng.Float64(), 2)},
					"paths":     paths,
					"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				}
				s.fleet.mu.Unlock()

				msg, err := protocol.NewUpdate("systemStats", data)
				if err != nil {
					return
				}
				if err := c.send(msg); err != nil {
					return
				}
			}
		}
	}()
}

func (c *client) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// stationID reads stationId as an integer. Non-numeric strings name no
// station.
func stationID(p map[string]any) (int, error) {
	v, ok := p["stationId"]
	if !ok || v == nil || v == "" {
		return 0, invalid("stationId is required")
	}
	if s, ok := v.(string); ok {
		if _, err := strconv.Atoi(s); err != nil {
			return 0, notFound("Station with id '%s' not found", s)
		}
	}
	id, ok := intParam(v)
	if !ok {
		return 0, invalid("stationId must be an integer")
	}
	return id, nil
}

func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

func timeParam(p map[string]any, key string) (time.Time, bool) {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
