package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	apihttp "github.com/pr-poehali-dev/network-monitoring-ui/internal/api/http"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/api/middleware"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/guard"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/tracing"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/realtime"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/sink"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/stations"
)

// ErrReload is returned by Run when the reload guard asked for a fresh
// client. The caller is expected to build a new Server and run it.
var ErrReload = errors.New("server: reload requested")

const shutdownTimeout = 5 * time.Second

// Deps are shared across reloads. Metrics must outlive a single Server
// because collectors can only be registered once.
type Deps struct {
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
}

// Server wires one client lifetime: the realtime client, the station
// cache, the reload guard, the optional Kafka sink and the status API.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	client  *realtime.Client
	service *stations.Service
	store   *stations.Store
	guard   *guard.ReloadGuard
	sink    *sink.KafkaSink
	tracer  *tracing.Tracer
	router  *gin.Engine

	reload chan struct{}
	wg     sync.WaitGroup
}

// New builds a server. Nothing connects until Run.
func New(cfg *config.Config, d Deps) (*Server, error) {
	logger := logging.OrNop(d.Logger)

	logger.Info("Initializing dashboard sync service",
		zap.String("backend", cfg.Realtime.Endpoint()),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("sink", cfg.Sink.Enabled()))

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: d.Metrics,
		reload:  make(chan struct{}, 1),
	}

	s.client = realtime.New(realtime.OptionsFromConfig(cfg.Realtime), logger, d.Metrics)
	s.service = stations.NewService(s.client, logger)
	s.store = stations.NewStore(s.service, logger)
	s.guard = guard.New(guard.Options{
		Countdown: cfg.Guard.ReloadCountdown.Duration,
		Reload:    s.requestReload,
	}, logger)

	if cfg.Sink.Enabled() {
		k, err := sink.NewFromConfig(cfg.Sink, logger, d.Metrics)
		if err != nil {
			_ = s.client.Close()
			return nil, fmt.Errorf("failed to create sink: %w", err)
		}
		s.sink = k
	}

	s.tracer = tracing.New("dashboard", logger)
	s.router = s.newRouter(d.Gatherer)
	return s, nil
}

func (s *Server) newRouter(g prometheus.Gatherer) *gin.Engine {
	if !s.cfg.Logging.Development && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.CORSFromConfig(s.cfg.Server)))
	if s.cfg.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", s.cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", s.cfg.RateLimit.Burst))
		router.Use(middleware.RateLimit(middleware.RateLimitFromConfig(s.cfg.RateLimit)))
	}

	handlers := apihttp.NewHandlers(apihttp.Deps{
		Conn:    s.client,
		Store:   s.store,
		Control: s.service,
		Guard:   s.guard,
		Metrics: s.metrics,
		Logger:  s.logger,
	})
	handlers.Register(router)
	router.GET("/metrics", apihttp.PrometheusHandler(g))
	return router
}

// Router returns the status API.
func (s *Server) Router() *gin.Engine { return s.router }

// Client returns the realtime client.
func (s *Server) Client() *realtime.Client { return s.client }

// Store returns the station cache.
func (s *Server) Store() *stations.Store { return s.store }

// Run connects, keeps the cache live and serves the status API until ctx
// is done (nil), a reload is requested (ErrReload) or the listener fails.
// A failed first connection is not fatal; the session keeps retrying and
// the guard takes over once it gives up.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	s.startWorkers(ctx)

	if err := s.client.Connect(ctx); err != nil {
		s.logger.Warn("Initial connection failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var result error
	select {
	case <-ctx.Done():
	case <-s.reload:
		result = ErrReload
	case err := <-errCh:
		result = fmt.Errorf("status API: %w", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Status API shutdown", zap.Error(err))
	}
	return result
}

func (s *Server) startWorkers(ctx context.Context) {
	updates := s.client.Updates(0)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer updates.Close()
		s.store.Run(ctx, updates)
	}()

	if s.sink != nil {
		forwarded := s.client.Updates(0)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer forwarded.Close()
			s.sink.Run(ctx, forwarded)
		}()
	}

	guardCh, stopGuard := s.client.WatchStatus()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopGuard()
		s.guard.Run(ctx, guardCh)
	}()

	syncCh, stopSync := s.client.WatchStatus()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopSync()
		s.syncOnConnect(ctx, syncCh)
	}()
}

// syncOnConnect reloads the station list on every new connection and
// subscribes to station updates once. Later reconnections restore the
// subscription through the client.
func (s *Server) syncOnConnect(ctx context.Context, statuses <-chan realtime.Status) {
	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			if !st.IsConnected() || st.ConnectionID.String() == last {
				continue
			}
			last = st.ConnectionID.String()
			s.resync(ctx)
		}
	}
}

func (s *Server) resync(ctx context.Context) {
	if err := s.store.Load(ctx, stations.Filters{}); err != nil {
		s.logger.Warn("Station list not refreshed", zap.Error(err))
	}
	if s.subscribed() {
		return
	}
	if err := s.service.SubscribeUpdates(ctx); err != nil {
		s.logger.Warn("Station updates not subscribed", zap.Error(err))
	}
}

func (s *Server) subscribed() bool {
	for _, sub := range s.client.Subscriptions() {
		if sub.Kind == stations.StationUpdates {
			return true
		}
	}
	return false
}

func (s *Server) requestReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Close releases the client and the sink.
func (s *Server) Close() error {
	s.logger.Info("Shutting down...")

	var errs []error
	if err := s.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close client: %w", err))
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
		}
	}
	s.tracer.Close()
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
