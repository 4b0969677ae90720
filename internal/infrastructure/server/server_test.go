package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/mockbackend"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Realtime.URL = url
	cfg.Realtime.RequestTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Realtime.ReconnectBaseDelay = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Realtime.MaxReconnectAttempts = 2
	cfg.Realtime.StatusPollInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Guard.ReloadCountdown = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.RateLimit.Enabled = false
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := New(cfg, Deps{
		Logger:   logging.NewNop(),
		Metrics:  monitoring.NewMetrics(reg),
		Gatherer: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func run(s *Server) (<-chan error, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done, cancel
}

func getJSON(t *testing.T, router http.Handler, method, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestServerSyncsFromBackend(t *testing.T) {
	backend := mockbackend.New(mockbackend.Options{Stations: 5, Seed: 42}, logging.NewNop())
	ts := httptest.NewServer(backend.Router())
	defer ts.Close()

	s := newServer(t, testConfig("ws"+strings.TrimPrefix(ts.URL, "http")))
	done, cancel := run(s)
	defer cancel()

	require.Eventually(t, func() bool {
		_, body := getJSON(t, s.Router(), http.MethodGet, "/stations")
		return body["count"] == float64(5)
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return backend.Push() == 1 }, 2*time.Second, 10*time.Millisecond,
		"station updates subscribed")
	require.Eventually(t, func() bool { return s.Store().Applied() > 0 }, 2*time.Second, 10*time.Millisecond)

	code, body := getJSON(t, s.Router(), http.MethodGet, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connected", body["state"])

	code, _ = getJSON(t, s.Router(), http.MethodPost, "/stations/1/connectors/1/start")
	assert.Equal(t, http.StatusOK, code)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "dashboard_ws_calls_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestServerManualReload(t *testing.T) {
	backend := mockbackend.New(mockbackend.Options{Stations: 2}, logging.NewNop())
	ts := httptest.NewServer(backend.Router())
	defer ts.Close()

	s := newServer(t, testConfig("ws"+strings.TrimPrefix(ts.URL, "http")))
	done, cancel := run(s)
	defer cancel()

	require.Eventually(t, func() bool { return s.Client().Status().IsConnected() }, 2*time.Second, 10*time.Millisecond)

	code, _ := getJSON(t, s.Router(), http.MethodPost, "/reload")
	assert.Equal(t, http.StatusAccepted, code)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReload)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not requested")
	}
}

func TestServerReloadsAfterRetriesExhausted(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	s := newServer(t, testConfig(url))
	done, cancel := run(s)
	defer cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrReload)
	case <-time.After(5 * time.Second):
		t.Fatal("guard did not reload")
	}

	code, body := getJSON(t, s.Router(), http.MethodGet, "/stations")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["stale"])
	assert.Equal(t, float64(0), body["count"])
}

func TestNewRejectsSinkWithoutTopic(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Sink.Brokers = []string{"localhost:9092"}
	cfg.Sink.Topic = ""

	_, err := New(cfg, Deps{Metrics: monitoring.NewMetrics(prometheus.NewRegistry())})
	assert.Error(t, err)
}
