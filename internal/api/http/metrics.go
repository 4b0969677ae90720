package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
)

// MetricsResponse is the body of GET /metrics/json.
type MetricsResponse struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Connection string                     `json:"connection"`
	Counters   monitoring.MetricsSnapshot `json:"counters"`
	Summary    MetricsSummary             `json:"summary"`
}

// MetricsSummary provides derived rates.
type MetricsSummary struct {
	CallErrorRate float64 `json:"callErrorRate"`
	DropRate      float64 `json:"dropRate"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// MetricsJSON returns counters and derived rates.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	snap := h.metrics.Snapshot()
	c.JSON(http.StatusOK, MetricsResponse{
		Timestamp:  time.Now(),
		Connection: h.conn.Status().State.String(),
		Counters:   snap,
		Summary:    summarize(snap),
	})
}

func summarize(snap monitoring.MetricsSnapshot) MetricsSummary {
	sum := MetricsSummary{UptimeSeconds: snap.UptimeSeconds}
	if snap.Calls > 0 {
		sum.CallErrorRate = float64(snap.FailedCalls) / float64(snap.Calls)
	}
	if total := snap.UpdatesDispatched + snap.UpdatesDropped; total > 0 {
		sum.DropRate = float64(snap.UpdatesDropped) / float64(total)
	}
	return sum
}

// PrometheusHandler exposes g in the text exposition format.
func PrometheusHandler(g prometheus.Gatherer) gin.HandlerFunc {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
