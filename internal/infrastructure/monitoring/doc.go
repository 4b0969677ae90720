/*
Package monitoring provides Prometheus metrics for the dashboard.

# Overview

Metrics cover the realtime session (calls, pending requests, reconnects,
update fan-out), the status HTTP API and the optional broker sink. Every
collector is registered with an injected prometheus.Registerer so tests
can use a private registry.

# Usage

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "getAllStations")
	// ... await the response ...
	timer.Stop(monitoring.OutcomeSuccess)

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
*/
package monitoring
