// Package http implements the status API of the dashboard sync service.
//
// Read endpoints are served from the local station cache and keep working
// while the backend is unreachable; responses carry a stale flag. Connector
// commands need a live connection and answer 503 otherwise.
//
// Routes:
//
//	GET  /health
//	GET  /status
//	GET  /subscriptions
//	POST /reconnect
//	POST /reload
//	GET  /summary
//	GET  /stations?region=&status=
//	GET  /stations/:id
//	POST /stations/:id/connectors/:cid/start
//	POST /stations/:id/connectors/:cid/stop
//	GET  /metrics/json
package http
