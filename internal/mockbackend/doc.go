// Package mockbackend is a development backend for the dashboard.
//
// It serves a generated station fleet over the dashboard WebSocket
// protocol: the station query actions, connector commands, update and
// system-stats subscriptions, and periodic random station updates.
// It exists for local runs and integration tests and does not model the
// real backend's persistence or OCPP handling.
package mockbackend
