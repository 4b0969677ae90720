// Package middleware provides the gin middleware of the status API: CORS
// and per-client rate limiting backed by golang.org/x/time/rate.
package middleware
