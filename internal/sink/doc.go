// Package sink forwards station updates to Kafka.
//
// The sink consumes its own update observer, so a slow or unavailable
// broker only loses its own oldest updates. Writes go through a circuit
// breaker; while it is open updates are rejected without a network call.
package sink
