/*
Package resilience provides retry and failure-isolation primitives.

# Overview

Backoff is the linear reconnection policy used by the realtime session:
attempt n waits Base*n, up to MaxAttempts attempts. Backoff.Retry runs
the loop on github.com/avast/retry-go. Breaker is a
consecutive-failure circuit breaker that guards writes to external
dependencies such as the message broker sink.

# Usage

	policy := resilience.Backoff{Base: 2 * time.Second, MaxAttempts: 5}
	err := policy.Retry(ctx, func(attempt int) error {
		if closed() {
			return resilience.Permanent(ErrClosed)
		}
		return dial(ctx)
	}, nil)

	breaker := resilience.NewBreaker("kafka", resilience.Settings{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	})
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return writer.WriteMessages(ctx, msg)
	})

# States

	Closed --[Threshold failures]-> Open --[Cooldown]-> Half-Open --[Probes successes]-> Closed
	                                                       |
	                                                   [failure]
	                                                       v
	                                                     Open
*/
package resilience
