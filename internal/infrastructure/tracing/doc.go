/*
Package tracing provides lightweight request tracing for the status API.

Trace and span IDs are prefixed ULIDs, propagated through the X-Trace-ID
and X-Span-ID headers and the request context. Finished spans are buffered
and written to the structured log; failed spans at warn level, the rest at
debug.

# Usage

	tracer := tracing.New("dashboard", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))
*/
package tracing
