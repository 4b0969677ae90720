package middleware

import (
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/tracing"
)

// CORSConfig controls which dashboard origins may call the status API.
// An origin of "*" allows every origin.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORSConfig allows every origin to read status and send commands.
func DefaultCORSConfig() CORSConfig {
	return CORSFromOrigins([]string{"*"})
}

// CORSFromConfig uses the origins configured for the status server.
func CORSFromConfig(cfg config.ServerConfig) CORSConfig {
	return CORSFromOrigins(cfg.AllowOrigins)
}

// CORSFromOrigins returns the default policy restricted to origins.
func CORSFromOrigins(origins []string) CORSConfig {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Accept", "Content-Type", "Cache-Control", tracing.TraceHeader},
		MaxAge:       12 * time.Hour,
	}
}

// CORS builds the gin-contrib/cors handler. Trace headers are exposed so the
// browser can correlate a failed command with the server log.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     cfg.AllowMethods,
		AllowHeaders:     cfg.AllowHeaders,
		ExposeHeaders:    []string{tracing.TraceHeader, tracing.SpanHeader},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if slices.Contains(cfg.AllowOrigins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = cfg.AllowOrigins
	}
	return cors.New(cc)
}
