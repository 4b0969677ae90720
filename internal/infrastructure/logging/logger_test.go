package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewBuildsLogger(t *testing.T) {
	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.LogConfig{Level: "error"})
	assert.Equal(t, "error", cfg.Level)
	assert.False(t, cfg.Development)

	cfg = FromSettings(config.LogConfig{Development: true})
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Development)
	assert.Equal(t, ServiceName, cfg.Service)

	cfg = FromSettings(config.LogConfig{Level: "info", Development: true})
	assert.Equal(t, "debug", cfg.Level)

	cfg = FromSettings(config.LogConfig{Level: "warn", Development: true})
	assert.Equal(t, "warn", cfg.Level)
}

func TestNewDevelopmentConsole(t *testing.T) {
	logger, err := New(Config{Level: "debug", Development: true, Service: "test"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNamedAndWith(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := &Logger{Logger: zap.New(core)}

	logger.Named("session").With(zap.String("conn", "c1")).Info("connected")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "session", entries[0].LoggerName)
	assert.Equal(t, "c1", entries[0].ContextMap()["conn"])
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil).Logger)
	l := NewNop()
	assert.Same(t, l, OrNop(l))
}
