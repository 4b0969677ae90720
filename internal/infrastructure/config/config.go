package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Endpoints used when no explicit URL is configured.
const (
	ProductionURL  = "wss://eprom.online:10008"
	DevelopmentURL = "ws://localhost:10008"
)

// Config holds all application configuration.
type Config struct {
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Guard     GuardConfig     `yaml:"guard" toml:"guard"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Sink      SinkConfig      `yaml:"sink" toml:"sink"`
	Mock      MockConfig      `yaml:"mock" toml:"mock"`
}

// RealtimeConfig holds the backend WebSocket session configuration.
type RealtimeConfig struct {
	URL                  string   `envconfig:"WS_URL" yaml:"url" toml:"url"`
	Env                  string   `envconfig:"ENV" default:"development" yaml:"env" toml:"env"`
	RequestTimeout       Duration `envconfig:"WS_REQUEST_TIMEOUT" default:"10s" yaml:"request_timeout" toml:"request_timeout"`
	HandshakeTimeout     Duration `envconfig:"WS_HANDSHAKE_TIMEOUT" default:"10s" yaml:"handshake_timeout" toml:"handshake_timeout"`
	ReconnectBaseDelay   Duration `envconfig:"WS_RECONNECT_DELAY" default:"2s" yaml:"reconnect_delay" toml:"reconnect_delay"`
	MaxReconnectAttempts int      `envconfig:"WS_RECONNECT_ATTEMPTS" default:"5" yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	StatusPollInterval   Duration `envconfig:"WS_STATUS_POLL" default:"1s" yaml:"status_poll" toml:"status_poll"`
	PingInterval         Duration `envconfig:"WS_PING_INTERVAL" default:"0s" yaml:"ping_interval" toml:"ping_interval"`
	UpdateBuffer         int      `envconfig:"WS_UPDATE_BUFFER" default:"256" yaml:"update_buffer" toml:"update_buffer"`
	Resubscribe          bool     `envconfig:"WS_RESUBSCRIBE" default:"true" yaml:"resubscribe" toml:"resubscribe"`
}

// Endpoint returns the WebSocket URL to dial. An explicit URL always wins;
// otherwise the environment selects the secure production endpoint or the
// local development one.
func (r RealtimeConfig) Endpoint() string {
	if r.URL != "" {
		return r.URL
	}
	if IsProductionEnv(r.Env) {
		return ProductionURL
	}
	return DevelopmentURL
}

// GuardConfig holds the reload guard configuration.
type GuardConfig struct {
	ReloadCountdown Duration `envconfig:"RELOAD_COUNTDOWN" default:"10s" yaml:"reload_countdown" toml:"reload_countdown"`
}

// ServerConfig holds the status HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090" yaml:"port" toml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host" toml:"host"`
	// AllowOrigins lists the dashboard origins allowed to call the API.
	AllowOrigins []string `envconfig:"CORS_ORIGINS" default:"*" yaml:"allow_origins" toml:"allow_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration for the status API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50" yaml:"rps" toml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`
}

// SinkConfig holds the optional Kafka forwarding configuration.
type SinkConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS" yaml:"brokers" toml:"brokers"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"station-updates" yaml:"topic" toml:"topic"`
}

// Enabled reports whether at least one broker is configured.
func (s SinkConfig) Enabled() bool {
	return len(s.Brokers) > 0
}

// MockConfig holds the development mock backend configuration.
type MockConfig struct {
	Host         string   `envconfig:"MOCK_HOST" default:"0.0.0.0" yaml:"host" toml:"host"`
	Port         string   `envconfig:"MOCK_PORT" default:"10008" yaml:"port" toml:"port"`
	Stations     int      `envconfig:"MOCK_STATIONS" default:"10" yaml:"stations" toml:"stations"`
	PushInterval Duration `envconfig:"MOCK_PUSH_INTERVAL" default:"5s" yaml:"push_interval" toml:"push_interval"`
}

// Addr returns host:port.
func (m MockConfig) Addr() string {
	return m.Host + ":" + m.Port
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment and then overlays the
// given YAML or TOML file. Keys absent from the file keep their environment
// (or default) values. An empty path is equivalent to Load.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			Env:                  "development",
			RequestTimeout:       Duration{10 * time.Second},
			HandshakeTimeout:     Duration{10 * time.Second},
			ReconnectBaseDelay:   Duration{2 * time.Second},
			MaxReconnectAttempts: 5,
			StatusPollInterval:   Duration{time.Second},
			UpdateBuffer:         256,
			Resubscribe:          true,
		},
		Guard: GuardConfig{
			ReloadCountdown: Duration{10 * time.Second},
		},
		Server: ServerConfig{
			Port:         "8090",
			Host:         "0.0.0.0",
			AllowOrigins: []string{"*"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
		Sink: SinkConfig{
			Topic: "station-updates",
		},
		Mock: MockConfig{
			Host:         "0.0.0.0",
			Port:         "10008",
			Stations:     10,
			PushInterval: Duration{5 * time.Second},
		},
	}
}

// IsProductionEnv reports whether env names a production deployment.
func IsProductionEnv(env string) bool {
	env = strings.ToLower(env)
	return env == "production" || env == "prod"
}

// Duration is a time.Duration that decodes from strings such as "10s" in
// environment variables, YAML and TOML alike.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
