package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all host-side configuration.
type Config struct {
	Gateway   GatewayConfig
	Host      HostConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// GatewayConfig holds the channel gateway's HTTP server configuration.
type GatewayConfig struct {
	Port         string   `envconfig:"TRANSOM_PORT" default:"7300"`
	Host         string   `envconfig:"TRANSOM_HOST" default:"0.0.0.0"`
	AllowOrigins []string `envconfig:"TRANSOM_ALLOW_ORIGINS" default:"*"`
	GRPCPort     string   `envconfig:"TRANSOM_GRPC_PORT" default:""`
}

// HostConfig holds frame defaults applied when an option is not set.
type HostConfig struct {
	LoadTimeout time.Duration `envconfig:"TRANSOM_LOAD_TIMEOUT" default:"10s"`
	CallTimeout time.Duration `envconfig:"TRANSOM_CALL_TIMEOUT" default:"5s"`
	Sandbox     string        `envconfig:"TRANSOM_SANDBOX" default:"scripts+same-origin+forms+popups+modals"`
	GuestRoot   string        `envconfig:"TRANSOM_GUEST_ROOT" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"TRANSOM_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"TRANSOM_LOG_DEV" default:"false"`
}

// RateLimitConfig holds gateway rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"TRANSOM_RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"TRANSOM_RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"TRANSOM_RATE_LIMIT_ENABLED" default:"true"`
}

// GuestConfig is the environment a launcher injects into a guest process.
// Guests read it with LoadGuest; hosts build it in the launcher. Endpoint
// is only set for ws/grpc channels, where the guest dials the gateway
// instead of inheriting a pipe.
type GuestConfig struct {
	Name        string        `envconfig:"TRANSOM_NAME"`
	Channel     string        `envconfig:"TRANSOM_CHANNEL" default:"stdio"`
	Endpoint    string        `envconfig:"TRANSOM_ENDPOINT"`
	Origin      string        `envconfig:"TRANSOM_ORIGIN"`
	Token       string        `envconfig:"TRANSOM_TOKEN"`
	Base        string        `envconfig:"TRANSOM_BASE"`
	Policy      string        `envconfig:"TRANSOM_POLICY"`
	InitTimeout time.Duration `envconfig:"TRANSOM_INIT_TIMEOUT" default:"10s"`
	LogLevel    string        `envconfig:"TRANSOM_GUEST_LOG_LEVEL" default:"error"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadGuest loads the guest-side environment injected by a launcher.
func LoadGuest() (*GuestConfig, error) {
	var cfg GuestConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load guest config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:         "7300",
			Host:         "0.0.0.0",
			AllowOrigins: []string{"*"},
		},
		Host: HostConfig{
			LoadTimeout: 10 * time.Second,
			CallTimeout: 5 * time.Second,
			Sandbox:     "scripts+same-origin+forms+popups+modals",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
