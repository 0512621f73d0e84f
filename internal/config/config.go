// Package config loads static client configuration from the environment
// (spec.md §1 treats OAuth token acquisition as an external collaborator;
// this is everything else a Helix/EventSub client needs to be constructed).
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all client configuration.
type Config struct {
	Helix     HelixConfig
	Realtime  RealtimeConfig
	Telemetry TelemetryConfig
}

// HelixConfig configures the Helix HTTP core. BaseURL and MaxRetries are
// loaded and validated but not read by client.New: endpoint URLs come from
// the registry catalogue, and helix.Client always makes at most five
// attempts per call.
type HelixConfig struct {
	ClientID       string        `envconfig:"TWITCH_CLIENT_ID" required:"true"`
	BaseURL        string        `envconfig:"TWITCH_HELIX_BASE_URL" default:"https://api.twitch.tv/helix"`
	RequestTimeout time.Duration `envconfig:"TWITCH_HELIX_TIMEOUT" default:"10s"`
	MaxRetries     int           `envconfig:"TWITCH_HELIX_MAX_RETRIES" default:"5"`
}

// RealtimeConfig configures the WebSocket EventSub core.
type RealtimeConfig struct {
	WebSocketURL            string        `envconfig:"TWITCH_EVENTSUB_WS_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	KeepaliveTimeoutSeconds int           `envconfig:"TWITCH_EVENTSUB_KEEPALIVE_SECONDS" default:"0"`
	HandshakeTimeout        time.Duration `envconfig:"TWITCH_EVENTSUB_HANDSHAKE_TIMEOUT" default:"10s"`
}

// TelemetryConfig configures structured logging, tracing, and metrics
// export (SPEC_FULL.md §10.1).
type TelemetryConfig struct {
	OTLPEndpoint string `envconfig:"TWITCHSUB_OTLP_ENDPOINT"`
	ServiceName  string `envconfig:"TWITCHSUB_SERVICE_NAME" default:"twitchsub"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration constraints.
func (c *Config) validate() error {
	if c.Helix.ClientID == "" {
		return fmt.Errorf("TWITCH_CLIENT_ID is required")
	}

	if c.Helix.RequestTimeout <= 0 {
		return fmt.Errorf("TWITCH_HELIX_TIMEOUT must be positive")
	}

	if c.Helix.MaxRetries < 0 {
		return fmt.Errorf("TWITCH_HELIX_MAX_RETRIES must not be negative")
	}

	return nil
}
