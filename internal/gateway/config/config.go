package config

import (
	"fmt"
	"os"
	"time"
)

type GatewayConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" validate:"required"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=0"`

	Realtime RealtimeConfig `yaml:"realtime"`
}

type RealtimeConfig struct {
	// AllowedOrigins lists the origins accepted for websocket upgrades.
	// Empty allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// SendBuffer is the number of outbound messages queued per connection.
	SendBuffer int `yaml:"send_buffer" validate:"gte=0"`

	// MaxMessageBytes bounds inbound websocket messages.
	MaxMessageBytes int64 `yaml:"max_message_bytes" validate:"gte=0"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Listen:          ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    1 << 20,
		Realtime: RealtimeConfig{
			SendBuffer:      256,
			MaxMessageBytes: 64 << 10,
		},
	}
}

// ApplyDefaults fills in zero values with defaults.
func (g *GatewayConfig) ApplyDefaults() {
	defaults := DefaultGatewayConfig()
	if g.Listen == "" {
		g.Listen = defaults.Listen
	}
	if g.ReadTimeout == 0 {
		g.ReadTimeout = defaults.ReadTimeout
	}
	if g.WriteTimeout == 0 {
		g.WriteTimeout = defaults.WriteTimeout
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if g.MaxBodyBytes == 0 {
		g.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if g.Realtime.SendBuffer == 0 {
		g.Realtime.SendBuffer = defaults.Realtime.SendBuffer
	}
	if g.Realtime.MaxMessageBytes == 0 {
		g.Realtime.MaxMessageBytes = defaults.Realtime.MaxMessageBytes
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (g *GatewayConfig) ApplyEnvOverrides() {
	if val := os.Getenv("CONTEXTDB_LISTEN"); val != "" {
		g.Listen = val
	}
}

// ResolvePaths is a no-op: the gateway has no paths.
func (g *GatewayConfig) ResolvePaths(_, _ string) { _ = g }

// Validate returns an error if the configuration is invalid.
func (g *GatewayConfig) Validate() error {
	if g.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if g.ReadTimeout < 0 || g.WriteTimeout < 0 || g.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}
	return nil
}
