// Package config loads the server's startup configuration. The
// configuration is read once at startup and immutable thereafter.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr = ":8080"
	DefaultMaxWSPerIP = 3
)

// RateLimitConfig is the per-session token-bucket configuration.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
	Enabled           bool    `yaml:"enabled"`
}

// Config is the validated configuration object used throughout the server.
type Config struct {
	// ListenAddr is the address the RPC/WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr serves Prometheus metrics and health when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
	// HTTPOnlyHandshake requires WSS_Handshake to arrive over the HTTP
	// endpoint rather than in-band on a WebSocket.
	HTTPOnlyHandshake bool `yaml:"http_only_handshake"`
	// MaxWSPerIP is the per-identity connection cap.
	MaxWSPerIP int `yaml:"max_ws_per_ip"`
	// RateLimit applies to inbound messages per session.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Default returns the configuration used when no file is supplied:
// handshake over HTTP only, three connections per address, default rate
// limiting.
func Default() *Config {
	return &Config{
		ListenAddr:        DefaultListenAddr,
		HTTPOnlyHandshake: true,
		MaxWSPerIP:        DefaultMaxWSPerIP,
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Load reads and validates a yaml configuration file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals yaml onto the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.MaxWSPerIP < 1 {
		return fmt.Errorf("config: max_ws_per_ip must be at least 1, got %d", c.MaxWSPerIP)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("config: rate_limit.messages_per_second must be positive, got %v", c.RateLimit.MessagesPerSecond)
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("config: rate_limit.burst must be at least 1, got %d", c.RateLimit.Burst)
		}
	}
	return nil
}
