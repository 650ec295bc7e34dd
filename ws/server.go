// Package ws constructs session servers from configuration.
package ws

import (
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cardroom/wsrpc"
	"github.com/cardroom/wsrpc/config"
	"github.com/cardroom/wsrpc/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type ServerConfig = *websocket.ServerConfig

// New creates a session server: JSON-RPC over POST /rpc, transport upgrade
// at /ws, Prometheus metrics at /metrics.
//
// Example:
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//	server := ws.New(cfg)
func New(cfg ServerConfig) wsrpc.SessionServer {
	return websocket.New(cfg)
}

// NewConfig assembles a server configuration with the default connection
// policy: handshakes restricted to HTTP, three connections per address.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &websocket.ServerConfig{
		Addr:              addr,
		HTTPOnlyHandshake: true,
		MaxPerIdentity:    config.DefaultMaxWSPerIP,
		RateLimitConfig:   rateLimitConfig,
		CheckOrigin:       checkOrigin,
		OnConnect:         onConnect,
		OnDisconnect:      onDisconnect,
	}
}

// FromConfig maps a loaded configuration file onto a server configuration.
func FromConfig(cfg *config.Config, logger zerolog.Logger) ServerConfig {
	return &websocket.ServerConfig{
		Addr:              cfg.ListenAddr,
		HTTPOnlyHandshake: cfg.HTTPOnlyHandshake,
		MaxPerIdentity:    cfg.MaxWSPerIP,
		RateLimitConfig: &websocket.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.RateLimit.MessagesPerSecond),
			Burst:             cfg.RateLimit.Burst,
			Enabled:           cfg.RateLimit.Enabled,
		},
		Logger: logger,
	}
}

// AllOrigins returns a checkOrigin function that allows all origins.
// Development only.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
