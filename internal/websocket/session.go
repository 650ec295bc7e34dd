package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cardroom/wsrpc"
	"github.com/cardroom/wsrpc/internal/jsonrpc"
	"github.com/cardroom/wsrpc/internal/registry"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

// RateLimitConfig defines rate limiting configuration for sessions
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a session can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Session implements wsrpc.Session: one established connection with its
// token-derived private identifier.
type Session struct {
	id          string
	privateID   string
	identity    registry.Identity
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter
	log         zerolog.Logger
}

// newSession wraps an upgraded connection. privateID is the digest derived
// from the session's token pair; it never changes for the session lifetime.
func newSession(conn *websocket.Conn, remoteAddr string, identity registry.Identity, privateID string, rlc *RateLimitConfig, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rlc != nil && rlc.Enabled {
		limiter = rate.NewLimiter(rlc.MessagesPerSecond, rlc.Burst)
	}

	sess := &Session{
		id:          uuid.New().String(),
		privateID:   privateID,
		identity:    identity,
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBuffer),
		rateLimiter: limiter,
		log:         logger.With().Str("component", "session").Str("session_id", privateID).Logger(),
	}

	go sess.writePump()

	return sess
}

// ID returns the session's transport instance id, distinct from the
// token-derived private identifier.
func (s *Session) ID() string {
	return s.id
}

// PrivateID returns the digest derived from the session's token pair.
func (s *Session) PrivateID() string {
	return s.privateID
}

// Identity returns the session's network identity.
func (s *Session) Identity() string {
	return string(s.identity)
}

// RemoteAddr returns the client's remote network address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Context returns the session's lifecycle context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Notify sends a JSON-RPC notification to the client.
func (s *Session) Notify(ctx context.Context, method string, params interface{}) error {
	data, err := json.Marshal(jsonrpc.NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return s.send(ctx, data)
}

// send queues one already-encoded frame for delivery.
func (s *Session) send(ctx context.Context, data []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf(wsrpc.ErrConnectionClosed)
	}

	// Keep the lock while queueing to prevent a race with Close()
	select {
	case s.sendCh <- data:
		s.mu.RUnlock()
		return nil
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	case <-s.ctx.Done():
		s.mu.RUnlock()
		return fmt.Errorf(wsrpc.ErrContextCancelled)
	}
}

// Close closes the session gracefully.
func (s *Session) Close(ctx context.Context) error {
	return s.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
func (s *Session) CloseWithCode(ctx context.Context, code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(s.sendCh)
	return s.conn.Close()
}

// IsAlive returns true if the connection is still active.
func (s *Session) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// allowMessage reports whether the session is within its rate limit.
func (s *Session) allowMessage() bool {
	if s.rateLimiter == nil {
		return true
	}
	return s.rateLimiter.Allow()
}

// writePump pumps queued frames to the connection and keeps it alive with
// periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}
