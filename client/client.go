// Package client implements the client side of the session layer: the
// WSS_Handshake exchange, the transport upgrade, and request/response
// correlation over a single multiplexed socket.
//
// Correlation uses a per-request-id waiter table: every outstanding call
// registers a waiter under its request id, an inbound response is delivered
// to exactly one waiter and removes it, and unrelated messages arriving in
// between are never consumed by the wrong call. Calls time out instead of
// waiting forever.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/cardroom/wsrpc"
	"github.com/cardroom/wsrpc/internal/jsonrpc"
	"github.com/cardroom/wsrpc/internal/obs"
	"github.com/cardroom/wsrpc/internal/token"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultDialAttempts = 5
	writeTimeout        = 10 * time.Second
)

var (
	// ErrCallTimeout is returned when no response with the call's request
	// id arrives within the call timeout.
	ErrCallTimeout = errors.New("rpc call timed out")
	// ErrClosed is returned for calls on a closed or lost connection.
	ErrClosed = errors.New("client connection closed")
)

// OnNotifyFn receives server-initiated notifications, which carry no id and
// bypass correlation.
type OnNotifyFn = func(method string, params json.RawMessage)

// Config tunes a client. The zero value is usable.
type Config struct {
	// CallTimeout bounds each Call; defaults to 30s.
	CallTimeout time.Duration
	// DialAttempts bounds WebSocket dial retries; defaults to 5.
	DialAttempts int
	// OnNotify, when set, receives notifications pushed by the server.
	OnNotify OnNotifyFn
	// HTTPClient performs the handshake request; defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is one established session: a token pair admitted via handshake
// and a connected socket carrying correlated JSON-RPC calls.
type Client struct {
	userToken   string
	serverToken string
	privateID   string

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Message

	callTimeout time.Duration
	onNotify    OnNotifyFn
	log         zerolog.Logger

	done     chan struct{}
	closeOne sync.Once
}

// Dial establishes a session against baseURL (e.g. "http://host:8080"):
// WSS_Handshake over HTTP, then the WebSocket upgrade presenting both
// tokens, retried with exponential backoff.
func Dial(ctx context.Context, baseURL, userToken string, cfg Config) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	c := &Client{
		userToken:   userToken,
		pending:     make(map[string]chan *jsonrpc.Message),
		callTimeout: cfg.CallTimeout,
		onNotify:    cfg.OnNotify,
		log:         cfg.Logger.With().Str("component", "client").Logger(),
		done:        make(chan struct{}),
	}

	if err := c.performHandshake(ctx, cfg.HTTPClient, baseURL); err != nil {
		return nil, err
	}

	if err := c.dialWS(ctx, baseURL, cfg.DialAttempts); err != nil {
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

// UserToken returns the client-chosen session token.
func (c *Client) UserToken() string {
	return c.userToken
}

// ServerToken returns the server-issued session token.
func (c *Client) ServerToken() string {
	return c.serverToken
}

// PrivateID returns the session's derived private identifier.
func (c *Client) PrivateID() string {
	return c.privateID
}

// Call issues one JSON-RPC request and waits for the response carrying its
// request id. The session token pair is attached to params; other messages
// arriving while the call is outstanding are dispatched to their own
// waiters, never stolen by this one. An RPC error object completes the call
// as a *wsrpc.Error; absence of any matching response surfaces
// ErrCallTimeout.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	id := newRequestID(method)

	merged := make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	merged["user_token"] = c.userToken
	merged["server_token"] = c.serverToken

	ch := make(chan *jsonrpc.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := jsonrpc.Request{
		JSONRPC: wsrpc.JSONRPCVersion,
		Method:  method,
		Params:  merged,
		ID:      id,
	}
	if err := c.write(&req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Close tears the connection down. Outstanding calls fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOne.Do(func() {
		close(c.done)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage, message, deadline)
		err = c.conn.Close()
	})
	return err
}

// performHandshake runs WSS_Handshake over HTTP and records the issued
// server token.
func (c *Client) performHandshake(ctx context.Context, hc *http.Client, baseURL string) error {
	body, err := json.Marshal(jsonrpc.Request{
		JSONRPC: wsrpc.JSONRPCVersion,
		Method:  wsrpc.MethodHandshake,
		Params:  map[string]interface{}{"user_token": c.userToken},
		ID:      "1",
	})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("handshake request: %w", err)
	}
	defer resp.Body.Close()

	var msg jsonrpc.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return fmt.Errorf("decode handshake response: %w", err)
	}
	if msg.Error != nil {
		return msg.Error
	}

	var result struct {
		Message     string `json:"message"`
		ServerToken string `json:"server_token"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return fmt.Errorf("decode handshake result: %w", err)
	}
	if result.Message != "accept" || result.ServerToken == "" {
		return fmt.Errorf("handshake not accepted: %q", result.Message)
	}

	c.serverToken = result.ServerToken
	c.privateID = token.DerivePrivateID(c.serverToken, c.userToken)
	c.log.Debug().Str("session_id", c.privateID).Msg("handshake accepted")
	return nil
}

// dialWS upgrades the transport, retrying with exponential backoff.
func (c *Client) dialWS(ctx context.Context, baseURL string, attempts int) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("user_token", c.userToken)
	q.Set("server_token", c.serverToken)
	u.RawQuery = q.Encode()

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: true,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			c.conn = conn
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return fmt.Errorf("dial %s: %w", u.String(), lastErr)
}

// readLoop dispatches inbound messages: a response goes to the waiter
// registered under its id (removing it), a notification goes to OnNotify,
// anything else is counted and dropped.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed inbound message")
			continue
		}

		if msg.ID != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()

			if ok {
				ch <- &msg
			} else {
				obs.CallsDropped.Inc()
				c.log.Debug().Str("id", msg.ID).Msg("no waiter for response")
			}
			continue
		}

		if msg.Method != "" && c.onNotify != nil {
			c.onNotify(msg.Method, msg.Params)
		}
	}
}

// write serializes one request onto the socket. A single writer lock keeps
// concurrent calls from interleaving frames.
func (c *Client) write(req *jsonrpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// newRequestID returns a method-prefixed random request id.
func newRequestID(method string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic("client: rand.Read: " + err.Error())
	}
	return method + "-" + hex.EncodeToString(buf)
}
