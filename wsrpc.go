package wsrpc

import "context"

// MethodHandshake is the reserved method name establishing a session.
const MethodHandshake = "WSS_Handshake"

// SessionServer is the session layer underneath a JSON-RPC 2.0 service served
// over WebSocket. It admits clients through the WSS_Handshake exchange,
// enforces per-address connection limits and global token uniqueness, and
// dispatches JSON-RPC methods arriving over either the HTTP endpoint or an
// established WebSocket.
//
// Example usage:
//
//	import "github.com/cardroom/wsrpc/ws"
//
//	cfg := ws.NewConfig(":8080", nil, ws.AllOrigins(), nil, nil)
//	server := ws.New(cfg)
//
//	server.RegisterMethod("table.join", func(sess wsrpc.Session, params map[string]interface{}) (interface{}, error) {
//	    return map[string]string{"status": "seated"}, nil
//	})
//
//	server.Start(ctx)
type SessionServer interface {
	// Start starts the server and begins listening for connections.
	// The server keeps running until Stop is called or the context is
	// cancelled.
	//
	// Returns an error if the server is already running or the address
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop gracefully stops the server and closes all established
	// sessions.
	Stop(ctx context.Context) error

	// RegisterMethod registers a JSON-RPC 2.0 method handler.
	//
	// WSS_Handshake is built in and cannot be overridden. Every other
	// method requires an established session: the caller's params must
	// carry the user_token/server_token pair admitted at handshake time,
	// checked against the record for the caller's network identity.
	//
	// For calls arriving over the HTTP endpoint sess is nil; for calls
	// arriving in-band on a WebSocket it is the caller's session.
	RegisterMethod(method string, handler Handler) error

	// Broadcast sends a JSON-RPC notification to every connected session.
	Broadcast(ctx context.Context, method string, params interface{}) error

	// SendTo sends a JSON-RPC notification to the session addressed by
	// its private identifier. Returns an error if no connected session
	// matches.
	SendTo(ctx context.Context, privateID string, method string, params interface{}) error
}

// Handler processes one JSON-RPC method call. Returning a *wsrpc.Error
// surfaces that exact code and message to the caller; any other error is
// reported as an internal error.
type Handler func(sess Session, params map[string]interface{}) (interface{}, error)

// Session represents an established client session with an attached
// WebSocket.
//
// A session comes into existence when a client that passed WSS_Handshake
// completes the transport upgrade; its context is cancelled when the
// connection closes.
type Session interface {
	// PrivateID returns the session's derived private identifier, the
	// hex digest computed from its server/user token pair. It is stable
	// for the lifetime of the session and never exposes the raw tokens.
	PrivateID() string

	// Identity returns the session's network identity (protocol family
	// plus address, port excluded).
	Identity() string

	// RemoteAddr returns the client's remote network address, typically
	// "IP:port".
	RemoteAddr() string

	// Context returns the session's lifecycle context, cancelled when
	// the connection closes.
	Context() context.Context

	// Notify sends a JSON-RPC notification to the client. The send is
	// queued and non-blocking; an error means the connection is closed
	// or the context was cancelled.
	Notify(ctx context.Context, method string, params interface{}) error

	// Close closes the session gracefully, equivalent to CloseWithCode
	// with websocket.CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket
	// close code and optional reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive reports whether the connection is still active.
	IsAlive() bool
}
