// Package wsrpc provides the session layer for a JSON-RPC-2.0-over-WebSocket
// service: handshake admission, per-address connection limits, token-pair
// authentication, and client-side request/response correlation over a single
// multiplexed socket.
//
// # Architecture
//
// A client first performs the WSS_Handshake exchange, by default over the
// HTTP endpoint. The server derives the caller's connection identity from
// its protocol family and address (port excluded), checks that the supplied
// user_token is not already held by any live record, checks the identity's
// connection cap, and on admission issues a random server_token:
//
//	-> {"jsonrpc":"2.0","method":"WSS_Handshake","id":"1",
//	    "params":{"user_token":"7060939278321507"}}
//	<- {"jsonrpc":"2.0","id":"1","result":{
//	     "message":"accept","numconnections":1,"maxconnections":3,
//	     "peerconnections":1,"server_token":"f3a9..."}}
//
// The client then upgrades at /ws presenting both tokens; the socket is
// attached to its pending record and subsequent JSON-RPC calls flow in-band.
// Later calls are authorized by matching the token pair against the record
// for the caller's identity, and the pair's sha256 digest serves as an
// opaque private session identifier.
//
// # Quick Start
//
//	import (
//	    "github.com/cardroom/wsrpc"
//	    "github.com/cardroom/wsrpc/ws"
//	)
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//	server := ws.New(cfg)
//
//	server.RegisterMethod("table.join", func(sess wsrpc.Session, params map[string]interface{}) (interface{}, error) {
//	    return map[string]string{"status": "seated"}, nil
//	})
//
//	server.Start(ctx)
//
// The client package performs the handshake, the upgrade, and request
// correlation: each outstanding call registers a waiter under its request
// id, an inbound response is delivered to exactly one waiter, and calls
// time out instead of waiting forever.
//
//	c, err := client.Dial(ctx, "http://localhost:8080", "7060939278321507", client.Config{})
//	result, err := c.Call(ctx, "table.join", map[string]interface{}{"table": "9"})
//
// # Rate Limiting
//
// Each session has independent token-bucket rate limiting:
//
//	// Default: 100 messages/second, burst 200
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//
//	// Disabled
//	cfg := ws.NewConfig(":8080", ws.NoRateLimit(), ws.AllOrigins(), nil, nil)
//
// When the limit is exceeded the session is closed with code 1008
// (Policy Violation).
//
// # Security Features
//
//   - Global user-token uniqueness across all live records
//   - Per-address connection cap (max_ws_per_ip)
//   - server_token from a cryptographically secure source
//   - Validator fails closed: a partial token match reveals nothing
//   - Read timeout 60s, write timeout 10s, keepalive ping/pong
//   - Origin validation via CheckOriginFn
//
// # Important
//
//   - Handlers execute in goroutines (no execution order guarantee)
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
//   - The registry is in-memory and process-local by design
package wsrpc
