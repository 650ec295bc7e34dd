package wsrpc

import "fmt"

// JSON-RPC version
const (
	JSONRPCVersion = "2.0"
)

// JSON-RPC error codes (following JSON-RPC 2.0 specification)
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Session-layer error codes, in the implementation-defined server range.
const (
	// CodeWrongTransport rejects a handshake attempted outside the
	// required transport.
	CodeWrongTransport = -32001
	// CodeDuplicateToken rejects a handshake whose user token is already
	// held by a live record.
	CodeDuplicateToken = -32002
	// CodeTooManyConnections rejects a handshake when the caller's
	// identity is at its connection cap.
	CodeTooManyConnections = -32003
	// CodeInvalidToken rejects malformed or empty tokens.
	CodeInvalidToken = -32004
	// CodeNotEstablished rejects a method call whose token pair matches
	// no admitted session.
	CodeNotEstablished = -32005
)

// Standard error messages
const (
	ErrParseError         = "Parse error"
	ErrInvalidRequest     = "Invalid Request"
	ErrMethodNotFound     = "Method not found"
	ErrInternalError      = "Internal error"
	ErrWrongTransport     = "handshake requires HTTP transport"
	ErrDuplicateToken     = "user token already in use"
	ErrTooManyConnections = "too many connections"
	ErrInvalidToken       = "invalid token"
	ErrNotEstablished     = "session not established"

	ErrConnectionClosed     = "session connection is closed"
	ErrContextCancelled     = "session context cancelled"
	ErrSessionNotFound      = "session not found"
	ErrServerAlreadyRunning = "server already running"
)

// Error is a JSON-RPC 2.0 error object. It satisfies the error interface so
// handlers can return it directly to control the code surfaced to the caller.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ConnectionCounts is the diagnostic data payload attached to capacity
// errors and handshake results.
type ConnectionCounts struct {
	NumConnections  int `json:"numconnections"`
	MaxConnections  int `json:"maxconnections"`
	PeerConnections int `json:"peerconnections"`
}

// WrongTransportError reports a handshake attempted over a transport the
// configuration forbids.
func WrongTransportError() *Error {
	return &Error{Code: CodeWrongTransport, Message: ErrWrongTransport}
}

// DuplicateTokenError reports a user token already held by a live record.
func DuplicateTokenError() *Error {
	return &Error{Code: CodeDuplicateToken, Message: ErrDuplicateToken}
}

// TooManyConnectionsError reports an identity at its connection cap,
// carrying current/maximum counts for client diagnostics.
func TooManyConnectionsError(num, max int) *Error {
	return &Error{
		Code:    CodeTooManyConnections,
		Message: ErrTooManyConnections,
		Data: ConnectionCounts{
			NumConnections:  num,
			MaxConnections:  max,
			PeerConnections: num,
		},
	}
}

// InvalidTokenError reports a missing or malformed token.
func InvalidTokenError() *Error {
	return &Error{Code: CodeInvalidToken, Message: ErrInvalidToken}
}

// NotEstablishedError reports a token pair matching no admitted session.
func NotEstablishedError() *Error {
	return &Error{Code: CodeNotEstablished, Message: ErrNotEstablished}
}
