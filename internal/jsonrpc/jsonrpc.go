package jsonrpc

import (
	"encoding/json"

	"github.com/cardroom/wsrpc"
)

// Request is an inbound JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      interface{}            `json:"id"`
}

// Response is an outbound JSON-RPC 2.0 response envelope. Exactly one of
// Result and Error is set.
type Response struct {
	JSONRPC string       `json:"jsonrpc"`
	Result  interface{}  `json:"result,omitempty"`
	Error   *wsrpc.Error `json:"error,omitempty"`
	ID      interface{}  `json:"id"`
}

// Notification is a server-to-client message with no id; it elicits no
// response and bypasses request correlation.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Message is the client-side decode target for anything arriving on the
// socket: a correlated response (ID set), or a notification (Method set).
// Result stays raw so the caller decides its shape.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsrpc.Error    `json:"error,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// DecodeRequest parses a request envelope. The returned *wsrpc.Error is the
// JSON-RPC error the transport should send back: parse error for malformed
// JSON, invalid request for a bad envelope.
func DecodeRequest(data []byte) (*Request, *wsrpc.Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &wsrpc.Error{Code: wsrpc.CodeParseError, Message: wsrpc.ErrParseError}
	}
	if req.JSONRPC != wsrpc.JSONRPCVersion || req.Method == "" {
		return nil, &wsrpc.Error{Code: wsrpc.CodeInvalidRequest, Message: wsrpc.ErrInvalidRequest}
	}
	return &req, nil
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: wsrpc.JSONRPCVersion, Result: result, ID: id}
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id interface{}, rpcErr *wsrpc.Error) *Response {
	return &Response{JSONRPC: wsrpc.JSONRPCVersion, Error: rpcErr, ID: id}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: wsrpc.JSONRPCVersion, Method: method, Params: params}
}
