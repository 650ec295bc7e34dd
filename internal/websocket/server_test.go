package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardroom/wsrpc"
	"github.com/cardroom/wsrpc/internal/jsonrpc"
)

func newTestServer(t *testing.T, httpOnly bool) (*Server, *httptest.Server) {
	t.Helper()

	s := New(&ServerConfig{
		HTTPOnlyHandshake: httpOnly,
		MaxPerIdentity:    3,
		RateLimitConfig:   NoRateLimit(),
		CheckOrigin:       func(r *http.Request) bool { return true },
		Logger:            zerolog.Nop(),
	})

	require.NoError(t, s.RegisterMethod("echo", func(sess wsrpc.Session, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echoed": params["value"]}, nil
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleUpgrade)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func postRPC(t *testing.T, ts *httptest.Server, id, method string, params map[string]interface{}) jsonrpc.Message {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      id,
		"params":  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var msg jsonrpc.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return msg
}

type handshakeResult struct {
	ServerToken     string `json:"server_token"`
	Message         string `json:"message"`
	NumConnections  int    `json:"numconnections"`
	MaxConnections  int    `json:"maxconnections"`
	PeerConnections int    `json:"peerconnections"`
}

func doHandshake(t *testing.T, ts *httptest.Server, userToken string) handshakeResult {
	t.Helper()

	msg := postRPC(t, ts, "1", wsrpc.MethodHandshake, map[string]interface{}{"user_token": userToken})
	require.Nil(t, msg.Error)

	var res handshakeResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	return res
}

func dialWS(t *testing.T, ts *httptest.Server, userToken, serverToken string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/ws?user_token=%s&server_token=%s", userToken, serverToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandshakeOverHTTP(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, true)

	res := doHandshake(t, ts, "7060939278321507")

	assert.Equal(t, "accept", res.Message)
	assert.Equal(t, 1, res.NumConnections)
	assert.Equal(t, 3, res.MaxConnections)
	assert.Equal(t, 1, res.PeerConnections)
	assert.NotEmpty(t, res.ServerToken)
}

func TestHandshakeErrors(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, true)

	t.Run("empty user token", func(t *testing.T) {
		msg := postRPC(t, ts, "1", wsrpc.MethodHandshake, map[string]interface{}{"user_token": ""})
		require.NotNil(t, msg.Error)
		assert.Equal(t, wsrpc.CodeInvalidToken, msg.Error.Code)
	})

	t.Run("duplicate token", func(t *testing.T) {
		doHandshake(t, ts, "dup-token")
		msg := postRPC(t, ts, "2", wsrpc.MethodHandshake, map[string]interface{}{"user_token": "dup-token"})
		require.NotNil(t, msg.Error)
		assert.Equal(t, wsrpc.CodeDuplicateToken, msg.Error.Code)
	})

	t.Run("capacity exhausted", func(t *testing.T) {
		srv, ts := newTestServer(t, true)

		for i := 0; i < 3; i++ {
			doHandshake(t, ts, fmt.Sprintf("cap-tok-%d", i))
		}

		msg := postRPC(t, ts, "4", wsrpc.MethodHandshake, map[string]interface{}{"user_token": "cap-tok-overflow"})
		require.NotNil(t, msg.Error)
		assert.Equal(t, wsrpc.CodeTooManyConnections, msg.Error.Code)

		data, ok := msg.Error.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(3), data["numconnections"])
		assert.Equal(t, float64(3), data["maxconnections"])

		assert.Len(t, srv.Registry().AllSessions(false), 3)
	})
}

func TestRPCAuthorization(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, true)

	t.Run("unestablished call rejected", func(t *testing.T) {
		msg := postRPC(t, ts, "9", "echo", map[string]interface{}{
			"user_token":   "nobody",
			"server_token": "nothing",
			"value":        "hi",
		})
		require.NotNil(t, msg.Error)
		assert.Equal(t, wsrpc.CodeNotEstablished, msg.Error.Code)
	})

	t.Run("established call dispatched", func(t *testing.T) {
		res := doHandshake(t, ts, "auth-tok")

		msg := postRPC(t, ts, "10", "echo", map[string]interface{}{
			"user_token":   "auth-tok",
			"server_token": res.ServerToken,
			"value":        "hi",
		})
		require.Nil(t, msg.Error)
		assert.Equal(t, "10", msg.ID)

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Result, &result))
		assert.Equal(t, "hi", result["echoed"])
	})

	t.Run("unknown method", func(t *testing.T) {
		res := doHandshake(t, ts, "method-tok")

		msg := postRPC(t, ts, "11", "no.such.method", map[string]interface{}{
			"user_token":   "method-tok",
			"server_token": res.ServerToken,
		})
		require.NotNil(t, msg.Error)
		assert.Equal(t, wsrpc.CodeMethodNotFound, msg.Error.Code)
	})
}

func TestUpgradeRequiresEstablishedSession(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, true)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user_token=ghost&server_token=ghost"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInbandCall(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, true)

	res := doHandshake(t, ts, "inband-tok")
	conn := dialWS(t, ts, "inband-tok", res.ServerToken)

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "echo",
		"id":      "ws-1",
		"params": map[string]interface{}{
			"user_token":   "inband-tok",
			"server_token": res.ServerToken,
			"value":        "over-ws",
		},
	}
	require.NoError(t, conn.WriteJSON(req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg jsonrpc.Message
	require.NoError(t, conn.ReadJSON(&msg))

	require.Nil(t, msg.Error)
	assert.Equal(t, "ws-1", msg.ID)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.Equal(t, "over-ws", result["echoed"])
}

// TestInbandHandshakeWrongTransport verifies the transport policy applies to
// handshakes arriving on an established socket
func TestInbandHandshakeWrongTransport(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, true)

	res := doHandshake(t, ts, "transport-tok")
	conn := dialWS(t, ts, "transport-tok", res.ServerToken)

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  wsrpc.MethodHandshake,
		"id":      "hs-ws",
		"params":  map[string]interface{}{"user_token": "second-token"},
	}
	require.NoError(t, conn.WriteJSON(req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg jsonrpc.Message
	require.NoError(t, conn.ReadJSON(&msg))

	require.NotNil(t, msg.Error)
	assert.Equal(t, wsrpc.CodeWrongTransport, msg.Error.Code)
}

func TestDisconnectTeardown(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t, true)

	res := doHandshake(t, ts, "teardown-tok")
	conn := dialWS(t, ts, "teardown-tok", res.ServerToken)

	require.Eventually(t, func() bool {
		return len(srv.Registry().AllSessions(true)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return len(srv.Registry().AllSessions(false)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// the token is admittable again after teardown
	doHandshake(t, ts, "teardown-tok")
}

func TestFamilyOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want string
	}{
		{"198.51.100.7:52114", "IPv4"},
		{"198.51.100.7", "IPv4"},
		{"[2001:db8::1]:443", "IPv6"},
		{"localhost:80", "IPv4"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := familyOf(tt.addr); got != tt.want {
				t.Errorf("familyOf(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestStringParam(t *testing.T) {
	t.Parallel()

	params := map[string]interface{}{
		"user_token": "tok",
		"count":      3,
	}

	assert.Equal(t, "tok", stringParam(params, "user_token"))
	assert.Equal(t, "", stringParam(params, "count"))
	assert.Equal(t, "", stringParam(params, "missing"))
	assert.Equal(t, "", stringParam(nil, "user_token"))
}
