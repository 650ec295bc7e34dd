package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/cardroom/wsrpc"
)

// TestDecodeRequest tests envelope parsing with various inputs
func TestDecodeRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     string
		wantCode int
		wantOK   bool
	}{
		{
			name:   "valid request",
			data:   `{"jsonrpc":"2.0","method":"WSS_Handshake","id":"1","params":{"user_token":"abc"}}`,
			wantOK: true,
		},
		{
			name:   "valid request without params",
			data:   `{"jsonrpc":"2.0","method":"ping","id":7}`,
			wantOK: true,
		},
		{
			name:     "malformed JSON",
			data:     `{"jsonrpc":`,
			wantCode: wsrpc.CodeParseError,
		},
		{
			name:     "wrong version",
			data:     `{"jsonrpc":"1.0","method":"ping","id":"1"}`,
			wantCode: wsrpc.CodeInvalidRequest,
		},
		{
			name:     "missing method",
			data:     `{"jsonrpc":"2.0","id":"1"}`,
			wantCode: wsrpc.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, rpcErr := DecodeRequest([]byte(tt.data))

			if tt.wantOK {
				if rpcErr != nil {
					t.Fatalf("DecodeRequest() error = %v, want nil", rpcErr)
				}
				if req == nil || req.Method == "" {
					t.Fatalf("DecodeRequest() = %+v, want populated request", req)
				}
				return
			}

			if rpcErr == nil {
				t.Fatal("DecodeRequest() error = nil, want error")
			}
			if rpcErr.Code != tt.wantCode {
				t.Errorf("error code = %d, want %d", rpcErr.Code, tt.wantCode)
			}
		})
	}
}

// TestResponseShape verifies the wire shape of success and error responses
func TestResponseShape(t *testing.T) {
	t.Parallel()

	t.Run("success echoes id", func(t *testing.T) {
		t.Parallel()

		data, err := json.Marshal(NewResponse("42", map[string]string{"message": "accept"}))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.ID != "42" {
			t.Errorf("ID = %q, want %q", msg.ID, "42")
		}
		if msg.Error != nil {
			t.Errorf("Error = %v, want nil", msg.Error)
		}
		if len(msg.Result) == 0 {
			t.Error("Result is empty")
		}
	})

	t.Run("error carries code and data", func(t *testing.T) {
		t.Parallel()

		rpcErr := wsrpc.TooManyConnectionsError(3, 3)
		data, err := json.Marshal(NewErrorResponse("7", rpcErr))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Error == nil {
			t.Fatal("Error = nil, want set")
		}
		if msg.Error.Code != wsrpc.CodeTooManyConnections {
			t.Errorf("code = %d, want %d", msg.Error.Code, wsrpc.CodeTooManyConnections)
		}
		if msg.Error.Data == nil {
			t.Error("Data = nil, want connection counts")
		}
	})

	t.Run("notification has no id", func(t *testing.T) {
		t.Parallel()

		data, err := json.Marshal(NewNotification("table.update", map[string]int{"seat": 2}))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.ID != "" {
			t.Errorf("ID = %q, want empty", msg.ID)
		}
		if msg.Method != "table.update" {
			t.Errorf("Method = %q, want %q", msg.Method, "table.update")
		}
	})
}
