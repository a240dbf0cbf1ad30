package mcp_test

import (
	"encoding/json"
	"testing"

	mcp "github.com/kaeawc/app-mcp"
)

func TestMessageID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "string id",
			input: `"abc-123"`,
			want:  "abc-123",
		},
		{
			name:  "number id",
			input: `42`,
			want:  "42",
		},
		{
			name:  "null id",
			input: `null`,
			want:  "null",
		},
		{
			name:    "bool id",
			input:   `true`,
			wantErr: true,
		},
		{
			name:    "object id",
			input:   `{"a":1}`,
			wantErr: true,
		},
		{
			name:    "array id",
			input:   `[1]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id mcp.MessageID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got id %q", id.String())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := id.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageID_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{name: "string id", wire: `{"jsonrpc":"2.0","id":"req-1","method":"ping"}`},
		{name: "number id", wire: `{"jsonrpc":"2.0","id":7,"method":"ping"}`},
		{name: "large number id", wire: `{"jsonrpc":"2.0","id":9007199254740991,"method":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(tt.wire), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			out, err := json.Marshal(msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var in, rt map[string]any
			if err := json.Unmarshal([]byte(tt.wire), &in); err != nil {
				t.Fatalf("unmarshal wire: %v", err)
			}
			if err := json.Unmarshal(out, &rt); err != nil {
				t.Fatalf("unmarshal round trip: %v", err)
			}

			inID, _ := json.Marshal(in["id"])
			rtID, _ := json.Marshal(rt["id"])
			if string(inID) != string(rtID) {
				t.Errorf("id changed across round trip: %s != %s", inID, rtID)
			}
		})
	}
}

func TestMessageID_AbsentVersusNull(t *testing.T) {
	var notification mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &notification); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(notification.ID) != 0 {
		t.Errorf("expected absent id, got %q", string(notification.ID))
	}
	if notification.ID.IsNull() {
		t.Error("absent id must not report as null")
	}

	var response mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`), &response); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !response.ID.IsNull() {
		t.Errorf("expected explicit null id, got %q", string(response.ID))
	}

	out, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("unmarshal marshaled response: %v", err)
	}
	id, ok := fields["id"]
	if !ok {
		t.Fatal("explicit null id dropped on marshal")
	}
	if string(id) != "null" {
		t.Errorf("expected id null, got %s", id)
	}
}

func TestJSONRPCMessage_Kind(t *testing.T) {
	tests := []struct {
		name string
		wire string
		want mcp.MessageKind
	}{
		{
			name: "request",
			wire: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			want: mcp.KindRequest,
		},
		{
			name: "notification",
			wire: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want: mcp.KindNotification,
		},
		{
			name: "response with result",
			wire: `{"jsonrpc":"2.0","id":1,"result":{}}`,
			want: mcp.KindResponse,
		},
		{
			name: "response with error",
			wire: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
			want: mcp.KindResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(tt.wire), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Kind(); got != tt.want {
				t.Errorf("got kind %d, want %d", got, tt.want)
			}
		})
	}
}
