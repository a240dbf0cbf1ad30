package mcp

import (
	"encoding/json"
	"testing"
)

func TestParseMessage_MalformedJSON(t *testing.T) {
	_, rpcErr := parseMessage([]byte(`{"jsonrpc":"2.0",`))
	if rpcErr == nil {
		t.Fatal("expected parse error")
	}
	if rpcErr.Code != ErrCodeParse {
		t.Errorf("got code %d, want %d", rpcErr.Code, ErrCodeParse)
	}

	resp := errorResponse(NullID, rpcErr)
	if !resp.ID.IsNull() {
		t.Errorf("error response for unparseable message must carry null id, got %q", string(resp.ID))
	}
}

func TestParseMessage_WrongVersion(t *testing.T) {
	_, rpcErr := parseMessage([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
	if rpcErr == nil {
		t.Fatal("expected invalid request error")
	}
	if rpcErr.Code != ErrCodeInvalidRequest {
		t.Errorf("got code %d, want %d", rpcErr.Code, ErrCodeInvalidRequest)
	}
}

func TestParseMessage_NullRequestID(t *testing.T) {
	_, rpcErr := parseMessage([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
	if rpcErr == nil {
		t.Fatal("expected invalid request error for null request id")
	}
	if rpcErr.Code != ErrCodeInvalidRequest {
		t.Errorf("got code %d, want %d", rpcErr.Code, ErrCodeInvalidRequest)
	}
}

func TestParseMessage_NoShape(t *testing.T) {
	_, rpcErr := parseMessage([]byte(`{"jsonrpc":"2.0","id":1}`))
	if rpcErr == nil {
		t.Fatal("expected invalid request error for shapeless message")
	}
	if rpcErr.Code != ErrCodeInvalidRequest {
		t.Errorf("got code %d, want %d", rpcErr.Code, ErrCodeInvalidRequest)
	}
}

func TestParseMessage_ResultAndError(t *testing.T) {
	wire := `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":-32603,"message":"internal"}}`
	_, rpcErr := parseMessage([]byte(wire))
	if rpcErr == nil {
		t.Fatal("expected invalid request error for response with both result and error")
	}
	if rpcErr.Code != ErrCodeInvalidRequest {
		t.Errorf("got code %d, want %d", rpcErr.Code, ErrCodeInvalidRequest)
	}
}

func TestParseMessage_RoundTrip(t *testing.T) {
	wires := []string{
		`{"jsonrpc":"2.0","id":"r-1","method":"tools/call","params":{"name":"echo","arguments":{"s":"hi"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"file:///tmp/a"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"r-1","result":{"tools":[]}}`,
		`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"method not found"}}`,
	}

	for _, wire := range wires {
		msg, rpcErr := parseMessage([]byte(wire))
		if rpcErr != nil {
			t.Fatalf("parse %s: %v", wire, rpcErr)
		}

		out, err := serializeMessage(msg)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}

		reparsed, rpcErr := parseMessage(out)
		if rpcErr != nil {
			t.Fatalf("reparse: %v", rpcErr)
		}
		if reparsed.Kind() != msg.Kind() {
			t.Errorf("kind changed across round trip for %s", wire)
		}
		if !reparsed.ID.Equal(msg.ID) {
			t.Errorf("id changed across round trip for %s", wire)
		}

		var a, b map[string]any
		if err := json.Unmarshal([]byte(wire), &a); err != nil {
			t.Fatalf("unmarshal wire: %v", err)
		}
		if err := json.Unmarshal(out, &b); err != nil {
			t.Fatalf("unmarshal serialized: %v", err)
		}
		aBs, _ := json.Marshal(a)
		bBs, _ := json.Marshal(b)
		if string(aBs) != string(bBs) {
			t.Errorf("semantic content changed: %s != %s", aBs, bBs)
		}
	}
}

func TestErrorResponse_PreservesID(t *testing.T) {
	id := NewMessageID("req-9")
	resp := errorResponse(id, &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found"})
	if !resp.ID.Equal(id) {
		t.Errorf("got id %q, want %q", string(resp.ID), string(id))
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("unexpected error payload: %+v", resp.Error)
	}
	if resp.Result != nil {
		t.Error("error response must not carry a result")
	}
}
