package mcp

import (
	"encoding/json"
)

// MessageKind classifies a decoded envelope.
type MessageKind int

// MessageKind values, in the order the disambiguation rule checks them.
const (
	KindRequest MessageKind = iota
	KindNotification
	KindResponse
)

// Kind classifies the message by field presence: a method with an identifier
// is a request, a method without one is a notification, and a result or error
// without a method is a response.
func (m JSONRPCMessage) Kind() MessageKind {
	switch {
	case m.Method != "" && len(m.ID) > 0:
		return KindRequest
	case m.Method != "":
		return KindNotification
	default:
		return KindResponse
	}
}

// parseMessage decodes one wire message into an envelope. It never panics; any
// failure comes back as a JSONRPCError ready to be attached to an error
// response. Malformed JSON yields a parse error, a structurally valid object
// that fits none of the three envelope shapes yields an invalid request.
func parseMessage(data []byte) (JSONRPCMessage, *JSONRPCError) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    ErrCodeParse,
			Message: "parse error",
			Data:    map[string]any{"detail": err.Error()},
		}
	}

	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid request",
			Data:    map[string]any{"detail": "jsonrpc version must be " + JSONRPCVersion},
		}
	}

	// A null identifier is only legal on responses; a request may not use it
	// because it could never be answered unambiguously.
	if msg.Method != "" && msg.ID.IsNull() {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid request",
			Data:    map[string]any{"detail": "request id must not be null"},
		}
	}

	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid request",
			Data:    map[string]any{"detail": "message is neither request, notification nor response"},
		}
	}

	// A response carries exactly one of result and error.
	if msg.Method == "" && msg.Result != nil && msg.Error != nil {
		return JSONRPCMessage{}, &JSONRPCError{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid request",
			Data:    map[string]any{"detail": "response carries both result and error"},
		}
	}

	return msg, nil
}

// serializeMessage encodes an envelope for the wire.
func serializeMessage(msg JSONRPCMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// errorResponse builds an error response preserving the identifier it answers.
// Pass NullID when the original identifier could not be recovered.
func errorResponse(id MessageID, rpcErr *JSONRPCError) JSONRPCMessage {
	if len(id) == 0 {
		id = NullID
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
}
