package mcp

import (
	"context"
	"iter"
)

// Transport provides a server-side communication channel in the MCP protocol.
// Implementations own their listener: Start binds it, Shutdown releases it.
type Transport interface {
	// Start binds the transport's listener and begins accepting connections.
	// It returns the bound address so callers can dial ephemeral ports.
	Start(ctx context.Context) (TransportInfo, error)

	// Sessions returns an iterator that yields new client sessions as they are
	// initiated. Each yielded Session represents a unique client connection and
	// provides methods for bidirectional communication. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when Shutdown is called.
	Sessions() iter.Seq[Session]

	// Broadcast delivers a message to every currently connected session,
	// best-effort. It returns the number of sessions the message reached; a
	// failure to one session does not abort the others, and an error is
	// returned only when every delivery failed.
	Broadcast(ctx context.Context, msg JSONRPCMessage) (int, error)

	// Running reports whether the transport currently holds its listener.
	Running() bool

	// Shutdown gracefully shuts down the transport: every open connection is
	// closed with a defined close code and the listening port is released
	// before it returns. Calling it on a stopped transport is a no-op success.
	Shutdown(ctx context.Context) error
}

// RequestHandler processes one inbound message and returns the response the
// transport should deliver in-band, or nil when no response is due.
type RequestHandler func(ctx context.Context, sess Session, msg JSONRPCMessage) *JSONRPCMessage

// requestResponder is implemented by transports that pair each client request
// with a synchronous response on the same exchange, rather than writing
// responses back through Session.Send.
type requestResponder interface {
	UseHandler(h RequestHandler)
}

// TransportInfo describes a started transport.
type TransportInfo struct {
	// Addr is the bound listen address, e.g. "127.0.0.1:3001".
	Addr string
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The implementations should exit the iteration if the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session.
	// The implementation should not call this, as the caller is guaranteed to
	// call this method once.
	Stop()
}

// ToolProvider supplies the tool inventory and execution. Implementations live
// outside this package; domain errors should wrap ErrToolNotFound where the
// tool does not exist so dispatch can map them to the protocol error registry.
type ToolProvider interface {
	// ListTools returns the tools currently available.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool executes a tool with the given raw JSON arguments.
	CallTool(ctx context.Context, name string, args []byte) (CallToolResult, error)
}

// ResourceProvider supplies the resource inventory and content. ReadResource
// is also used by the subscription manager to poll non-file resources for
// changes, so it must be safe for concurrent use.
type ResourceProvider interface {
	// ListResources returns the resources currently available.
	ListResources(ctx context.Context) ([]Resource, error)

	// ReadResource retrieves a resource by URI. Implementations should wrap
	// ErrResourceNotFound for unknown URIs.
	ReadResource(ctx context.Context, uri string) (ReadResourceResult, error)
}

// PromptProvider supplies the prompt inventory.
type PromptProvider interface {
	// ListPrompts returns the prompts currently available.
	ListPrompts(ctx context.Context) ([]Prompt, error)

	// GetPrompt retrieves a prompt template by name with the given arguments.
	// Implementations should wrap ErrPromptNotFound for unknown names.
	GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error)
}

// AccessPolicy validates resource URIs before any subscription resource is
// allocated. It also decides which file paths are watchable.
type AccessPolicy interface {
	// IsAccessible reports whether the given URI may be read or subscribed to.
	IsAccessible(uri string) bool
}

// ToolListUpdater provides an interface for monitoring changes to the available tools list.
//
// The notifications are used by the server to inform connected clients about tool list
// changes via the "notifications/tools/list_changed" method. Clients can then refresh
// their cached tool lists by calling tools/list again.
//
// A struct{} is sent through the iterator as only the notification matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// ResourceListUpdater provides an interface for monitoring changes to the available
// resources list, broadcast as "notifications/resources/list_changed".
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// PromptListUpdater provides an interface for monitoring changes to the available
// prompts list, broadcast as "notifications/prompts/list_changed".
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}
