package mcp

import "errors"

// Sentinel errors for the provider and subscription boundary. Providers wrap
// these so dispatch can map domain failures onto the protocol error registry;
// callers of the outbound request API check the timing and channel sentinels.
var (
	// ErrToolNotFound marks a tools/call or provider lookup for an unknown tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrResourceNotFound marks a resources/read for an unknown URI.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrPromptNotFound marks a prompts/get for an unknown prompt.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrAccessDenied is returned when the access policy rejects a URI before
	// any watch or poll resource is allocated.
	ErrAccessDenied = errors.New("access denied")

	// ErrTooManyWatchers is returned when subscribing a file-backed resource
	// would exceed the configured watcher cap.
	ErrTooManyWatchers = errors.New("too many watchers")

	// ErrRequestTimeout resolves an outbound request whose response did not
	// arrive within its deadline. It is distinct from a delivery failure.
	ErrRequestTimeout = errors.New("outbound request timed out")

	// ErrSessionClosed resolves outbound requests owned by a session that
	// disconnected before answering.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned when an outbound request names a session
	// this server does not hold.
	ErrSessionNotFound = errors.New("session not found")
)
