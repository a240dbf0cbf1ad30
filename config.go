package mcp

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries the tunable surface of the server: listen addresses for both
// transports, the subscription manager's debounce and polling behavior, and
// the default deadline for server-initiated requests. The zero value is
// usable; unset fields are normalized to the defaults below.
type Config struct {
	// SocketAddr is the listen address of the persistent socket channel. ENV: MCP_SOCKET_ADDR
	SocketAddr string `env:"MCP_SOCKET_ADDR,default=localhost:3001"`

	// StreamAddr is the listen address of the HTTP request + push-stream channel. ENV: MCP_STREAM_ADDR
	StreamAddr string `env:"MCP_STREAM_ADDR,default=localhost:3002"`

	// DebounceWindow is the fixed delay used to collapse bursts of raw change
	// signals for one URI into a single notification. ENV: MCP_DEBOUNCE_WINDOW
	DebounceWindow time.Duration `env:"MCP_DEBOUNCE_WINDOW,default=500ms"`

	// PollInterval is the base interval for polling non-file resources. ENV: MCP_POLL_INTERVAL
	PollInterval time.Duration `env:"MCP_POLL_INTERVAL,default=2s"`

	// PollMaxInterval caps the poll interval as it backs off on consecutive
	// failures. ENV: MCP_POLL_MAX_INTERVAL
	PollMaxInterval time.Duration `env:"MCP_POLL_MAX_INTERVAL,default=30s"`

	// MaxWatchers caps concurrently active OS file watches. Subscribes beyond
	// the cap are rejected rather than silently downgraded to polling.
	// ENV: MCP_MAX_WATCHERS
	MaxWatchers int `env:"MCP_MAX_WATCHERS,default=128"`

	// RequestTimeout is the default deadline for server-initiated requests
	// awaiting a client response. ENV: MCP_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`
}

// ConfigFromEnv populates a Config from the environment, with struct-tag
// defaults for anything unset.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.SocketAddr == "" {
		c.SocketAddr = "localhost:3001"
	}
	if c.StreamAddr == "" {
		c.StreamAddr = "localhost:3002"
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxInterval == 0 {
		c.PollMaxInterval = 30 * time.Second
	}
	if c.MaxWatchers == 0 {
		c.MaxWatchers = 128
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}
