// Package mcp implements an embeddable Model Context Protocol (MCP) server
// that applications use to expose tools, resources, and prompts to LLM
// clients. This implementation follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package provides a JSON-RPC 2.0 message layer, two network transports
// (a persistent multiplexed WebSocket channel and an HTTP POST endpoint
// paired with an SSE push stream), server-initiated request correlation for
// sampling, and a resource subscription manager that watches files through
// the OS where possible and falls back to adaptive polling elsewhere.
package mcp
