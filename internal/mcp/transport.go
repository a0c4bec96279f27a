package mcp

import (
	"context"
	"encoding/json"
)

// Transport defines the interface for MCP transports.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for receiving notifications from the server.
	Events() <-chan *JSONRPCNotification

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport negotiates the transport for a server configuration: stdio
// when a command is set, streamable HTTP (with SSE notification fallback)
// otherwise.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.Command != "" {
		return NewStdioTransport(cfg)
	}
	return NewHTTPTransport(cfg)
}
