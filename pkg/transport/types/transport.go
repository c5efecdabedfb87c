// Package types provides common types and interfaces for the transport package
// used in communication between the gateway and backend MCP servers.
package types

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcphub/pkg/transport/errors"
)

// Client is the uniform interface the gateway uses to speak MCP to a backend,
// regardless of the transport that carries it.
type Client interface {
	// Handshake performs the MCP initialize exchange with the given protocol
	// version and completes it with the initialized notification.
	Handshake(ctx context.Context, info ClientInfo, protocolVersion string) (*HandshakeResult, error)

	// ListTools fetches the backend's tool catalog.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// Call performs a synchronous JSON-RPC request and returns the raw result.
	// A JSON-RPC error reply surfaces as an *errors.RPCError wrapped in
	// errors.ErrPeerError.
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification.
	Notify(ctx context.Context, method string, params json.RawMessage) error

	// Subscribe returns the stream of server-initiated messages. Transports
	// without a server-push channel return nil.
	Subscribe() <-chan jsonrpc2.Message

	// Close tears down the connection. For process-backed transports this
	// terminates the whole child process tree. Close is idempotent.
	Close() error
}

// ClientInfo identifies the gateway to a backend during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies a backend as reported in its handshake response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HandshakeResult captures what a backend negotiated during initialize.
//
// Raw holds the unmodified initialize result so that compliance
// normalization can repair nonstandard field placement before the
// structured fields are trusted.
type HandshakeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// HasCapability reports whether the backend advertised the named
// capability group (for example "resources" or "tools").
func (h *HandshakeResult) HasCapability(name string) bool {
	if h == nil || h.Capabilities == nil {
		return false
	}
	_, ok := h.Capabilities[name]
	return ok
}

// HandshakeFromRaw parses a raw initialize result into a HandshakeResult,
// keeping the original bytes in Raw.
func HandshakeFromRaw(raw json.RawMessage) (*HandshakeResult, error) {
	var hs HandshakeResult
	if err := json.Unmarshal(raw, &hs); err != nil {
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}
	hs.Raw = raw
	return &hs, nil
}

// TransportType represents the type of transport used to reach a backend.
//
//nolint:revive // Intentionally named TransportType despite package name
type TransportType string

const (
	// TransportTypeStdio represents a local child process speaking
	// newline-delimited JSON-RPC on stdin/stdout.
	TransportTypeStdio TransportType = "stdio"

	// TransportTypeSSE represents the SSE transport.
	TransportTypeSSE TransportType = "sse"

	// TransportTypeStreamableHTTP represents the streamable HTTP transport.
	TransportTypeStreamableHTTP TransportType = "streamable-http"
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}

// ParseTransportType parses a string into a transport type. The legacy
// spelling "streamableHTTP" used by older configuration files is accepted.
func ParseTransportType(s string) (TransportType, error) {
	switch s {
	case "stdio", "STDIO":
		return TransportTypeStdio, nil
	case "sse", "SSE":
		return TransportTypeSSE, nil
	case "streamable-http", "STREAMABLE-HTTP", "streamableHTTP", "streamable_http":
		return TransportTypeStreamableHTTP, nil
	default:
		return "", errors.ErrUnsupportedTransport
	}
}

// Config contains everything needed to construct a transport client for
// one backend.
type Config struct {
	// Backend is the owning backend's name, used in error reporting.
	Backend string

	// Type selects the transport implementation.
	Type TransportType

	// Command, Args, Env and Cwd describe the child process for stdio
	// transports. Args order is the command line order; Env is unordered.
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string

	// URL and Headers configure remote transports. Headers carry optional
	// bearer or custom auth and are injected on every request.
	URL     string
	Headers map[string]string

	// LegacySSEProbe enables the compatibility probe that retries the
	// handshake against URL + "/mcp/sse" when the configured URL fails.
	LegacySSEProbe bool
}
