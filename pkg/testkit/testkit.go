// Package testkit spins up in-process MCP backends for tests.
//
// Two flavors are provided, matching the two remote transports the
// gateway fronts:
//
//   - NewStreamableBackend answers every call inline on POST /mcp
//   - NewSSEBackend serves the legacy two-endpoint shape: GET /sse
//     opens the stream, POST /messages carries requests, and replies
//     ride back as `event: message` frames
//
// Both speak enough of the protocol for a real client to initialize,
// list tools, and call them, so transport and registry tests can run
// the full exchange without a live server. NewSplitSSE eases parsing
// of text/event-stream bodies in assertions.
package testkit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"

	"github.com/tidwall/gjson"
)

// Backend is the configuration surface shared by the test backends.
type Backend interface {
	SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error
	AddTool(tool tooldef) error
}

// Option configures a test backend before it starts serving.
type Option func(Backend) error

// WithMiddlewares wraps the backend's router in the given middlewares,
// outermost first.
func WithMiddlewares(middlewares ...func(http.Handler) http.Handler) Option {
	return func(b Backend) error {
		return b.SetMiddlewares(middlewares...)
	}
}

type tooldef struct {
	Name        string
	Description string
	Handler     func() string
}

// WithTool registers a tool: it shows up in tools/list and handler's
// return value becomes the text content of every tools/call reply.
func WithTool(name string, description string, handler func() string) Option {
	return func(b Backend) error {
		return b.AddTool(tooldef{
			Name:        name,
			Description: description,
			Handler:     handler,
		})
	}
}

// SSESep selects the frame separator NewSplitSSE splits on.
type SSESep int

const (
	// LFSep splits on line feed pairs.
	LFSep = iota
	// CRSep splits on carriage return pairs.
	CRSep
	// CRLFSep splits on carriage return line feed pairs.
	CRLFSep
)

// NewSplitSSE returns a bufio.SplitFunc that yields one SSE frame per
// token, separator stripped.
func NewSplitSSE(sep SSESep) bufio.SplitFunc {
	var separator []byte

	switch sep {
	case LFSep:
		separator = []byte("\n\n")
	case CRSep:
		separator = []byte("\r\r")
	case CRLFSep:
		separator = []byte("\r\n\r\n")
	}

	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		if i := bytes.Index(data, separator); i >= 0 {
			return i + len(separator), data[0:i], nil
		}

		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// answer builds the JSON-RPC reply for one request body. The second
// return is false for notifications, which get no reply.
func answer(tools map[string]tooldef, body []byte) (string, bool) {
	req := gjson.ParseBytes(body)
	idField := req.Get("id")
	if !idField.Exists() {
		return "", false
	}
	id := json.RawMessage(idField.Raw)

	switch method := req.Get("method").String(); method {
	case "initialize":
		version := req.Get("params.protocolVersion").String()
		if version == "" {
			version = "2025-03-26"
		}
		return respond(id, map[string]any{
			"protocolVersion": version,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "testkit", "version": "0.1.0"},
		}), true
	case "ping":
		return respond(id, map[string]any{}), true
	case "tools/list":
		return respond(id, toolsResult(tools)), true
	case "tools/call":
		return runToolCall(tools, id, req), true
	default:
		return respondError(id, -32601, "Method not found: "+method), true
	}
}

func toolsResult(tools map[string]tooldef) map[string]any {
	list := make([]map[string]any, 0, len(tools))
	for _, name := range slices.Sorted(maps.Keys(tools)) {
		tool := tools[name]
		list = append(list, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	return map[string]any{"tools": list}
}

func runToolCall(tools map[string]tooldef, id json.RawMessage, req gjson.Result) string {
	name := req.Get("params.name").String()
	tool, ok := tools[name]
	if !ok {
		return respondError(id, -32602, fmt.Sprintf("tool %s not found", name))
	}
	return respond(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": tool.Handler()}},
	})
}

func respond(id json.RawMessage, result map[string]any) string {
	payload, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	if err != nil {
		return fmt.Sprintf("failed to marshal response: %v", err)
	}
	return string(payload)
}

func respondError(id json.RawMessage, code int, message string) string {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	if err != nil {
		return fmt.Sprintf("failed to marshal error: %v", err)
	}
	return string(payload)
}
