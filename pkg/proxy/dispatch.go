package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/stacklok/mcphub/pkg/compliance"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/registry"
	terrors "github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
	"github.com/stacklok/mcphub/pkg/versions"
)

// initializeResult is the locally synthesized initialize response body.
type initializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    map[string]any   `json:"capabilities"`
	ServerInfo      types.ServerInfo `json:"serverInfo"`
	Instructions    string           `json:"instructions,omitempty"`
}

// toolsListResult keeps nextCursor present as an empty string; strict
// clients reject a null cursor.
type toolsListResult struct {
	Tools      []mcp.Tool `json:"tools"`
	NextCursor string     `json:"nextCursor"`
}

// HandleMessage dispatches one client JSON-RPC message for the named
// proxy and returns the response frame. Notifications yield a nil frame.
// Protocol-level failures come back as JSON-RPC error frames, not Go
// errors; a non-nil error means the proxy itself cannot take traffic.
func (m *Manager) HandleMessage(ctx context.Context, name string, raw json.RawMessage) (json.RawMessage, error) {
	p, err := m.proxy(name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	cfg := p.cfg
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("%w: %s", ErrProxyNotRunning, name)
	}

	if !gjson.ValidBytes(raw) {
		return compliance.ErrorEnvelope(nil, compliance.CodeParseError, "Parse error", nil), nil
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return compliance.ErrorEnvelope(nil, compliance.CodeInvalidRequest, "Invalid Request", nil), nil
	}

	method := doc.Get("method").String()
	var id json.RawMessage
	if idField := doc.Get("id"); idField.Exists() {
		id = json.RawMessage(idField.Raw)
	}
	var params json.RawMessage
	if paramsField := doc.Get("params"); paramsField.Exists() {
		params = json.RawMessage(paramsField.Raw)
	}

	if method == "" {
		return compliance.ErrorEnvelope(id, compliance.CodeInvalidRequest, "Invalid Request", nil), nil
	}

	logger.Debugf("Proxy %s: dispatching %s", name, method)

	if strings.HasPrefix(method, "notifications/") {
		if err := m.backends.Notify(ctx, cfg.BackendName, method, params); err != nil {
			logger.Warnf("Proxy %s: forwarding %s to backend %s: %v", name, method, cfg.BackendName, err)
		}
		return nil, nil
	}

	switch method {
	case "initialize":
		return m.handleInitialize(name, cfg.BackendName, cfg.Instructions, id, params), nil
	case "tools/list":
		return m.handleToolsList(p, id), nil
	case "tools/call":
		return m.handleToolCall(ctx, p, cfg.BackendName, id, params), nil
	case "ping":
		return compliance.ResultEnvelope(id, json.RawMessage(`{}`)), nil
	case "resources/list":
		return m.handleResources(ctx, cfg.BackendName, method, id, params, compliance.SynthesizedResourcesList), nil
	case "resources/templates/list":
		return m.handleResources(ctx, cfg.BackendName, method, id, params, compliance.SynthesizedResourceTemplatesList), nil
	default:
		return m.forwardCall(ctx, cfg.BackendName, method, id, params), nil
	}
}

// handleInitialize answers initialize without contacting the backend,
// from the handshake the registry already holds.
func (m *Manager) handleInitialize(name, backendName, instructionsOverride string, id, params json.RawMessage) json.RawMessage {
	hs, err := m.backends.Handshake(backendName)
	if err != nil {
		return errorFrameFor(id, err)
	}

	requested := gjson.GetBytes(params, "protocolVersion").String()
	result := initializeResult{
		ProtocolVersion: publicProtocolVersion(requested, hs),
		Capabilities:    mergedCapabilities(hs),
		ServerInfo: types.ServerInfo{
			Name:    "mcphub-" + name,
			Version: versions.Version,
		},
	}
	switch {
	case strings.TrimSpace(instructionsOverride) != "":
		result.Instructions = strings.TrimSpace(instructionsOverride)
	case strings.TrimSpace(hs.Instructions) != "":
		result.Instructions = strings.TrimSpace(hs.Instructions)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return compliance.ErrorEnvelope(id, compliance.CodeInternalError, "failed to encode initialize result", nil)
	}
	return compliance.ResultEnvelope(id, body)
}

// publicProtocolVersion picks the revision reported to the client. A
// supported requested revision is echoed; with no explicit request the
// backend's negotiated revision is used when the gateway speaks it; the
// primary revision covers the rest.
func publicProtocolVersion(requested string, hs *types.HandshakeResult) string {
	if requested != "" {
		return compliance.EchoProtocolVersion(requested)
	}
	if hs != nil && compliance.KnownRevision(hs.ProtocolVersion) {
		return hs.ProtocolVersion
	}
	return compliance.RevisionPrimary
}

// mergedCapabilities passes the backend's capability groups through and
// always advertises tools, since the gateway answers tools/list itself.
func mergedCapabilities(hs *types.HandshakeResult) map[string]any {
	caps := maps.Clone(hs.Capabilities)
	if caps == nil {
		caps = make(map[string]any)
	}
	if _, ok := caps["tools"]; !ok {
		caps["tools"] = map[string]any{}
	}
	return caps
}

func (m *Manager) handleToolsList(p *proxy, id json.RawMessage) json.RawMessage {
	p.mu.Lock()
	tools := p.tools
	p.mu.Unlock()
	if tools == nil {
		tools = []mcp.Tool{}
	}

	body, err := json.Marshal(toolsListResult{Tools: tools, NextCursor: ""})
	if err != nil {
		return compliance.ErrorEnvelope(id, compliance.CodeInternalError, "failed to encode tool list", nil)
	}
	return compliance.ResultEnvelope(id, body)
}

func (m *Manager) handleToolCall(ctx context.Context, p *proxy, backendName string, id, params json.RawMessage) json.RawMessage {
	toolName := gjson.GetBytes(params, "name").String()

	p.mu.Lock()
	exposed := p.cfg.ExposedTools
	p.mu.Unlock()
	if len(exposed) > 0 && !slices.Contains(exposed, toolName) {
		return compliance.ErrorEnvelope(id, compliance.CodeMethodNotFound, "Method not found (tool not exposed)", nil)
	}
	return m.forwardCall(ctx, backendName, "tools/call", id, params)
}

// handleResources forwards resource listings when the backend advertises
// the capability and synthesizes empty results otherwise, so clients
// that probe these methods unconditionally do not error out.
func (m *Manager) handleResources(ctx context.Context, backendName, method string, id, params json.RawMessage, synthesize func() json.RawMessage) json.RawMessage {
	hs, err := m.backends.Handshake(backendName)
	if err == nil && hs.HasCapability("resources") {
		return m.forwardCall(ctx, backendName, method, id, params)
	}
	return compliance.ResultEnvelope(id, synthesize())
}

// forwardCall relays a request to the backend and translates the outcome
// into a response frame carrying the original id.
func (m *Manager) forwardCall(ctx context.Context, backendName, method string, id, params json.RawMessage) json.RawMessage {
	out, err := m.backends.Call(ctx, backendName, method, params)
	if err != nil {
		return errorFrameFor(id, err)
	}
	return compliance.ResultEnvelope(id, out)
}

// errorFrameFor maps a backend failure onto a JSON-RPC error frame.
// Backend JSON-RPC errors pass through unchanged; HTTP failures land in
// the server-error range keyed by status; everything else is a generic
// server or internal error.
func errorFrameFor(id json.RawMessage, err error) json.RawMessage {
	var rpcErr *terrors.RPCError
	if errors.As(err, &rpcErr) {
		return compliance.ErrorEnvelope(id, int(rpcErr.Code), rpcErr.Message, rpcErr.Data)
	}

	var tErr *terrors.TransportError
	if errors.As(err, &tErr) && tErr.Status != 0 {
		return compliance.ErrorEnvelope(id, compliance.CodeForHTTPStatus(tErr.Status), err.Error(), nil)
	}

	switch {
	case errors.Is(err, registry.ErrBackendNotFound),
		errors.Is(err, registry.ErrNotRunning),
		errors.Is(err, registry.ErrNotVerified),
		errors.Is(err, terrors.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return compliance.ErrorEnvelope(id, compliance.CodeServerError, err.Error(), nil)
	default:
		return compliance.ErrorEnvelope(id, compliance.CodeInternalError, err.Error(), nil)
	}
}
