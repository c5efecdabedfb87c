// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package compliance repairs the protocol payloads heterogeneous MCP
// backends return so that every proxy endpoint answers uniform,
// well-formed frames regardless of what the backend emitted. Repairs
// are silent apart from a log line; the only hard failure is
// ErrNotRepairable for payloads too malformed to fix.
package compliance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/stacklok/mcphub/pkg/logger"
)

// Protocol revisions the gateway negotiates. RevisionPrimary is offered
// to backends first; RevisionFallback is what clients get when they
// request a revision the gateway does not know.
const (
	RevisionPrimary  = "2025-03-26"
	RevisionFallback = "2024-11-05"
)

// JSON-RPC 2.0 error codes used across the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerError is the top of the implementation-defined
	// server-error range (-32000..-32099) and doubles as the generic
	// code for backend failures without a more specific mapping.
	CodeServerError = -32000

	codeServerErrorFloor = -32099
)

// ErrNotRepairable reports a payload too malformed to normalize.
var ErrNotRepairable = errors.New("payload is not repairable")

// Defaults substituted into initialize results that lack the
// corresponding fields.
const (
	defaultServerName    = "Unknown"
	defaultServerVersion = "1.0.0"
)

var defaultServerInfo = []byte(fmt.Sprintf(`{"name":%q,"version":%q}`, defaultServerName, defaultServerVersion))

// EchoProtocolVersion picks the protocol revision to answer an
// initialize request with: the requested revision when the gateway
// supports it, the primary revision otherwise.
func EchoProtocolVersion(requested string) string {
	switch requested {
	case RevisionPrimary, RevisionFallback:
		return requested
	}
	return RevisionPrimary
}

// KnownRevision reports whether the gateway speaks the given protocol
// revision.
func KnownRevision(revision string) bool {
	return revision == RevisionPrimary || revision == RevisionFallback
}

// CodeForHTTPStatus maps an HTTP error status onto the JSON-RPC
// server-error range: 400 becomes -32000, 401 becomes -32001 and so on,
// saturating at -32099. Statuses outside 4xx/5xx map to the internal
// error code.
func CodeForHTTPStatus(status int) int {
	if status < 400 || status > 599 {
		return CodeInternalError
	}
	code := CodeServerError - (status - 400)
	if code < codeServerErrorFloor {
		code = codeServerErrorFloor
	}
	return code
}

// NormalizeInitializeResult repairs an initialize result so it conforms
// to the current protocol revision: serverInfo.instructions is
// relocated to the top level, the deprecated serverInfo.description is
// dropped, null capability groups become empty objects and the
// protocolVersion, capabilities and serverInfo fields are guaranteed to
// exist. Blank instructions are removed entirely. The function is
// idempotent; normalizing an already-normal result returns it
// unchanged. The input slice is never modified.
func NormalizeInitializeResult(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: initialize result is not a JSON object", ErrNotRepairable)
	}

	out := raw
	var err error

	if !gjson.GetBytes(out, "protocolVersion").Exists() {
		if out, err = sjson.SetBytes(out, "protocolVersion", RevisionPrimary); err != nil {
			return nil, fmt.Errorf("failed to set protocolVersion: %w", err)
		}
	}

	if out, err = repairCapabilities(out); err != nil {
		return nil, err
	}
	if out, err = repairServerInfo(out); err != nil {
		return nil, err
	}

	// A blank instructions field carries no information; drop it rather
	// than forwarding whitespace to every client.
	if instr := gjson.GetBytes(out, "instructions"); instr.Exists() && strings.TrimSpace(instr.String()) == "" {
		if out, err = sjson.DeleteBytes(out, "instructions"); err != nil {
			return nil, fmt.Errorf("failed to drop blank instructions: %w", err)
		}
	}

	return out, nil
}

// repairCapabilities guarantees the capabilities object exists and that
// none of its groups is null. Backends that advertise a capability as
// null mean "present with no options", which the protocol spells {}.
func repairCapabilities(out []byte) ([]byte, error) {
	caps := gjson.GetBytes(out, "capabilities")
	if !caps.IsObject() {
		repaired, err := sjson.SetRawBytes(out, "capabilities", []byte("{}"))
		if err != nil {
			return nil, fmt.Errorf("failed to reset capabilities: %w", err)
		}
		return repaired, nil
	}

	var nullGroups []string
	caps.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Null {
			nullGroups = append(nullGroups, key.String())
		}
		return true
	})

	var err error
	for _, group := range nullGroups {
		if out, err = sjson.SetRawBytes(out, "capabilities."+group, []byte("{}")); err != nil {
			return nil, fmt.Errorf("failed to repair capability group %s: %w", group, err)
		}
	}
	return out, nil
}

// repairServerInfo guarantees serverInfo carries name and version,
// relocates its legacy instructions field to the top level and drops
// the deprecated description field.
func repairServerInfo(out []byte) ([]byte, error) {
	var err error

	if !gjson.GetBytes(out, "serverInfo").IsObject() {
		if out, err = sjson.SetRawBytes(out, "serverInfo", defaultServerInfo); err != nil {
			return nil, fmt.Errorf("failed to reset serverInfo: %w", err)
		}
		return out, nil
	}

	if !gjson.GetBytes(out, "serverInfo.name").Exists() {
		if out, err = sjson.SetBytes(out, "serverInfo.name", defaultServerName); err != nil {
			return nil, fmt.Errorf("failed to default serverInfo.name: %w", err)
		}
	}
	if !gjson.GetBytes(out, "serverInfo.version").Exists() {
		if out, err = sjson.SetBytes(out, "serverInfo.version", defaultServerVersion); err != nil {
			return nil, fmt.Errorf("failed to default serverInfo.version: %w", err)
		}
	}

	// Instructions moved to the top level in revision 2025-03-26. The
	// relocated value wins over any value already present there.
	if instr := gjson.GetBytes(out, "serverInfo.instructions"); instr.Exists() {
		if text := strings.TrimSpace(instr.String()); text != "" {
			if out, err = sjson.SetBytes(out, "instructions", text); err != nil {
				return nil, fmt.Errorf("failed to relocate instructions: %w", err)
			}
		}
		if out, err = sjson.DeleteBytes(out, "serverInfo.instructions"); err != nil {
			return nil, fmt.Errorf("failed to drop serverInfo.instructions: %w", err)
		}
	}

	if gjson.GetBytes(out, "serverInfo.description").Exists() {
		if out, err = sjson.DeleteBytes(out, "serverInfo.description"); err != nil {
			return nil, fmt.Errorf("failed to drop serverInfo.description: %w", err)
		}
	}
	return out, nil
}

// NormalizeTools repairs the tool definitions a backend returned: tools
// without a name are dropped with a warning and tools without an input
// schema get the permissive object schema. The input slice is not
// modified.
func NormalizeTools(tools []mcp.Tool) []mcp.Tool {
	if tools == nil {
		return nil
	}
	out := make([]mcp.Tool, 0, len(tools))
	for i, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			logger.Warnf("Dropping tool at index %d: tool has no name", i)
			continue
		}
		if len(tool.RawInputSchema) == 0 && tool.InputSchema.Type == "" {
			tool.InputSchema.Type = "object"
			if tool.InputSchema.Properties == nil {
				tool.InputSchema.Properties = map[string]any{}
			}
		}
		out = append(out, tool)
	}
	return out
}
