// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package compliance

import (
	"encoding/json"
)

// envelope is a complete JSON-RPC 2.0 response frame.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

// errorBody is the error member of a JSON-RPC error response.
type errorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ResultEnvelope wraps a raw result into a JSON-RPC response frame for
// the given raw request id. An empty result becomes the empty object
// and an absent id becomes null, so the output is always a well-formed
// response.
func ResultEnvelope(id, result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	if !json.Valid(result) {
		return ErrorEnvelope(id, CodeInternalError, "backend returned an unencodable result", nil)
	}
	out, _ := json.Marshal(envelope{JSONRPC: "2.0", ID: envelopeID(id), Result: result})
	return out
}

// ErrorEnvelope builds a JSON-RPC error response frame for the given
// raw request id. Invalid or empty data is omitted rather than
// corrupting the frame.
func ErrorEnvelope(id json.RawMessage, code int, message string, data json.RawMessage) json.RawMessage {
	body := &errorBody{Code: code, Message: message}
	if len(data) > 0 && json.Valid(data) {
		body.Data = data
	}
	out, _ := json.Marshal(envelope{JSONRPC: "2.0", ID: envelopeID(id), Error: body})
	return out
}

func envelopeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 || !json.Valid(id) {
		return json.RawMessage("null")
	}
	return id
}

// SynthesizedResourcesList is the empty result the gateway answers for
// resources/list when the backend does not advertise a resources
// capability.
func SynthesizedResourcesList() json.RawMessage {
	return json.RawMessage(`{"resources":[]}`)
}

// SynthesizedResourceTemplatesList is the empty result the gateway
// answers for resources/templates/list when the backend does not
// advertise a resources capability.
func SynthesizedResourceTemplatesList() json.RawMessage {
	return json.RawMessage(`{"resourceTemplates":[]}`)
}
