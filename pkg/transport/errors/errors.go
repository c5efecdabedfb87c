// Package errors provides error types and constants for the transport package.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Common transport errors
var (
	// ErrConnectFailed means the backend could not be reached or spawned.
	ErrConnectFailed = errors.New("connect failed")
	// ErrPeerClosed means the backend closed the connection or exited.
	ErrPeerClosed = errors.New("peer closed")
	// ErrTimeout means an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrProtocolError means the peer sent a frame that is not valid JSON-RPC.
	ErrProtocolError = errors.New("protocol error")
	// ErrPeerError means the backend answered with a JSON-RPC error reply.
	ErrPeerError = errors.New("peer returned an error")
	// ErrUnsupportedTransport means the configured transport type is unknown.
	ErrUnsupportedTransport = errors.New("unsupported transport type")
	// ErrTransportClosed means the client was used after Close.
	ErrTransportClosed = errors.New("transport closed")
	// ErrMethodNotSupported means the transport cannot carry the requested method.
	ErrMethodNotSupported = errors.New("method not supported by transport")
)

// TransportError represents an error related to transport operations
type TransportError struct {
	// Err is the underlying error
	Err error
	// Backend is the name of the backend the operation targeted
	Backend string
	// Message is an optional error message
	Message string
	// Status is the HTTP status behind the failure, when one exists.
	Status int
}

// Error returns the error message
func (e *TransportError) Error() string {
	if e.Message != "" {
		if e.Backend != "" {
			return fmt.Sprintf("%s: %s (backend: %s)", e.Err, e.Message, e.Backend)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}

	if e.Backend != "" {
		return fmt.Sprintf("%s (backend: %s)", e.Err, e.Backend)
	}

	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(err error, backend, message string) *TransportError {
	return &TransportError{
		Err:     err,
		Backend: backend,
		Message: message,
	}
}

// RPCError carries a JSON-RPC error object returned by a backend so callers
// can forward code, message and data to the client unchanged. It unwraps to
// ErrPeerError, so errors.Is(err, ErrPeerError) matches any RPCError.
type RPCError struct {
	// Code is the JSON-RPC error code from the backend.
	Code int64
	// Message is the error message from the backend.
	Message string
	// Data is the optional structured error data, verbatim.
	Data json.RawMessage
}

// Error returns the error message
func (e *RPCError) Error() string {
	return fmt.Sprintf("peer returned an error: code %d: %s", e.Code, e.Message)
}

// Unwrap returns ErrPeerError so sentinel checks work on wrapped chains.
func (*RPCError) Unwrap() error {
	return ErrPeerError
}
