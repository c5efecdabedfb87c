// Package transport implements the MCP clients the gateway uses to reach
// backend servers over stdio, SSE and streamable HTTP.
package transport

import (
	"github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// New creates a transport client based on the provided configuration.
func New(cfg types.Config) (types.Client, error) {
	switch cfg.Type {
	case types.TransportTypeStdio:
		return NewStdioClient(cfg)
	case types.TransportTypeSSE:
		return NewSSEClient(cfg)
	case types.TransportTypeStreamableHTTP:
		return NewStreamableClient(cfg)
	default:
		return nil, errors.NewTransportError(errors.ErrUnsupportedTransport, cfg.Backend, cfg.Type.String())
	}
}
