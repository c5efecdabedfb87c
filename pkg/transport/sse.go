package transport

import (
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// legacySSESuffix is where gateways of the previous generation mounted
// their SSE endpoint.
const legacySSESuffix = "/mcp/sse"

// NewSSEClient creates a client for a backend reachable over SSE. When the
// legacy probe is enabled and the configured URL does not already end in
// /mcp/sse, the handshake also tries URL + /mcp/sse before giving up; the
// first endpoint that completes initialize wins.
func NewSSEClient(cfg types.Config) (types.Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewTransportError(errors.ErrConnectFailed, cfg.Backend, "no url configured")
	}

	urls := []string{cfg.URL}
	if cfg.LegacySSEProbe && !strings.HasSuffix(cfg.URL, legacySSESuffix) {
		urls = append(urls, cfg.URL+legacySSESuffix)
	}

	newCli := func(url string) (*mcpclient.Client, error) {
		var opts []mcptransport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(url, opts...)
	}

	return newRemoteClient(cfg, urls, true, newCli), nil
}
