package transport

import (
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// httpCallTimeout caps a single streamable HTTP exchange. Long-running tool
// calls stream progress within this window.
const httpCallTimeout = 300 * time.Second

// NewStreamableClient creates a client for a backend reachable over
// streamable HTTP. Each call is an independent request/response; configured
// headers ride on every request.
func NewStreamableClient(cfg types.Config) (types.Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewTransportError(errors.ErrConnectFailed, cfg.Backend, "no url configured")
	}

	newCli := func(url string) (*mcpclient.Client, error) {
		opts := []mcptransport.StreamableHTTPCOption{
			mcptransport.WithHTTPTimeout(httpCallTimeout),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcptransport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(url, opts...)
	}

	return newRemoteClient(cfg, []string{cfg.URL}, false, newCli), nil
}
