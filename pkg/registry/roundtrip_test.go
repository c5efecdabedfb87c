package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/testkit"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// TestRegistryRoundTrip drives the registry against live in-process MCP
// servers through the default transport factory.
func TestRegistryRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T) config.BackendConfig
	}{
		{
			name: "sse",
			setup: func(t *testing.T) config.BackendConfig {
				t.Helper()
				server, err := testkit.NewSSEBackend(
					testkit.WithTool("echo", "Echoes a canned reply", func() string { return "echoed" }),
				)
				require.NoError(t, err)
				t.Cleanup(server.Close)
				return config.BackendConfig{
					Name:      "kit",
					Transport: types.TransportTypeSSE,
					URL:       server.URL + "/sse",
				}
			},
		},
		{
			name: "streamable-http",
			setup: func(t *testing.T) config.BackendConfig {
				t.Helper()
				server, err := testkit.NewStreamableBackend(
					testkit.WithTool("echo", "Echoes a canned reply", func() string { return "echoed" }),
				)
				require.NoError(t, err)
				t.Cleanup(server.Close)
				return config.BackendConfig{
					Name:      "kit",
					Transport: types.TransportTypeStreamableHTTP,
					URL:       server.URL + "/mcp",
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := New()
			defer r.Close()
			ctx := context.Background()

			require.NoError(t, r.Create(tt.setup(t)))
			require.NoError(t, r.Start(ctx, "kit"))

			snap, err := r.Snapshot("kit")
			require.NoError(t, err)
			assert.Equal(t, StateVerified, snap.State)
			assert.Equal(t, "2025-03-26", snap.ProtocolVersion)
			require.NotNil(t, snap.ServerInfo)
			assert.Equal(t, "testkit", snap.ServerInfo.Name)

			tools, err := r.Tools("kit")
			require.NoError(t, err)
			require.Len(t, tools, 1)
			assert.Equal(t, "echo", tools[0].Name)

			result, err := r.Call(ctx, "kit", "tools/call", json.RawMessage(`{"name": "echo", "arguments": {}}`))
			require.NoError(t, err)
			assert.Equal(t, "echoed", gjson.GetBytes(result, "content.0.text").String())

			require.NoError(t, r.Stop("kit"))
			snap, err = r.Snapshot("kit")
			require.NoError(t, err)
			assert.Equal(t, StateStopped, snap.State)
		})
	}
}
