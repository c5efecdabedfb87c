package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcphub/pkg/transport/types"
)

func TestBackendConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     BackendConfig
		wantErr bool
	}{
		{
			name: "valid stdio backend",
			cfg: BackendConfig{
				Name:      "files",
				Transport: types.TransportTypeStdio,
				Command:   "python",
				Args:      []string{"-m", "server"},
			},
		},
		{
			name: "valid sse backend",
			cfg: BackendConfig{
				Name:      "search",
				Transport: types.TransportTypeSSE,
				URL:       "http://localhost:9000/sse",
			},
		},
		{
			name:    "stdio backend without command",
			cfg:     BackendConfig{Name: "files", Transport: types.TransportTypeStdio},
			wantErr: true,
		},
		{
			name:    "remote backend without url",
			cfg:     BackendConfig{Name: "search", Transport: types.TransportTypeStreamableHTTP},
			wantErr: true,
		},
		{
			name:    "unsupported transport",
			cfg:     BackendConfig{Name: "x", Transport: "carrier-pigeon"},
			wantErr: true,
		},
		{
			name: "remote backend with unusable url",
			cfg: BackendConfig{
				Name:      "search",
				Transport: types.TransportTypeSSE,
				URL:       "localhost:9000/sse",
			},
			wantErr: true,
		},
		{
			name: "header value with control characters",
			cfg: BackendConfig{
				Name:      "search",
				Transport: types.TransportTypeSSE,
				URL:       "http://localhost:9000/sse",
				Headers:   map[string]string{"Authorization": "Bearer\r\nevil"},
			},
			wantErr: true,
		},
		{
			name:    "missing name",
			cfg:     BackendConfig{Transport: types.TransportTypeStdio, Command: "srv"},
			wantErr: true,
		},
		{
			name: "self dependency",
			cfg: BackendConfig{
				Name:      "files",
				Transport: types.TransportTypeStdio,
				Command:   "srv",
				DependsOn: []string{"files"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestProxyConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ProxyConfig
		wantErr bool
	}{
		{
			name: "valid proxy",
			cfg: ProxyConfig{
				Name:        "files-sse",
				BackendName: "files",
				Endpoint:    "/files",
				Transport:   types.TransportTypeSSE,
			},
		},
		{
			name: "endpoint must start with a slash",
			cfg: ProxyConfig{
				Name:        "files-sse",
				BackendName: "files",
				Endpoint:    "files",
				Transport:   types.TransportTypeSSE,
			},
			wantErr: true,
		},
		{
			name: "stdio is not a proxy transport",
			cfg: ProxyConfig{
				Name:        "files-sse",
				BackendName: "files",
				Endpoint:    "/files",
				Transport:   types.TransportTypeStdio,
			},
			wantErr: true,
		},
		{
			name:    "missing backend name",
			cfg:     ProxyConfig{Name: "p", Endpoint: "/p", Transport: types.TransportTypeSSE},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLegacySSEProbeEnabled(t *testing.T) {
	t.Parallel()

	var cfg BackendConfig
	assert.True(t, cfg.LegacySSEProbeEnabled(), "probe defaults to enabled")

	off := false
	cfg.LegacySSEProbe = &off
	assert.False(t, cfg.LegacySSEProbeEnabled())

	on := true
	cfg.LegacySSEProbe = &on
	assert.True(t, cfg.LegacySSEProbeEnabled())
}

func TestTransportConfig(t *testing.T) {
	t.Parallel()

	off := false
	cfg := BackendConfig{
		Name:           "search",
		Transport:      types.TransportTypeSSE,
		URL:            "http://localhost:9000",
		Headers:        map[string]string{"Authorization": "Bearer t"},
		LegacySSEProbe: &off,
	}

	tc := cfg.TransportConfig()
	assert.Equal(t, "search", tc.Backend)
	assert.Equal(t, types.TransportTypeSSE, tc.Type)
	assert.Equal(t, "http://localhost:9000", tc.URL)
	assert.Equal(t, "Bearer t", tc.Headers["Authorization"])
	assert.False(t, tc.LegacySSEProbe)
}

func TestValidateReferences(t *testing.T) {
	t.Parallel()

	backends := map[string]BackendConfig{
		"files":  {Name: "files", Transport: types.TransportTypeStdio, Command: "srv"},
		"search": {Name: "search", Transport: types.TransportTypeSSE, URL: "http://x", DependsOn: []string{"files"}},
	}
	proxies := map[string]ProxyConfig{
		"files-sse": {Name: "files-sse", BackendName: "files", Endpoint: "/files", Transport: types.TransportTypeSSE},
	}
	require.NoError(t, ValidateReferences(backends, proxies))

	t.Run("proxy referencing an undefined backend", func(t *testing.T) {
		t.Parallel()

		bad := map[string]ProxyConfig{
			"ghost": {Name: "ghost", BackendName: "nope", Endpoint: "/g", Transport: types.TransportTypeSSE},
		}
		require.ErrorIs(t, ValidateReferences(backends, bad), ErrUnknownBackend)
	})

	t.Run("dependency on an undefined backend", func(t *testing.T) {
		t.Parallel()

		bad := map[string]BackendConfig{
			"a": {Name: "a", Transport: types.TransportTypeStdio, Command: "srv", DependsOn: []string{"missing"}},
		}
		require.ErrorIs(t, ValidateReferences(bad, nil), ErrUnknownBackend)
	})
}
