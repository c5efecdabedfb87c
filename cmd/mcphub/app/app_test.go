package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcphub/pkg/config"
)

// The tests below run commands through fresh root instances. Flag
// values land in shared viper state, so none of them run in parallel.

func writeDocs(t *testing.T, backends, proxies string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	backendsPath := filepath.Join(dir, "backends.json")
	proxiesPath := filepath.Join(dir, "proxies.json")
	require.NoError(t, os.WriteFile(backendsPath, []byte(backends), 0o600))
	require.NoError(t, os.WriteFile(proxiesPath, []byte(proxies), 0o600))
	return backendsPath, proxiesPath
}

func runCommand(ctx context.Context, args ...string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name     string
		backends string
		proxies  string
		wantErr  error
	}{
		{
			name:     "valid documents",
			backends: `{"mcpServers": {"files": {"transport": "stdio", "command": "python"}}}`,
			proxies:  `{"mcpProxies": {"files-proxy": {"backend_name": "files", "endpoint": "/files", "transport": "sse"}}}`,
		},
		{
			name:     "dangling proxy reference",
			backends: `{"mcpServers": {}}`,
			proxies:  `{"mcpProxies": {"ghost-proxy": {"backend_name": "ghost", "endpoint": "/ghost", "transport": "sse"}}}`,
			wantErr:  config.ErrUnknownBackend,
		},
		{
			name: "dependency cycle",
			backends: `{"mcpServers": {
				"a": {"transport": "stdio", "command": "x", "depends_on": ["b"]},
				"b": {"transport": "stdio", "command": "x", "depends_on": ["a"]}}}`,
			proxies: `{"mcpProxies": {}}`,
			wantErr: config.ErrDependencyCycle,
		},
		{
			name:     "malformed document",
			backends: `{"mcpServers": {"s": {"transport": "smoke-signal", "command": "x"}}}`,
			proxies:  `{"mcpProxies": {}}`,
			wantErr:  config.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backendsPath, proxiesPath := writeDocs(t, tt.backends, tt.proxies)

			err := runCommand(context.Background(), "validate", "--backends", backendsPath, "--proxies", proxiesPath)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, ExitCode(err))
		})
	}
}

// TestServeCommandComposesAndShutsDown boots the whole gateway on an
// ephemeral port and shuts it down again. The configured backend is not
// auto-started, so its proxy is skipped rather than started.
func TestServeCommandComposesAndShutsDown(t *testing.T) {
	backendsPath, proxiesPath := writeDocs(t,
		`{"mcpServers": {"files": {"transport": "stdio", "command": "python"}}}`,
		`{"mcpProxies": {"files-proxy": {"backend_name": "files", "endpoint": "/files", "transport": "sse", "auto_start": true}}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- runCommand(ctx, "serve",
			"--backends", backendsPath, "--proxies", proxiesPath,
			"--host", "127.0.0.1", "--port", "0")
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestServeCommandRejectsBrokenConfig(t *testing.T) {
	backendsPath, proxiesPath := writeDocs(t,
		`{"mcpServers": {
			"a": {"transport": "stdio", "command": "x", "depends_on": ["b"]},
			"b": {"transport": "stdio", "command": "x", "depends_on": ["a"]}}}`,
		`{"mcpProxies": {}}`)

	err := runCommand(context.Background(), "serve",
		"--backends", backendsPath, "--proxies", proxiesPath,
		"--host", "127.0.0.1", "--port", "0")
	require.ErrorIs(t, err, config.ErrDependencyCycle)
	assert.Equal(t, 1, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(config.ErrDependencyCycle))
	assert.Equal(t, 1, ExitCode(errors.New("listen tcp: address already in use")))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("%w: stopping http server: %w", errInternal, context.DeadlineExceeded)))
}
