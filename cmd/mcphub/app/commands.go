// Package app provides the entry point for the mcphub command-line application.
package app

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcphub/pkg/logger"
)

// NewRootCmd creates a new root command for the mcphub CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "mcphub",
		DisableAutoGenTag: true,
		Short:             "MCP gateway - stable proxy endpoints for MCP servers",
		Long: `mcphub is a gateway that fronts heterogeneous MCP (Model Context Protocol)
servers - stdio child processes, SSE endpoints and streamable-HTTP
services - behind stable proxy endpoints. It provides:

- Managed backend lifecycles with handshake verification
- Protocol compliance repair for off-spec servers
- Per-proxy tool exposure filtering
- SSE session management with heartbeats and admission limits
- Prometheus metrics

Backends and proxies are defined in two JSON documents and come up
automatically at boot in dependency order.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	// Add persistent flags
	pf := rootCmd.PersistentFlags()
	pf.Bool("debug", false, "Enable debug mode")
	pf.String("host", "0.0.0.0", "Host address for the gateway to listen on")
	pf.Int("port", 8000, "Port for the gateway to listen on")
	pf.String("backends", "config/mcp.config.json", "Path to the backend definitions document")
	pf.String("proxies", "config/proxy_config.json", "Path to the proxy definitions document")
	for _, name := range []string{"debug", "host", "port", "backends", "proxies"} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// errInternal marks command failures that are not the operator's
// configuration to fix.
var errInternal = errors.New("internal error")

// ExitCode maps a failed command to the gateway's process exit status:
// 1 for anything the operator can fix (invalid documents, dangling
// references, dependency cycles, an unbindable listen address), 2 for
// internal failures.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errInternal) {
		return 2
	}
	return 1
}
