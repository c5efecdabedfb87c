package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcphub/pkg/autostart"
	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/logger"
)

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration documents",
		Long: `Validate the backend and proxy configuration documents.

This command checks:
- JSON syntax and schema validity
- Cross-references between proxies and backends
- Dependency cycles between backends`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backendsPath := viper.GetString("backends")
			proxiesPath := viper.GetString("proxies")
			logger.Infof("Validating %s and %s", backendsPath, proxiesPath)

			store := config.NewStore(backendsPath, proxiesPath)
			if err := store.Load(cmd.Context()); err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return err
			}
			levels, err := autostart.Levels(store.ListBackends())
			if err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return err
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Backends: %d in %d start levels", len(store.ListBackends()), len(levels))
			logger.Infof("  Proxies: %d", len(store.ListProxies()))
			return nil
		},
	}
}
