package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcphub/pkg/autostart"
	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/heartbeat"
	"github.com/stacklok/mcphub/pkg/ingress"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/proxy"
	"github.com/stacklok/mcphub/pkg/registry"
	"github.com/stacklok/mcphub/pkg/session"
	"github.com/stacklok/mcphub/pkg/telemetry"
	"github.com/stacklok/mcphub/pkg/versions"
)

// shutdownTimeout bounds the graceful teardown after a shutdown signal.
const shutdownTimeout = 10 * time.Second

// newServeCmd creates the serve command for starting the gateway
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway: register the configured backends and proxies, bring
the auto-start set up in dependency order, and serve proxy traffic until
interrupted.`,
		RunE: runServe,
	}
}

// lateSessions bridges the construction cycle between the metrics
// registry, which scrapes session stats, and the ingress server, which
// mounts the metrics handler: the source is handed to the registry
// first and bound to the server right after it exists.
type lateSessions struct {
	srv *ingress.Server
}

func (l *lateSessions) Sessions() map[string]session.Stats {
	if l.srv == nil {
		return nil
	}
	return l.srv.Sessions()
}

// runServe composes the gateway and blocks until the context is
// canceled by a shutdown signal.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	store := config.NewStore(viper.GetString("backends"), viper.GetString("proxies"))

	backends := registry.New()
	defer backends.Close()
	proxies := proxy.NewManager(backends)
	defer proxies.Close()

	limiter := session.NewLimiter(session.DefaultRateLimitConfig())
	heartbeats := heartbeat.NewController(heartbeat.DefaultConfig())
	defer heartbeats.Stop()

	sessions := &lateSessions{}
	metrics := telemetry.New(telemetry.Config{
		Version:    versions.GetVersionInfo().Version,
		Sessions:   sessions,
		Admission:  limiter,
		Heartbeats: heartbeats,
	})

	server := ingress.NewServer(ingress.Config{
		Host:      viper.GetString("host"),
		Port:      viper.GetInt("port"),
		Proxies:   proxies,
		Backends:  backends,
		Limiter:   limiter,
		Heartbeat: heartbeats,
		Metrics:   metrics.Handler(),
		Observer:  metrics,
	})
	sessions.srv = server

	if err := server.Start(ctx); err != nil {
		return err
	}

	report, err := autostart.New(store, backends, proxies).Run(ctx)
	if err != nil {
		_ = stopServer(server)
		return err
	}
	logger.Infof("Gateway ready at http://%s: %d/%d backends up, %d proxies serving",
		server.Addr(), report.BackendsStarted,
		report.BackendsStarted+report.BackendsFailed, report.ProxiesStarted)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	// The deferred stops then tear down heartbeats, proxies and backends,
	// in that order.
	if err := stopServer(server); err != nil {
		return fmt.Errorf("%w: stopping http server: %w", errInternal, err)
	}
	return nil
}

// stopServer drains sessions and shuts the HTTP server down within the
// shutdown budget.
func stopServer(s *ingress.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(ctx)
}
