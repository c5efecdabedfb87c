// Package autostart brings the gateway's configured backends and
// proxies up at boot: configs are loaded and cross-checked, backends
// start in dependency order, and proxies follow once their backend is
// verified. Individual start failures are logged and counted, never
// fatal; broken configuration (dangling references, dependency cycles)
// is.
package autostart

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/registry"
)

// Settings is the slice of the config store the orchestrator reads.
// *config.Store satisfies it.
type Settings interface {
	Load(ctx context.Context) error
	ListBackends() []config.BackendConfig
	ListProxies() []config.ProxyConfig
}

// Backends is the slice of the backend registry the orchestrator
// drives. *registry.Registry satisfies it.
type Backends interface {
	Create(cfg config.BackendConfig) error
	Start(ctx context.Context, name string) error
	Snapshot(name string) (registry.Snapshot, error)
}

// Proxies is the slice of the proxy engine the orchestrator drives.
// *proxy.Manager satisfies it.
type Proxies interface {
	Create(cfg config.ProxyConfig) error
	Start(name string) error
}

// Report counts what the boot sequence did.
type Report struct {
	BackendsStarted int `json:"backends_started"`
	BackendsFailed  int `json:"backends_failed"`
	ProxiesStarted  int `json:"proxies_started"`
	ProxiesFailed   int `json:"proxies_failed"`
	ProxiesSkipped  int `json:"proxies_skipped"`
}

// Orchestrator runs the boot sequence.
type Orchestrator struct {
	store    Settings
	backends Backends
	proxies  Proxies
}

// New creates an orchestrator over the given collaborators.
func New(store Settings, backends Backends, proxies Proxies) *Orchestrator {
	return &Orchestrator{store: store, backends: backends, proxies: proxies}
}

// Run loads configuration, registers everything, then starts the
// auto-start backends level by level followed by the auto-start
// proxies. The returned error is reserved for fatal misconfiguration;
// per-backend and per-proxy failures land in the report.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	var report Report

	if err := o.store.Load(ctx); err != nil {
		return report, fmt.Errorf("loading configuration: %w", err)
	}
	backendCfgs := o.store.ListBackends()
	proxyCfgs := o.store.ListProxies()

	backendsByName := make(map[string]config.BackendConfig, len(backendCfgs))
	for _, cfg := range backendCfgs {
		backendsByName[cfg.Name] = cfg
	}
	proxiesByName := make(map[string]config.ProxyConfig, len(proxyCfgs))
	for _, cfg := range proxyCfgs {
		proxiesByName[cfg.Name] = cfg
	}
	if err := config.ValidateReferences(backendsByName, proxiesByName); err != nil {
		return report, err
	}

	levels, err := Levels(backendCfgs)
	if err != nil {
		return report, err
	}

	for _, cfg := range backendCfgs {
		if err := o.backends.Create(cfg); err != nil {
			return report, fmt.Errorf("registering backend %s: %w", cfg.Name, err)
		}
	}
	for _, cfg := range proxyCfgs {
		if err := o.proxies.Create(cfg); err != nil {
			return report, fmt.Errorf("registering proxy %s: %w", cfg.Name, err)
		}
	}

	o.startBackends(ctx, levels, backendsByName, &report)
	o.startProxies(proxyCfgs, &report)

	logger.Infof("Auto-start complete: %d/%d backends up, %d/%d proxies up (%d skipped)",
		report.BackendsStarted, report.BackendsStarted+report.BackendsFailed,
		report.ProxiesStarted, report.ProxiesStarted+report.ProxiesFailed,
		report.ProxiesSkipped)
	return report, nil
}

// startBackends walks the dependency levels in order, starting the
// auto-start members of each level concurrently.
func (o *Orchestrator) startBackends(ctx context.Context, levels [][]string, cfgs map[string]config.BackendConfig, report *Report) {
	var mu sync.Mutex
	for _, level := range levels {
		var g errgroup.Group
		for _, name := range level {
			if !cfgs[name].AutoStart {
				continue
			}
			g.Go(func() error {
				if err := o.backends.Start(ctx, name); err != nil {
					logger.Warnf("Auto-start of backend %s failed: %v", name, err)
					mu.Lock()
					report.BackendsFailed++
					mu.Unlock()
					return nil
				}
				mu.Lock()
				report.BackendsStarted++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
}

// startProxies starts the auto-start proxies whose backend came up
// verified; the rest are skipped, not failed.
func (o *Orchestrator) startProxies(cfgs []config.ProxyConfig, report *Report) {
	for _, cfg := range cfgs {
		if !cfg.AutoStart {
			continue
		}
		snap, err := o.backends.Snapshot(cfg.BackendName)
		if err != nil || snap.State != registry.StateVerified {
			logger.Infof("Skipping proxy %s: backend %s is not verified", cfg.Name, cfg.BackendName)
			report.ProxiesSkipped++
			continue
		}
		if err := o.proxies.Start(cfg.Name); err != nil {
			logger.Warnf("Auto-start of proxy %s failed: %v", cfg.Name, err)
			report.ProxiesFailed++
			continue
		}
		report.ProxiesStarted++
	}
}

// Levels orders backends so that every dependency lands in an earlier
// level than its dependents. A dependency cycle is fatal; the validate
// command uses this as its cycle check.
func Levels(backends []config.BackendConfig) ([][]string, error) {
	graph := make(map[string][]string, len(backends))
	for _, b := range backends {
		graph[b.Name] = b.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var hasCycle func(string) bool
	hasCycle = func(name string) bool {
		visited[name] = true
		recStack[name] = true
		for _, dep := range graph[name] {
			if _, ok := graph[dep]; !ok {
				// Dangling references are reported by ValidateReferences.
				continue
			}
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}
		recStack[name] = false
		return false
	}
	for _, b := range backends {
		if !visited[b.Name] && hasCycle(b.Name) {
			return nil, fmt.Errorf("%w: involving backend %s", config.ErrDependencyCycle, b.Name)
		}
	}

	// Depth of a backend is one past its deepest dependency.
	depth := make(map[string]int, len(graph))
	var depthOf func(string) int
	depthOf = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		deepest := 0
		for _, dep := range graph[name] {
			if _, ok := graph[dep]; !ok {
				continue
			}
			if d := depthOf(dep); d > deepest {
				deepest = d
			}
		}
		depth[name] = deepest + 1
		return deepest + 1
	}

	levelCount := 0
	for name := range graph {
		if d := depthOf(name); d > levelCount {
			levelCount = d
		}
	}
	levels := make([][]string, levelCount)
	for _, b := range backends {
		idx := depth[b.Name] - 1
		levels[idx] = append(levels[idx], b.Name)
	}
	for _, level := range levels {
		slices.Sort(level)
	}
	return levels, nil
}
