// Package proxy implements the gateway's proxy engine: stable
// client-facing MCP endpoints that front registered backends. Each proxy
// serves a filtered view of one backend's tool catalog and dispatches
// client JSON-RPC traffic to it.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/registry"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// Backends is the slice of the backend registry the proxy engine needs.
// *registry.Registry satisfies it.
type Backends interface {
	Snapshot(name string) (registry.Snapshot, error)
	Tools(name string) ([]mcp.Tool, error)
	Handshake(name string) (*types.HandshakeResult, error)
	Call(ctx context.Context, name, method string, params json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, name, method string, params json.RawMessage) error
	Subscribe(fn func(backend string)) func()
}

// Snapshot is an immutable view of one proxy.
type Snapshot struct {
	Name         string              `json:"name"`
	BackendName  string              `json:"backend_name"`
	Endpoint     string              `json:"endpoint"`
	Transport    types.TransportType `json:"transport"`
	Running      bool                `json:"running"`
	LastError    string              `json:"last_error,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	Tools        []mcp.Tool          `json:"tools,omitempty"`
	ExposedTools []string            `json:"exposed_tools,omitempty"`
	AutoStart    bool                `json:"auto_start,omitempty"`
}

// proxy is one managed endpoint.
type proxy struct {
	mu        sync.Mutex
	cfg       config.ProxyConfig
	running   bool
	lastErr   error
	startedAt time.Time

	// tools is the effective list: the backend catalog filtered down to
	// the exposed set. Always non-nil while running.
	tools []mcp.Tool
}

// Manager owns all configured proxies and keeps their effective tool
// lists in step with backend verification.
type Manager struct {
	mu      sync.RWMutex
	proxies map[string]*proxy

	backends Backends
	unsub    func()
}

// NewManager creates a proxy manager bound to the given backend
// registry. It subscribes to verification events so that tool lists are
// rebuilt whenever a fronted backend re-verifies.
func NewManager(backends Backends) *Manager {
	m := &Manager{
		proxies:  make(map[string]*proxy),
		backends: backends,
	}
	m.unsub = backends.Subscribe(m.backendVerified)
	return m
}

// Create registers a new proxy. It starts out not running.
func (m *Manager) Create(cfg config.ProxyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proxies[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrProxyExists, cfg.Name)
	}
	m.proxies[cfg.Name] = &proxy{cfg: cfg}
	logger.Infof("Registered proxy %s -> backend %s (%s at %s)", cfg.Name, cfg.BackendName, cfg.Transport, cfg.Endpoint)
	return nil
}

// Update replaces a proxy's configuration. A running proxy is stopped
// first; the caller decides when to start it again.
func (m *Manager) Update(name string, cfg config.ProxyConfig) error {
	if cfg.Name != name {
		return fmt.Errorf("%w: cannot rename proxy %s to %s", config.ErrInvalidConfig, name, cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p, err := m.proxy(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.running = false
	p.tools = nil
	p.lastErr = nil
	p.startedAt = time.Time{}
	logger.Infof("Updated proxy %s", name)
	return nil
}

// Delete removes a proxy.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proxies[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProxyNotFound, name)
	}
	delete(m.proxies, name)
	logger.Infof("Removed proxy %s", name)
	return nil
}

// Start begins serving. The fronted backend must be Verified; its tool
// catalog seeds the effective list. Starting a running proxy is a no-op.
func (m *Manager) Start(name string) error {
	p, err := m.proxy(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	cfg := p.cfg
	running := p.running
	p.mu.Unlock()
	if running {
		return nil
	}

	snap, err := m.backends.Snapshot(cfg.BackendName)
	if err != nil {
		return fmt.Errorf("proxy %s: %w", name, err)
	}
	if snap.State != registry.StateVerified {
		return fmt.Errorf("%w: proxy %s: backend %s is %s", registry.ErrNotVerified, name, cfg.BackendName, snap.State)
	}
	tools, err := m.backends.Tools(cfg.BackendName)
	if err != nil {
		return fmt.Errorf("proxy %s: %w", name, err)
	}
	effective := effectiveTools(tools, cfg.ExposedTools)

	p.mu.Lock()
	p.tools = effective
	p.running = true
	p.startedAt = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	logger.Infof("Proxy %s serving backend %s with %d tools", name, cfg.BackendName, len(effective))
	return nil
}

// Stop stops serving. Stopping a stopped proxy is a no-op.
func (m *Manager) Stop(name string) error {
	p, err := m.proxy(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	p.tools = nil
	p.startedAt = time.Time{}
	logger.Infof("Proxy %s stopped", name)
	return nil
}

// RefreshTools rebuilds the effective tool list from the backend's
// current catalog.
func (m *Manager) RefreshTools(name string) error {
	p, err := m.proxy(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	cfg := p.cfg
	running := p.running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %s", ErrProxyNotRunning, name)
	}

	tools, err := m.backends.Tools(cfg.BackendName)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return fmt.Errorf("proxy %s: %w", name, err)
	}
	effective := effectiveTools(tools, cfg.ExposedTools)

	p.mu.Lock()
	p.tools = effective
	p.lastErr = nil
	p.mu.Unlock()

	logger.Debugf("Proxy %s: effective tool list rebuilt (%d tools)", name, len(effective))
	return nil
}

// Snapshot returns an immutable view of one proxy.
func (m *Manager) Snapshot(name string) (Snapshot, error) {
	p, err := m.proxy(name)
	if err != nil {
		return Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Name:         p.cfg.Name,
		BackendName:  p.cfg.BackendName,
		Endpoint:     p.cfg.Endpoint,
		Transport:    p.cfg.Transport,
		Running:      p.running,
		StartedAt:    p.startedAt,
		Tools:        slices.Clone(p.tools),
		ExposedTools: slices.Clone(p.cfg.ExposedTools),
		AutoStart:    p.cfg.AutoStart,
	}
	if p.lastErr != nil {
		snap.LastError = p.lastErr.Error()
	}
	return snap, nil
}

// Snapshots returns immutable views of all proxies, sorted by name.
func (m *Manager) Snapshots() []Snapshot {
	names := m.List()
	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if snap, err := m.Snapshot(name); err == nil {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// List returns the registered proxy names in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.proxies))
}

// Close detaches the manager from the backend registry and stops all
// proxies.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	for _, name := range m.List() {
		_ = m.Stop(name)
	}
}

// backendVerified rebuilds the effective tool list of every running
// proxy fronting the re-verified backend.
func (m *Manager) backendVerified(backendName string) {
	for _, name := range m.List() {
		p, err := m.proxy(name)
		if err != nil {
			continue
		}
		p.mu.Lock()
		interested := p.running && p.cfg.BackendName == backendName
		p.mu.Unlock()
		if !interested {
			continue
		}
		if err := m.RefreshTools(name); err != nil {
			logger.Warnf("Proxy %s: refreshing tools after %s verified: %v", name, backendName, err)
		}
	}
}

func (m *Manager) proxy(name string) (*proxy, error) {
	m.mu.RLock()
	p, ok := m.proxies[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProxyNotFound, name)
	}
	return p, nil
}

// effectiveTools filters the backend catalog down to the exposed set. An
// empty set exposes everything. The result is never nil so that empty
// lists marshal as [] rather than null.
func effectiveTools(tools []mcp.Tool, exposed []string) []mcp.Tool {
	if len(exposed) == 0 {
		return append(make([]mcp.Tool, 0, len(tools)), tools...)
	}
	allow := make(map[string]struct{}, len(exposed))
	for _, name := range exposed {
		allow[name] = struct{}{}
	}
	out := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if _, ok := allow[tool.Name]; ok {
			out = append(out, tool)
		}
	}
	return out
}
