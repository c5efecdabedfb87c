package config

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/mcphub/pkg/logger"
)

// lockTimeout is the maximum time to wait for a document file lock.
const lockTimeout = 1 * time.Second

// Store holds the two configuration documents in memory and persists
// every mutation back to disk. Reads are served from memory; Load
// replaces the in-memory state from disk and doubles as the explicit
// reload operation.
type Store struct {
	backendsPath string
	proxiesPath  string

	mu       sync.RWMutex
	backends map[string]BackendConfig
	proxies  map[string]ProxyConfig
}

// NewStore creates a store over the given document paths. Nothing is
// read until Load is called.
func NewStore(backendsPath, proxiesPath string) *Store {
	return &Store{
		backendsPath: backendsPath,
		proxiesPath:  proxiesPath,
		backends:     make(map[string]BackendConfig),
		proxies:      make(map[string]ProxyConfig),
	}
}

// Load reads, normalizes and validates both documents, then swaps them
// into memory. A missing file loads as an empty document; any
// validation failure leaves the previous in-memory state untouched.
func (s *Store) Load(_ context.Context) error {
	backends, err := loadBackends(s.backendsPath)
	if err != nil {
		return err
	}
	proxies, err := loadProxies(s.proxiesPath)
	if err != nil {
		return err
	}
	if err := ValidateReferences(backends, proxies); err != nil {
		return err
	}

	s.mu.Lock()
	s.backends = backends
	s.proxies = proxies
	s.mu.Unlock()

	logger.Infof("Loaded %d backends and %d proxies", len(backends), len(proxies))
	return nil
}

// ListBackends returns all backend definitions sorted by name.
func (s *Store) ListBackends() []BackendConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BackendConfig, 0, len(s.backends))
	for _, name := range slices.Sorted(maps.Keys(s.backends)) {
		out = append(out, s.backends[name])
	}
	return out
}

// GetBackend returns the named backend definition.
func (s *Store) GetBackend(name string) (BackendConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.backends[name]
	if !ok {
		return BackendConfig{}, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return cfg, nil
}

// PutBackend validates and stores a backend definition, creating or
// replacing it, and persists the backends document.
func (s *Store) PutBackend(cfg BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range cfg.DependsOn {
		if _, ok := s.backends[dep]; !ok {
			return fmt.Errorf("%w: backend %s depends on undefined backend %s", ErrUnknownBackend, cfg.Name, dep)
		}
	}

	next := maps.Clone(s.backends)
	next[cfg.Name] = cfg
	if err := writeDocument(s.backendsPath, map[string]map[string]BackendConfig{backendsDocKey: next}); err != nil {
		return err
	}
	s.backends = next
	return nil
}

// DeleteBackend removes a backend definition and persists the backends
// document. Deletion is refused while a proxy or another backend still
// references the name, which keeps the documents free of dangling
// references.
func (s *Store) DeleteBackend(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backends[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	for pname, p := range s.proxies {
		if p.BackendName == name {
			return fmt.Errorf("%w: backend %s is still referenced by proxy %s", ErrInvalidConfig, name, pname)
		}
	}
	for bname, b := range s.backends {
		if slices.Contains(b.DependsOn, name) {
			return fmt.Errorf("%w: backend %s is still referenced by backend %s", ErrInvalidConfig, name, bname)
		}
	}

	next := maps.Clone(s.backends)
	delete(next, name)
	if err := writeDocument(s.backendsPath, map[string]map[string]BackendConfig{backendsDocKey: next}); err != nil {
		return err
	}
	s.backends = next
	return nil
}

// ListProxies returns all proxy definitions sorted by name.
func (s *Store) ListProxies() []ProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ProxyConfig, 0, len(s.proxies))
	for _, name := range slices.Sorted(maps.Keys(s.proxies)) {
		out = append(out, s.proxies[name])
	}
	return out
}

// GetProxy returns the named proxy definition.
func (s *Store) GetProxy(name string) (ProxyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.proxies[name]
	if !ok {
		return ProxyConfig{}, fmt.Errorf("%w: %s", ErrUnknownProxy, name)
	}
	return cfg, nil
}

// PutProxy validates and stores a proxy definition, creating or
// replacing it, and persists the proxies document. The fronted backend
// must already be defined.
func (s *Store) PutProxy(cfg ProxyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backends[cfg.BackendName]; !ok {
		return fmt.Errorf("%w: proxy %s references undefined backend %s", ErrUnknownBackend, cfg.Name, cfg.BackendName)
	}

	next := maps.Clone(s.proxies)
	next[cfg.Name] = cfg
	if err := writeDocument(s.proxiesPath, map[string]map[string]ProxyConfig{proxiesDocKey: next}); err != nil {
		return err
	}
	s.proxies = next
	return nil
}

// DeleteProxy removes a proxy definition and persists the proxies
// document.
func (s *Store) DeleteProxy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proxies[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, name)
	}

	next := maps.Clone(s.proxies)
	delete(next, name)
	if err := writeDocument(s.proxiesPath, map[string]map[string]ProxyConfig{proxiesDocKey: next}); err != nil {
		return err
	}
	s.proxies = next
	return nil
}

func loadBackends(path string) (map[string]BackendConfig, error) {
	raw, err := readDocument(path, "backends")
	if err != nil {
		return nil, err
	}
	doc, err := normalizeBackendsDoc(raw)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(doc, backendsSchema, "backends"); err != nil {
		return nil, err
	}

	var outer struct {
		Servers map[string]BackendConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(doc, &outer); err != nil {
		return nil, fmt.Errorf("%w: backends document: %v", ErrInvalidConfig, err)
	}

	backends := make(map[string]BackendConfig, len(outer.Servers))
	for name, cfg := range outer.Servers {
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		backends[name] = cfg
	}
	return backends, nil
}

func loadProxies(path string) (map[string]ProxyConfig, error) {
	raw, err := readDocument(path, "proxies")
	if err != nil {
		return nil, err
	}
	doc, err := normalizeProxiesDoc(raw)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(doc, proxiesSchema, "proxies"); err != nil {
		return nil, err
	}

	var outer struct {
		Proxies map[string]ProxyConfig `json:"mcpProxies"`
	}
	if err := json.Unmarshal(doc, &outer); err != nil {
		return nil, fmt.Errorf("%w: proxies document: %v", ErrInvalidConfig, err)
	}

	proxies := make(map[string]ProxyConfig, len(outer.Proxies))
	for name, cfg := range outer.Proxies {
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		proxies[name] = cfg
	}
	return proxies, nil
}

func readDocument(path, label string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Infof("The %s document %s does not exist, starting empty", label, path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s document %s: %w", label, path, err)
	}
	return raw, nil
}

// writeDocument persists one document with a file lock held and an
// atomic temp-file swap, so concurrent gateways never observe a
// half-written document.
func writeDocument(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create configuration directory %s: %w", dir, err)
		}
	}

	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
