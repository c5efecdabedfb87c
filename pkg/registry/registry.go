// Package registry owns the set of configured MCP backends and mediates
// all access to them. It drives each backend through its lifecycle
// (Stopped, Starting, Running, Verified, Error), keeps the normalized
// tool catalogs, and fans out server-initiated messages to interested
// parties such as proxies.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcphub/pkg/compliance"
	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/transport"
	terrors "github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
	"github.com/stacklok/mcphub/pkg/versions"
)

const (
	// handshakeTimeout bounds the whole initialize exchange, protocol
	// revision fallback and retries included.
	handshakeTimeout = 30 * time.Second

	// toolFetchTimeout bounds one tools/list round trip.
	toolFetchTimeout = 30 * time.Second

	// toolRetryDelay and toolRetryAttempts pace the deferred catalog
	// fetches for backends that answer the handshake before their tools
	// are ready.
	toolRetryDelay    = 5 * time.Second
	toolRetryAttempts = 5

	// handshakeBackoffInitial seeds the exponential backoff between
	// handshake attempts.
	handshakeBackoffInitial = 500 * time.Millisecond
)

// protocolRevisions is the preference order for the initialize exchange.
// Whatever revision the backend negotiates is accepted even when it is
// not in this list.
var protocolRevisions = []string{compliance.RevisionPrimary, compliance.RevisionFallback}

// ClientFactory builds a transport client for one backend. It exists so
// tests can substitute in-memory clients; production code uses
// transport.New.
type ClientFactory func(cfg types.Config) (types.Client, error)

// Registry manages the lifecycle of all configured backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*backend

	newClient ClientFactory
	info      types.ClientInfo

	subMu       sync.Mutex
	nextSubID   uint64
	subscribers map[uint64]func(backend string)

	sinkMu     sync.Mutex
	nextSinkID uint64
	sinks      map[string]map[uint64]func(jsonrpc2.Message)
}

// New creates a registry that dials backends with the default transport
// factory.
func New() *Registry {
	return NewWithFactory(transport.New)
}

// NewWithFactory creates a registry with a custom transport factory.
func NewWithFactory(factory ClientFactory) *Registry {
	return &Registry{
		backends:    make(map[string]*backend),
		newClient:   factory,
		info:        types.ClientInfo{Name: "mcphub", Version: versions.Version},
		subscribers: make(map[uint64]func(string)),
		sinks:       make(map[string]map[uint64]func(jsonrpc2.Message)),
	}
}

// Create registers a new backend in the Stopped state.
func (r *Registry) Create(cfg config.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, cfg.Name)
	}
	r.backends[cfg.Name] = newBackend(cfg)
	logger.Infof("Registered backend %s (%s)", cfg.Name, cfg.Transport)
	return nil
}

// Update replaces a backend's configuration. A live backend is stopped
// first; the caller decides when to start it again.
func (r *Registry) Update(name string, cfg config.BackendConfig) error {
	if cfg.Name != name {
		return fmt.Errorf("%w: cannot rename backend %s to %s", config.ErrInvalidConfig, name, cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := r.backend(name)
	if err != nil {
		return err
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.mu.Lock()
	client, cancel := b.detachLocked()
	b.state = StateStopped
	b.lastErr = nil
	b.cfg = cfg
	b.mu.Unlock()
	release(client, cancel)
	logger.Infof("Updated backend %s", name)
	return nil
}

// Delete stops and removes a backend.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	b, ok := r.backends[name]
	if ok {
		delete(r.backends, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}

	b.opMu.Lock()
	b.mu.Lock()
	client, cancel := b.detachLocked()
	b.state = StateStopped
	b.mu.Unlock()
	b.opMu.Unlock()
	release(client, cancel)

	r.dropSinks(name)
	logger.Infof("Removed backend %s", name)
	return nil
}

// List returns the registered backend names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.backends))
}

// Snapshot returns an immutable view of one backend.
func (r *Registry) Snapshot(name string) (Snapshot, error) {
	b, err := r.backend(name)
	if err != nil {
		return Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(), nil
}

// Snapshots returns immutable views of all backends, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	names := r.List()
	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if snap, err := r.Snapshot(name); err == nil {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// Start connects a backend, performs the initialize exchange and fetches
// its tool catalog. Starting a live backend is a no-op. When the
// handshake succeeds but the catalog fetch fails, the backend stays
// Running with the failure recorded and the fetch retried in the
// background.
func (r *Registry) Start(ctx context.Context, name string) error {
	b, err := r.backend(name)
	if err != nil {
		return err
	}

	b.opMu.Lock()
	verified, err := r.start(ctx, b)
	b.opMu.Unlock()

	if verified {
		r.notifyVerified(name)
	}
	return err
}

// start drives Stopped/Error to Running or Verified. Caller holds opMu.
// The returned bool reports whether the backend reached Verified.
func (r *Registry) start(ctx context.Context, b *backend) (bool, error) {
	b.mu.Lock()
	if b.state.Live() {
		b.mu.Unlock()
		return false, nil
	}
	b.state = StateStarting
	b.lastErr = nil
	b.mu.Unlock()

	client, err := r.newClient(b.cfg.TransportConfig())
	if err != nil {
		b.fail(err)
		return false, fmt.Errorf("connecting backend %s: %w", b.name, err)
	}

	hs, err := r.performHandshake(ctx, b, client)
	if err != nil {
		_ = client.Close()
		b.fail(err)
		return false, fmt.Errorf("%w: backend %s: %w", ErrHandshakeFailed, b.name, err)
	}

	lifeCtx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.client = client
	b.handshake = hs
	b.startedAt = time.Now()
	b.state = StateRunning
	b.cancel = cancel
	b.mu.Unlock()

	go r.pump(lifeCtx, b, gen, client.Subscribe())

	logger.Infof("Backend %s running: %s %s (protocol %s)",
		b.name, hs.ServerInfo.Name, hs.ServerInfo.Version, hs.ProtocolVersion)

	if err := r.fetchTools(ctx, b, client); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		logger.Warnf("Backend %s started without a tool catalog: %v; retrying in %s", b.name, err, toolRetryDelay)
		go r.deferredVerify(lifeCtx, b.name)
		return false, nil
	}
	return true, nil
}

// performHandshake runs the initialize exchange, preferring the current
// protocol revision and falling back to the previous one. Whole attempts
// are retried with exponential backoff: stdio and SSE backends get 3
// tries, streamable HTTP gets 4.
func (r *Registry) performHandshake(ctx context.Context, b *backend, client types.Client) (*types.HandshakeResult, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = handshakeBackoffInitial
	expBackoff.Reset()

	operation := func() (*types.HandshakeResult, error) {
		var lastErr error
		for _, revision := range protocolRevisions {
			hs, err := client.Handshake(hctx, r.info, revision)
			if err == nil {
				return hs, nil
			}
			lastErr = err
			if errors.Is(err, terrors.ErrPeerClosed) || errors.Is(err, terrors.ErrTransportClosed) {
				// The connection is gone; no revision or retry can
				// succeed on it.
				return nil, backoff.Permanent(err)
			}
			logger.Debugf("Backend %s did not accept handshake for revision %s: %v", b.name, revision, err)
		}
		return nil, lastErr
	}

	hs, err := backoff.Retry(hctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(handshakeTries(b.cfg.Transport)),
		backoff.WithNotify(func(_ error, duration time.Duration) {
			logger.Debugf("Retrying handshake with backend %s after %v", b.name, duration)
		}),
	)
	if err != nil {
		return nil, err
	}

	normalized, err := compliance.NormalizeInitializeResult(hs.Raw)
	if err != nil {
		return nil, fmt.Errorf("normalizing initialize result: %w", err)
	}
	repaired, err := types.HandshakeFromRaw(normalized)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(protocolRevisions, repaired.ProtocolVersion) {
		logger.Warnf("Backend %s negotiated unknown protocol revision %q", b.name, repaired.ProtocolVersion)
	}
	return repaired, nil
}

func handshakeTries(t types.TransportType) uint {
	if t == types.TransportTypeStreamableHTTP {
		return 4
	}
	return 3
}

// fetchTools loads and normalizes the tool catalog, promoting the backend
// to Verified. Caller holds opMu.
func (r *Registry) fetchTools(ctx context.Context, b *backend, client types.Client) error {
	tctx, cancel := context.WithTimeout(ctx, toolFetchTimeout)
	defer cancel()

	tools, err := client.ListTools(tctx)
	if err != nil {
		return fmt.Errorf("%w: backend %s: %w", ErrToolFetchFailed, b.name, err)
	}
	normalized := compliance.NormalizeTools(tools)

	b.mu.Lock()
	b.tools = normalized
	b.state = StateVerified
	b.lastErr = nil
	b.mu.Unlock()

	logger.Infof("Backend %s verified with %d tools", b.name, len(normalized))
	return nil
}

// deferredVerify retries the catalog fetch for a backend that answered
// the handshake before its tools were ready. It gives up once the
// backend is stopped, removed or restarted.
func (r *Registry) deferredVerify(ctx context.Context, name string) {
	for attempt := 1; attempt <= toolRetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(toolRetryDelay):
		}

		err := r.Verify(ctx, name)
		if err == nil {
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrBackendNotFound) || errors.Is(err, ErrNotRunning) {
			return
		}
		logger.Infof("Deferred tool fetch %d/%d for backend %s: %v", attempt, toolRetryAttempts, name, err)
	}
	logger.Warnf("Backend %s still has no tool catalog after %d deferred fetches", name, toolRetryAttempts)
}

// Stop disconnects a backend. Stopping a stopped backend is a no-op. For
// local backends this terminates the child process tree.
func (r *Registry) Stop(name string) error {
	b, err := r.backend(name)
	if err != nil {
		return err
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return nil
	}
	client, cancel := b.detachLocked()
	b.state = StateStopped
	b.lastErr = nil
	b.mu.Unlock()
	release(client, cancel)

	logger.Infof("Backend %s stopped", name)
	return nil
}

// Restart stops and starts a backend.
func (r *Registry) Restart(ctx context.Context, name string) error {
	if err := r.Stop(name); err != nil {
		return err
	}
	return r.Start(ctx, name)
}

// Verify re-fetches the tool catalog of a live backend and notifies
// subscribers on success. A failed fetch records the error without
// demoting the backend.
func (r *Registry) Verify(ctx context.Context, name string) error {
	b, err := r.backend(name)
	if err != nil {
		return err
	}

	b.opMu.Lock()
	b.mu.Lock()
	if !b.state.Live() || b.client == nil {
		state := b.state
		b.mu.Unlock()
		b.opMu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, name, state)
	}
	client := b.client
	b.mu.Unlock()

	err = r.fetchTools(ctx, b, client)
	if err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
	b.opMu.Unlock()

	if err == nil {
		r.notifyVerified(name)
	}
	return err
}

// Tools returns a copy of the backend's tool catalog. Before the backend
// is Verified this fails with ErrNotVerified.
func (r *Registry) Tools(name string) ([]mcp.Tool, error) {
	b, err := r.backend(name)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateVerified {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotVerified, name, b.state)
	}
	return slices.Clone(b.tools), nil
}

// Handshake returns a copy of what the backend negotiated during
// initialize.
func (r *Registry) Handshake(name string) (*types.HandshakeResult, error) {
	b, err := r.backend(name)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Live() || b.handshake == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, name, b.state)
	}
	hs := *b.handshake
	hs.Capabilities = maps.Clone(hs.Capabilities)
	return &hs, nil
}

// Call forwards a JSON-RPC request to a live backend. Tool methods
// called before the backend is Verified fail with ErrNotVerified.
func (r *Registry) Call(ctx context.Context, name, method string, params json.RawMessage) (json.RawMessage, error) {
	client, err := r.liveClient(name, method)
	if err != nil {
		return nil, err
	}
	return client.Call(ctx, method, params)
}

// Notify forwards a JSON-RPC notification to a live backend.
func (r *Registry) Notify(ctx context.Context, name, method string, params json.RawMessage) error {
	client, err := r.liveClient(name, method)
	if err != nil {
		return err
	}
	return client.Notify(ctx, method, params)
}

// liveClient hands out the backend's client for one call. The call
// itself runs outside the backend's locks so that long-running requests
// do not block lifecycle transitions; a concurrent stop surfaces as a
// transport error on the in-flight call.
func (r *Registry) liveClient(name, method string) (types.Client, error) {
	b, err := r.backend(name)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Live() || b.client == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, name, b.state)
	}
	if strings.HasPrefix(method, "tools/") && b.state != StateVerified {
		return nil, fmt.Errorf("%w: %s", ErrNotVerified, name)
	}
	return b.client, nil
}

// Subscribe registers a callback invoked with the backend name after
// every successful verification. The returned function removes the
// subscription.
func (r *Registry) Subscribe(fn func(backend string)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subscribers, id)
	}
}

func (r *Registry) notifyVerified(name string) {
	r.subMu.Lock()
	fns := make([]func(string), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	for _, fn := range fns {
		fn(name)
	}
}

// OnMessage registers a sink for server-initiated messages from the
// named backend. The returned function removes the sink.
func (r *Registry) OnMessage(name string, sink func(jsonrpc2.Message)) func() {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	id := r.nextSinkID
	r.nextSinkID++
	if r.sinks[name] == nil {
		r.sinks[name] = make(map[uint64]func(jsonrpc2.Message))
	}
	r.sinks[name][id] = sink
	return func() {
		r.sinkMu.Lock()
		defer r.sinkMu.Unlock()
		delete(r.sinks[name], id)
	}
}

func (r *Registry) dispatchMessage(name string, msg jsonrpc2.Message) {
	r.sinkMu.Lock()
	sinks := make([]func(jsonrpc2.Message), 0, len(r.sinks[name]))
	for _, sink := range r.sinks[name] {
		sinks = append(sinks, sink)
	}
	r.sinkMu.Unlock()
	for _, sink := range sinks {
		sink(msg)
	}
}

func (r *Registry) dropSinks(name string) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	delete(r.sinks, name)
}

// pump drains server-initiated messages from one connection and fans
// them out to registered sinks. A closed channel means the peer went
// away; the backend is flipped to Error unless it was deliberately
// stopped or restarted in the meantime.
func (r *Registry) pump(ctx context.Context, b *backend, gen uint64, ch <-chan jsonrpc2.Message) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				r.peerClosed(b, gen)
				return
			}
			r.dispatchMessage(b.name, msg)
		}
	}
}

func (r *Registry) peerClosed(b *backend, gen uint64) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.mu.Lock()
	if b.gen != gen || !b.state.Live() {
		b.mu.Unlock()
		return
	}
	client, cancel := b.detachLocked()
	b.state = StateError
	b.lastErr = terrors.ErrPeerClosed
	b.mu.Unlock()
	release(client, cancel)

	logger.Warnf("Backend %s connection closed unexpectedly", b.name)
}

// Close stops every backend. Used during gateway shutdown.
func (r *Registry) Close() {
	for _, name := range r.List() {
		if err := r.Stop(name); err != nil {
			logger.Warnf("Stopping backend %s during shutdown: %v", name, err)
		}
	}
}

func (r *Registry) backend(name string) (*backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return b, nil
}
