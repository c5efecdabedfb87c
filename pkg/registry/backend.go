package registry

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcphub/pkg/config"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// State describes where a backend is in its lifecycle.
type State string

const (
	// StateStopped means the backend has no transport connection.
	StateStopped State = "stopped"
	// StateStarting means a transport connection is being established.
	StateStarting State = "starting"
	// StateRunning means the handshake completed but the tool catalog is
	// not loaded yet.
	StateRunning State = "running"
	// StateVerified means the handshake completed and the tool catalog is
	// loaded.
	StateVerified State = "verified"
	// StateError means the last lifecycle transition failed.
	StateError State = "error"
)

// String returns the string representation of the state.
func (s State) String() string { return string(s) }

// Live reports whether the backend holds a usable transport connection.
func (s State) Live() bool { return s == StateRunning || s == StateVerified }

// Snapshot is an immutable view of one backend. Slices and maps are
// copies, so callers may hold a snapshot without further locking.
type Snapshot struct {
	Name            string              `json:"name"`
	Transport       types.TransportType `json:"transport"`
	State           State               `json:"state"`
	LastError       string              `json:"last_error,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	ProtocolVersion string              `json:"protocol_version,omitempty"`
	ServerInfo      *types.ServerInfo   `json:"server_info,omitempty"`
	Instructions    string              `json:"instructions,omitempty"`
	Capabilities    map[string]any      `json:"capabilities,omitempty"`
	Tools           []mcp.Tool          `json:"tools,omitempty"`
	AutoStart       bool                `json:"auto_start,omitempty"`
}

// backend is one managed MCP server.
type backend struct {
	// opMu serializes lifecycle transitions. It is held for the whole
	// transition, handshake included.
	opMu sync.Mutex

	// mu guards the fields below. It is never held across I/O, so
	// snapshots stay responsive while a transition is in flight.
	mu sync.Mutex

	name      string
	cfg       config.BackendConfig
	state     State
	lastErr   error
	startedAt time.Time

	// gen increments on every successful connection so that goroutines
	// spawned for an earlier connection cannot touch a later one.
	gen uint64

	client    types.Client
	handshake *types.HandshakeResult
	tools     []mcp.Tool

	// cancel tears down the goroutines tied to the current connection.
	cancel context.CancelFunc
}

func newBackend(cfg config.BackendConfig) *backend {
	return &backend{
		name:  cfg.Name,
		cfg:   cfg,
		state: StateStopped,
	}
}

// snapshotLocked builds an immutable view. Caller holds b.mu.
func (b *backend) snapshotLocked() Snapshot {
	snap := Snapshot{
		Name:      b.name,
		Transport: b.cfg.Transport,
		State:     b.state,
		StartedAt: b.startedAt,
		AutoStart: b.cfg.AutoStart,
		Tools:     slices.Clone(b.tools),
	}
	if b.lastErr != nil {
		snap.LastError = b.lastErr.Error()
	}
	if b.handshake != nil {
		snap.ProtocolVersion = b.handshake.ProtocolVersion
		info := b.handshake.ServerInfo
		snap.ServerInfo = &info
		snap.Instructions = b.handshake.Instructions
		snap.Capabilities = maps.Clone(b.handshake.Capabilities)
	}
	return snap
}

// fail records a transition failure.
func (b *backend) fail(err error) {
	b.mu.Lock()
	b.state = StateError
	b.lastErr = err
	b.mu.Unlock()
}

// detachLocked clears the connection fields and returns what has to be
// released outside the lock. Caller holds b.mu.
func (b *backend) detachLocked() (types.Client, context.CancelFunc) {
	client, cancel := b.client, b.cancel
	b.client = nil
	b.cancel = nil
	b.handshake = nil
	b.tools = nil
	b.startedAt = time.Time{}
	return client, cancel
}

// release tears down what detachLocked handed back. Closing the client
// terminates the child process tree for local backends.
func release(client types.Client, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Close()
	}
}
