package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcphub/pkg/compliance"
	"github.com/stacklok/mcphub/pkg/config"
	terrors "github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// fakeClient is an in-memory types.Client for exercising the registry
// without spawning real transports.
type fakeClient struct {
	mu        sync.Mutex
	revisions []string
	calls     []string
	notified  []string
	closed    bool

	handshakeErr map[string]error
	serverRaw    string
	listErr      error
	tools        []mcp.Tool
	callResult   json.RawMessage
	callErr      error
	msgCh        chan jsonrpc2.Message
}

func newFakeClient() *fakeClient {
	return &fakeClient{msgCh: make(chan jsonrpc2.Message, 4)}
}

func (f *fakeClient) Handshake(_ context.Context, _ types.ClientInfo, protocolVersion string) (*types.HandshakeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions = append(f.revisions, protocolVersion)
	if err := f.handshakeErr[protocolVersion]; err != nil {
		return nil, err
	}
	raw := f.serverRaw
	if raw == "" {
		raw = fmt.Sprintf(`{"protocolVersion":%q,"capabilities":{"tools":{}},"serverInfo":{"name":"demo","version":"1.2.3"}}`, protocolVersion)
	}
	return types.HandshakeFromRaw(json.RawMessage(raw))
}

func (f *fakeClient) ListTools(_ context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) Call(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	return f.callResult, f.callErr
}

func (f *fakeClient) Notify(_ context.Context, method string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, method)
	return nil
}

func (f *fakeClient) Subscribe() <-chan jsonrpc2.Message { return f.msgCh }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) handshakeAttempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.revisions)
}

func (f *fakeClient) setListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeClient) callsMade() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeClient) notificationsSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.notified)
}

func stdioBackend(name string) config.BackendConfig {
	return config.BackendConfig{
		Name:      name,
		Transport: types.TransportTypeStdio,
		Command:   "demo-server",
	}
}

// newTestRegistry wires a registry to a factory that always hands out
// the given client and counts invocations.
func newTestRegistry(t *testing.T, client *fakeClient) (*Registry, *int) {
	t.Helper()
	dials := 0
	r := NewWithFactory(func(_ types.Config) (types.Client, error) {
		dials++
		return client, nil
	})
	t.Cleanup(r.Close)
	return r, &dials
}

func TestRegistryCreateUpdateDelete(t *testing.T) {
	t.Parallel()

	r := NewWithFactory(func(_ types.Config) (types.Client, error) {
		t.Fatal("no backend should be dialed")
		return nil, nil
	})

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.ErrorIs(t, r.Create(stdioBackend("alpha")), ErrBackendExists)
	require.ErrorIs(t, r.Create(config.BackendConfig{Name: "bad", Transport: types.TransportTypeStdio}), config.ErrInvalidConfig)

	require.ErrorIs(t, r.Update("ghost", stdioBackend("ghost")), ErrBackendNotFound)
	require.ErrorIs(t, r.Update("alpha", stdioBackend("renamed")), config.ErrInvalidConfig)

	updated := stdioBackend("alpha")
	updated.AutoStart = true
	require.NoError(t, r.Update("alpha", updated))
	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.True(t, snap.AutoStart)
	assert.Equal(t, StateStopped, snap.State)

	require.NoError(t, r.Delete("alpha"))
	require.ErrorIs(t, r.Delete("alpha"), ErrBackendNotFound)
	_, err = r.Snapshot("alpha")
	require.ErrorIs(t, err, ErrBackendNotFound)
}

func TestRegistryStartVerifiesBackend(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.tools = []mcp.Tool{
		{Name: "search", Description: "find things"},
		{Name: "fetch"},
	}
	r, dials := newTestRegistry(t, client)

	var notifiedMu sync.Mutex
	var notified []string
	r.Subscribe(func(backend string) {
		notifiedMu.Lock()
		defer notifiedMu.Unlock()
		notified = append(notified, backend)
	})

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))
	assert.Equal(t, 1, *dials)

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, snap.State)
	assert.Equal(t, compliance.RevisionPrimary, snap.ProtocolVersion)
	require.NotNil(t, snap.ServerInfo)
	assert.Equal(t, "demo", snap.ServerInfo.Name)
	assert.False(t, snap.StartedAt.IsZero())
	assert.Empty(t, snap.LastError)

	tools, err := r.Tools("alpha")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	// The schemaless tool is normalized on the way in.
	assert.Equal(t, "object", tools[1].InputSchema.Type)

	// Only the preferred revision should have been attempted.
	assert.Equal(t, []string{compliance.RevisionPrimary}, client.handshakeAttempts())

	notifiedMu.Lock()
	defer notifiedMu.Unlock()
	assert.Equal(t, []string{"alpha"}, notified)
}

func TestRegistryStartIsIdempotent(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r, dials := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))
	require.NoError(t, r.Start(context.Background(), "alpha"))
	assert.Equal(t, 1, *dials)
}

func TestRegistryStartFallsBackToPreviousRevision(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.handshakeErr = map[string]error{
		compliance.RevisionPrimary: terrors.ErrProtocolError,
	}
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, snap.State)
	assert.Equal(t, compliance.RevisionFallback, snap.ProtocolVersion)
	assert.Equal(t,
		[]string{compliance.RevisionPrimary, compliance.RevisionFallback},
		client.handshakeAttempts())
}

func TestRegistryStartAcceptsUnknownNegotiatedRevision(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.serverRaw = `{"protocolVersion":"2019-01-01","capabilities":{},"serverInfo":{"name":"old","version":"0.1"}}`
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, "2019-01-01", snap.ProtocolVersion)
}

func TestRegistryStartRepairsHandshakePayload(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.serverRaw = `{"capabilities":{"tools":null}}`
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, compliance.RevisionPrimary, snap.ProtocolVersion)
	require.NotNil(t, snap.ServerInfo)
	assert.Equal(t, "Unknown", snap.ServerInfo.Name)
	assert.Equal(t, "1.0.0", snap.ServerInfo.Version)
	assert.Contains(t, snap.Capabilities, "tools")
}

func TestRegistryStartHandshakeFailure(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.handshakeErr = map[string]error{
		compliance.RevisionPrimary:  terrors.ErrPeerClosed,
		compliance.RevisionFallback: terrors.ErrPeerClosed,
	}
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	err := r.Start(context.Background(), "alpha")
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, terrors.ErrPeerClosed)

	snap, snapErr := r.Snapshot("alpha")
	require.NoError(t, snapErr)
	assert.Equal(t, StateError, snap.State)
	assert.NotEmpty(t, snap.LastError)
	assert.True(t, client.isClosed())
}

func TestRegistryStartToolFetchFailureKeepsRunning(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.listErr = terrors.ErrTimeout
	client.tools = []mcp.Tool{{Name: "late"}}
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
	assert.NotEmpty(t, snap.LastError)

	_, err = r.Tools("alpha")
	require.ErrorIs(t, err, ErrNotVerified)

	// Once the backend has its tools ready, an explicit verification
	// promotes it.
	client.setListError(nil)
	require.NoError(t, r.Verify(context.Background(), "alpha"))

	snap, err = r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, snap.State)
	assert.Empty(t, snap.LastError)

	tools, err := r.Tools("alpha")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "late", tools[0].Name)
}

func TestRegistryStopTearsDown(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))
	require.NoError(t, r.Stop("alpha"))

	assert.True(t, client.isClosed())

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
	assert.True(t, snap.StartedAt.IsZero())
	assert.Empty(t, snap.Tools)

	_, err = r.Handshake("alpha")
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = r.Tools("alpha")
	require.ErrorIs(t, err, ErrNotVerified)

	// Stopping again is a no-op.
	require.NoError(t, r.Stop("alpha"))
}

func TestRegistryRestartDialsAgain(t *testing.T) {
	t.Parallel()

	var clientsMu sync.Mutex
	var clients []*fakeClient
	r := NewWithFactory(func(_ types.Config) (types.Client, error) {
		c := newFakeClient()
		clientsMu.Lock()
		clients = append(clients, c)
		clientsMu.Unlock()
		return c, nil
	})
	t.Cleanup(r.Close)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))
	require.NoError(t, r.Restart(context.Background(), "alpha"))

	clientsMu.Lock()
	defer clientsMu.Unlock()
	require.Len(t, clients, 2)
	assert.True(t, clients[0].isClosed())
	assert.False(t, clients[1].isClosed())

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateVerified, snap.State)
}

func TestRegistryUpdateStopsLiveBackend(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	require.NoError(t, r.Update("alpha", stdioBackend("alpha")))
	assert.True(t, client.isClosed())

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
}

func TestRegistryCallForwardsToClient(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.callResult = json.RawMessage(`{"content":[]}`)
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))

	// No connection yet.
	_, err := r.Call(context.Background(), "alpha", "ping", nil)
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, r.Start(context.Background(), "alpha"))

	out, err := r.Call(context.Background(), "alpha", "tools/call", json.RawMessage(`{"name":"search"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[]}`, string(out))

	require.NoError(t, r.Notify(context.Background(), "alpha", "notifications/progress", nil))
	assert.Equal(t, []string{"tools/call"}, client.callsMade())
	assert.Equal(t, []string{"notifications/progress"}, client.notificationsSent())

	_, err = r.Call(context.Background(), "ghost", "ping", nil)
	require.ErrorIs(t, err, ErrBackendNotFound)
}

func TestRegistryCallGatesToolMethodsOnVerified(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.listErr = terrors.ErrTimeout
	client.callResult = json.RawMessage(`{}`)
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	// Running but not Verified: tool methods are rejected, everything
	// else passes through.
	_, err := r.Call(context.Background(), "alpha", "tools/call", nil)
	require.ErrorIs(t, err, ErrNotVerified)

	_, err = r.Call(context.Background(), "alpha", "ping", nil)
	require.NoError(t, err)

	client.setListError(nil)
	require.NoError(t, r.Verify(context.Background(), "alpha"))

	_, err = r.Call(context.Background(), "alpha", "tools/call", nil)
	require.NoError(t, err)
}

func TestRegistryPeerDisconnectFlipsToError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	close(client.msgCh)

	require.Eventually(t, func() bool {
		snap, err := r.Snapshot("alpha")
		return err == nil && snap.State == StateError
	}, time.Second, 10*time.Millisecond)

	snap, err := r.Snapshot("alpha")
	require.NoError(t, err)
	assert.Contains(t, snap.LastError, "peer closed")
	assert.True(t, client.isClosed())
}

func TestRegistryOnMessageFanout(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r, _ := newTestRegistry(t, client)

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	got := make(chan jsonrpc2.Message, 1)
	remove := r.OnMessage("alpha", func(msg jsonrpc2.Message) {
		got <- msg
	})
	defer remove()

	notif, err := jsonrpc2.NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)
	client.msgCh <- notif

	select {
	case msg := <-got:
		req, ok := msg.(*jsonrpc2.Request)
		require.True(t, ok)
		assert.Equal(t, "notifications/tools/list_changed", req.Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded message")
	}
}

func TestRegistrySubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r, _ := newTestRegistry(t, client)

	var mu sync.Mutex
	count := 0
	unsub := r.Subscribe(func(string) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	require.NoError(t, r.Create(stdioBackend("alpha")))
	require.NoError(t, r.Start(context.Background(), "alpha"))

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	unsub()
	require.NoError(t, r.Verify(context.Background(), "alpha"))

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	t.Parallel()

	r := NewWithFactory(func(_ types.Config) (types.Client, error) {
		return newFakeClient(), nil
	})

	for _, name := range []string{"bravo", "alpha", "charlie"} {
		require.NoError(t, r.Create(stdioBackend(name)))
	}

	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
	names := make([]string, len(snaps))
	for i, snap := range snaps {
		names[i] = snap.Name
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, r.List())
}
