package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

const (
	// handshakeTimeout bounds a background redial's initialize exchange.
	handshakeTimeout = 30 * time.Second

	// reconnectInitialInterval and reconnectMaxInterval shape the redial
	// backoff after a lost event stream.
	reconnectInitialInterval = 1 * time.Second
	reconnectMaxInterval     = 30 * time.Second
)

// remoteClient adapts a mark3labs/mcp-go client to the types.Client interface.
// It backs both the SSE and the streamable HTTP transports; the constructor
// supplies the SDK client factory and the candidate endpoints to probe.
type remoteClient struct {
	cfg    types.Config
	urls   []string
	newCli func(url string) (*mcpclient.Client, error)

	// reconnect enables the redial loop on a lost event stream. Only the
	// SSE transport holds a long-lived stream worth repairing.
	reconnect    bool
	reconnecting atomic.Bool

	mu          sync.Mutex
	cli         *mcpclient.Client
	initInfo    types.ClientInfo
	initVersion string

	notifyCh chan jsonrpc2.Message

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	closeOnce  sync.Once
	closed     atomic.Bool
	done       chan struct{}
}

func newRemoteClient(
	cfg types.Config, urls []string, reconnect bool,
	newCli func(url string) (*mcpclient.Client, error),
) *remoteClient {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &remoteClient{
		cfg:        cfg,
		urls:       urls,
		newCli:     newCli,
		reconnect:  reconnect,
		notifyCh:   make(chan jsonrpc2.Message, notifyBufferSize),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		done:       make(chan struct{}),
	}
}

// Handshake tries the candidate endpoints in order and keeps the first one
// that completes initialize. Errors from earlier endpoints surface only when
// every candidate fails.
func (c *remoteClient) Handshake(
	ctx context.Context, info types.ClientInfo, protocolVersion string,
) (*types.HandshakeResult, error) {
	if c.closed.Load() {
		return nil, errors.NewTransportError(errors.ErrTransportClosed, c.cfg.Backend, "handshake")
	}

	var lastErr error
	for i, url := range c.urls {
		cli, hs, err := c.dial(ctx, url, info, protocolVersion)
		if err != nil {
			lastErr = err
			logger.Debugf("Backend %s handshake failed at %s: %v", c.cfg.Backend, url, err)
			continue
		}
		if i > 0 {
			logger.Infof("Backend %s answered on fallback endpoint %s", c.cfg.Backend, url)
		}

		c.mu.Lock()
		old := c.cli
		c.cli = cli
		c.initInfo = info
		c.initVersion = protocolVersion
		c.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		return hs, nil
	}
	return nil, lastErr
}

// dial builds a fresh SDK client for one endpoint and runs the initialize
// exchange over it. The SDK sends notifications/initialized itself.
func (c *remoteClient) dial(
	ctx context.Context, url string, info types.ClientInfo, protocolVersion string,
) (*mcpclient.Client, *types.HandshakeResult, error) {
	cli, err := c.newCli(url)
	if err != nil {
		return nil, nil, errors.NewTransportError(errors.ErrConnectFailed, c.cfg.Backend, err.Error())
	}
	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, nil, wrapRemoteError(err, c.cfg.Backend, "start transport")
	}

	// Hooks go in before initialize so no early notification is lost.
	c.hook(cli)

	result, err := cli.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    info.Name,
				Version: info.Version,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = cli.Close()
		return nil, nil, wrapRemoteError(err, c.cfg.Backend, "initialize")
	}

	raw, err := json.Marshal(result)
	if err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("failed to marshal initialize result: %w", err)
	}
	hs, err := types.HandshakeFromRaw(raw)
	if err != nil {
		_ = cli.Close()
		return nil, nil, errors.NewTransportError(errors.ErrProtocolError, c.cfg.Backend, err.Error())
	}
	return cli, hs, nil
}

// hook wires server-initiated traffic and stream-loss handling into a freshly
// dialed SDK client.
func (c *remoteClient) hook(cli *mcpclient.Client) {
	cli.OnNotification(func(n mcp.JSONRPCNotification) {
		params, err := json.Marshal(n.Params)
		if err != nil {
			logger.Debugf("Backend %s notification %s dropped: %v", c.cfg.Backend, n.Method, err)
			return
		}
		msg, err := jsonrpc2.NewNotification(n.Method, json.RawMessage(params))
		if err != nil {
			return
		}
		c.forward(msg)
	})

	if c.reconnect {
		cli.OnConnectionLost(func(err error) {
			if c.closed.Load() {
				return
			}
			logger.Warnf("Backend %s connection lost: %v", c.cfg.Backend, err)
			go c.reconnectLoop()
		})
	}
}

// reconnectLoop redials the backend with exponential backoff until it
// succeeds or the client is closed. Only one loop runs at a time.
func (c *remoteClient) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = reconnectInitialInterval
	expBackoff.MaxInterval = reconnectMaxInterval
	expBackoff.RandomizationFactor = 0.2

	operation := func() (struct{}, error) {
		if c.closed.Load() {
			return struct{}{}, backoff.Permanent(errors.ErrTransportClosed)
		}
		return struct{}{}, c.redial()
	}

	if _, err := backoff.Retry(c.lifeCtx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Backend %s redial failed, retrying in %v: %v", c.cfg.Backend, duration, err)
		}),
	); err != nil {
		if !c.closed.Load() {
			logger.Errorf("Backend %s redial abandoned: %v", c.cfg.Backend, err)
		}
		return
	}
	logger.Infof("Backend %s reconnected", c.cfg.Backend)
}

// redial re-runs the endpoint probe with the parameters from the last
// successful handshake.
func (c *remoteClient) redial() error {
	c.mu.Lock()
	info, version := c.initInfo, c.initVersion
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.lifeCtx, handshakeTimeout)
	defer cancel()
	_, err := c.Handshake(ctx, info, version)
	return err
}

// ListTools fetches the backend's tool catalog.
func (c *remoteClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapRemoteError(err, c.cfg.Backend, "tools/list")
	}
	return result.Tools, nil
}

// Call dispatches a raw JSON-RPC request onto the typed SDK surface and
// re-marshals the result. Methods outside the MCP set are rejected.
func (c *remoteClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}

	switch method {
	case "tools/list":
		result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
		return c.marshalResult(result, method, err)

	case "tools/call":
		var p mcp.CallToolParams
		if err := c.parseParams(params, &p, method); err != nil {
			return nil, err
		}
		result, err := cli.CallTool(ctx, mcp.CallToolRequest{Params: p})
		return c.marshalResult(result, method, err)

	case "resources/list":
		result, err := cli.ListResources(ctx, mcp.ListResourcesRequest{})
		return c.marshalResult(result, method, err)

	case "resources/templates/list":
		result, err := cli.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
		return c.marshalResult(result, method, err)

	case "resources/read":
		var p mcp.ReadResourceParams
		if err := c.parseParams(params, &p, method); err != nil {
			return nil, err
		}
		result, err := cli.ReadResource(ctx, mcp.ReadResourceRequest{Params: p})
		return c.marshalResult(result, method, err)

	case "prompts/list":
		result, err := cli.ListPrompts(ctx, mcp.ListPromptsRequest{})
		return c.marshalResult(result, method, err)

	case "prompts/get":
		var p mcp.GetPromptParams
		if err := c.parseParams(params, &p, method); err != nil {
			return nil, err
		}
		result, err := cli.GetPrompt(ctx, mcp.GetPromptRequest{Params: p})
		return c.marshalResult(result, method, err)

	case "ping":
		if err := cli.Ping(ctx); err != nil {
			return nil, wrapRemoteError(err, c.cfg.Backend, method)
		}
		return json.RawMessage("{}"), nil

	default:
		return nil, errors.NewTransportError(errors.ErrMethodNotSupported, c.cfg.Backend, method)
	}
}

// Notify accepts the initialized confirmation, which the SDK already sent
// during initialize. Other notifications have no SDK surface.
func (c *remoteClient) Notify(_ context.Context, method string, _ json.RawMessage) error {
	if method == "notifications/initialized" {
		return nil
	}
	return errors.NewTransportError(errors.ErrMethodNotSupported, c.cfg.Backend, method)
}

// Subscribe returns the stream of server-initiated messages.
func (c *remoteClient) Subscribe() <-chan jsonrpc2.Message {
	return c.notifyCh
}

// Close tears down the SDK client and stops any redial loop. Idempotent.
func (c *remoteClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.lifeCancel()
		close(c.done)

		c.mu.Lock()
		cli := c.cli
		c.cli = nil
		c.mu.Unlock()
		if cli != nil {
			err = cli.Close()
		}
	})
	return err
}

func (c *remoteClient) client() (*mcpclient.Client, error) {
	if c.closed.Load() {
		return nil, errors.NewTransportError(errors.ErrTransportClosed, c.cfg.Backend, "")
	}
	c.mu.Lock()
	cli := c.cli
	c.mu.Unlock()
	if cli == nil {
		return nil, errors.NewTransportError(errors.ErrConnectFailed, c.cfg.Backend, "not connected")
	}
	return cli, nil
}

func (c *remoteClient) parseParams(params json.RawMessage, into any, method string) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return errors.NewTransportError(errors.ErrProtocolError, c.cfg.Backend,
			fmt.Sprintf("invalid %s params: %v", method, err))
	}
	return nil
}

func (c *remoteClient) marshalResult(result any, method string, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, wrapRemoteError(err, c.cfg.Backend, method)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s result: %w", method, err)
	}
	return raw, nil
}

// forward hands a server-initiated message to the subscriber without
// blocking the SDK's notification callback.
func (c *remoteClient) forward(msg jsonrpc2.Message) {
	select {
	case <-c.done:
	case c.notifyCh <- msg:
	default:
		logger.Warnf("Backend %s notification dropped: subscriber queue full", c.cfg.Backend)
	}
}

// statusPattern matches the HTTP status embedded in SDK transport errors.
var statusPattern = regexp.MustCompile(`status(?: code)?:? (\d{3})`)

// wrapRemoteError maps SDK and network failures onto the transport error
// taxonomy. Detection is type-based first, string-based as a fallback.
func wrapRemoteError(err error, backend, operation string) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTransportError(errors.ErrTimeout, backend, operation)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTransportError(errors.ErrTimeout, backend, operation)
	}

	if status := httpStatusFromError(err); status >= 400 {
		terr := errors.NewTransportError(errors.ErrPeerError, backend, err.Error())
		terr.Status = status
		return terr
	}

	if isConnectionError(err) {
		return errors.NewTransportError(errors.ErrConnectFailed, backend, err.Error())
	}

	return errors.NewTransportError(errors.ErrPeerError, backend, err.Error())
}

// httpStatusFromError extracts an HTTP status from an SDK error message.
// Returns 0 when the message carries none.
func httpStatusFromError(err error) int {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	status, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0
	}
	return status
}

// isConnectionError reports whether the error looks like a failure to reach
// the peer at all.
func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"dial tcp",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
