package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/process"
	"github.com/stacklok/mcphub/pkg/transport/errors"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// notifyBufferSize is the capacity of the server-initiated message channel.
// Messages beyond this are dropped rather than blocking the read loop.
const notifyBufferSize = 100

// StdioClient speaks MCP to a child process over newline-delimited JSON-RPC
// on stdin/stdout. It is the gateway's client side of the connection:
// requests are correlated to responses by id, and everything the server
// initiates is delivered on the subscribe channel.
type StdioClient struct {
	cfg types.Config

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	procCancel context.CancelFunc

	// writeMu serializes stdin writes so frames never interleave.
	writeMu sync.Mutex

	// mu protects pending.
	mu      sync.Mutex
	pending map[jsonrpc2.ID]chan stdioResult

	notifyCh chan jsonrpc2.Message

	nextID atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	doneErr   error

	readers sync.WaitGroup
}

// stdioResult is what the read loop delivers to a waiting call.
type stdioResult struct {
	result json.RawMessage
	err    *errors.RPCError
}

// NewStdioClient spawns the configured command and begins reading its stdout.
// The child inherits the gateway's environment with the configured variables
// appended.
func NewStdioClient(cfg types.Config) (*StdioClient, error) {
	if cfg.Command == "" {
		return nil, errors.NewTransportError(errors.ErrConnectFailed, cfg.Backend, "no command configured")
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		procCancel()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		procCancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		procCancel()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		procCancel()
		return nil, errors.NewTransportError(errors.ErrConnectFailed, cfg.Backend, err.Error())
	}
	logger.Debugf("Started backend %s process %q (pid %d)", cfg.Backend, cfg.Command, cmd.Process.Pid)

	c := &StdioClient{
		cfg:        cfg,
		cmd:        cmd,
		stdin:      stdin,
		procCancel: procCancel,
		pending:    make(map[jsonrpc2.ID]chan stdioResult),
		notifyCh:   make(chan jsonrpc2.Message, notifyBufferSize),
		done:       make(chan struct{}),
	}

	c.readers.Add(2)
	go c.readLoop(stdout)
	go c.relayStderr(stderr)
	go c.reap()

	return c, nil
}

// reap waits for the pipe readers to finish, collects the child's exit status
// and releases everyone still waiting on a response.
func (c *StdioClient) reap() {
	c.readers.Wait()
	err := c.cmd.Wait()
	if err != nil && !c.closed.Load() {
		logger.Warnf("Backend %s process exited: %v", c.cfg.Backend, err)
	}
	c.terminate(errors.ErrPeerClosed)
	close(c.notifyCh)
}

// terminate marks the client dead. Waiters see done closed and report reason.
func (c *StdioClient) terminate(reason error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.doneErr = reason
		close(c.done)
	})
}

// Handshake performs the initialize exchange and confirms it with the
// initialized notification.
func (c *StdioClient) Handshake(
	ctx context.Context, info types.ClientInfo, protocolVersion string,
) (*types.HandshakeResult, error) {
	params, err := json.Marshal(struct {
		ProtocolVersion string           `json:"protocolVersion"`
		Capabilities    map[string]any   `json:"capabilities"`
		ClientInfo      types.ClientInfo `json:"clientInfo"`
	}{protocolVersion, map[string]any{}, info})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	hs, err := types.HandshakeFromRaw(raw)
	if err != nil {
		return nil, errors.NewTransportError(errors.ErrProtocolError, c.cfg.Backend, err.Error())
	}

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, err
	}
	return hs, nil
}

// ListTools fetches the backend's tool catalog.
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.Call(ctx, "tools/list", json.RawMessage("{}"))
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewTransportError(errors.ErrProtocolError, c.cfg.Backend, err.Error())
	}
	return out.Tools, nil
}

// Call sends a request and waits for the matching response.
func (c *StdioClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, errors.NewTransportError(errors.ErrTransportClosed, c.cfg.Backend, method)
	}

	id := jsonrpc2.Int64ID(c.nextID.Add(1))
	req, err := jsonrpc2.NewCall(id, method, rawParams(params))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}

	respCh := make(chan stdioResult, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case res := <-respCh:
		if res.err != nil {
			return nil, errors.NewTransportError(res.err, c.cfg.Backend, method)
		}
		return res.result, nil
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.NewTransportError(errors.ErrTimeout, c.cfg.Backend, method)
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.NewTransportError(c.doneErr, c.cfg.Backend, method)
	}
}

// Notify sends a fire-and-forget notification.
func (c *StdioClient) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.NewTransportError(errors.ErrTransportClosed, c.cfg.Backend, method)
	}
	notif, err := jsonrpc2.NewNotification(method, rawParams(params))
	if err != nil {
		return fmt.Errorf("failed to build %s notification: %w", method, err)
	}
	return c.send(notif)
}

// Subscribe returns the stream of server-initiated messages. The channel is
// closed when the process exits.
func (c *StdioClient) Subscribe() <-chan jsonrpc2.Message {
	return c.notifyCh
}

// Close terminates the whole child process tree: children first with a
// bounded grace period, then the parent. Close is idempotent.
func (c *StdioClient) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.terminate(errors.ErrTransportClosed)

	_ = c.stdin.Close()
	var err error
	if c.cmd.Process != nil {
		err = process.KillTree(c.cmd.Process.Pid, process.DefaultKillGrace)
	}
	// Backstop: CommandContext delivers SIGKILL if anything survived.
	c.procCancel()
	return err
}

// send writes one newline-terminated frame to the child's stdin.
func (c *StdioClient) send(msg jsonrpc2.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON-RPC message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return errors.NewTransportError(errors.ErrPeerClosed, c.cfg.Backend, err.Error())
	}
	return nil
}

// readLoop reads the child's stdout and processes JSON-RPC messages.
func (c *StdioClient) readLoop(stdout io.Reader) {
	defer c.readers.Done()

	// Accumulate data and process complete lines
	var buffer bytes.Buffer
	readBuffer := make([]byte, 4096)

	for {
		n, err := stdout.Read(readBuffer)
		if n > 0 {
			buffer.Write(readBuffer[:n])
			c.processBuffer(&buffer)
		}
		if err != nil {
			if err != io.EOF && !stderrors.Is(err, os.ErrClosed) && !c.closed.Load() {
				logger.Debugf("Backend %s stdout read error: %v", c.cfg.Backend, err)
			}
			return
		}
	}
}

// processBuffer processes the accumulated data in the buffer.
func (c *StdioClient) processBuffer(buffer *bytes.Buffer) {
	for {
		line, err := buffer.ReadString('\n')
		if err == io.EOF {
			// No complete line yet, put the data back in the buffer
			buffer.WriteString(line)
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			c.dispatchLine(line)
		}
	}
}

// dispatchLine parses one stdout line and routes it to the waiting call or
// the subscribe channel. Non-JSON lines are treated as stray server output.
func (c *StdioClient) dispatchLine(line string) {
	jsonData := line
	if hasBinaryData(line) {
		jsonData = sanitizeJSONString(line)
	}

	msg, err := jsonrpc2.DecodeMessage([]byte(jsonData))
	if err != nil {
		logger.Debugf("Backend %s wrote a non JSON-RPC line: %s", c.cfg.Backend, line)
		return
	}

	resp, ok := msg.(*jsonrpc2.Response)
	if !ok {
		// Server-initiated request or notification
		c.forward(msg)
		return
	}

	c.mu.Lock()
	ch, waiting := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()

	if !waiting {
		// A response nobody asked for still belongs to the subscriber
		c.forward(msg)
		return
	}

	res := stdioResult{result: resp.Result}
	if resp.Error != nil {
		res.err = rpcErrorFromRaw([]byte(jsonData), resp.Error)
	}
	ch <- res
}

// forward hands a server-initiated message to the subscriber without ever
// blocking the read loop.
func (c *StdioClient) forward(msg jsonrpc2.Message) {
	select {
	case c.notifyCh <- msg:
	default:
		logger.Warnf("Backend %s notification dropped: subscriber queue full", c.cfg.Backend)
	}
}

// relayStderr logs the child's stderr line by line.
func (c *StdioClient) relayStderr(stderr io.Reader) {
	defer c.readers.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			logger.Debugf("Backend %s stderr: %s", c.cfg.Backend, line)
		}
	}
}

// rawParams converts an optional raw params payload into the form the
// jsonrpc2 constructors expect: a nil interface when there are no params.
func rawParams(params json.RawMessage) any {
	if len(params) == 0 {
		return nil
	}
	return params
}

// rpcErrorFromRaw builds an RPCError from the raw response frame so code and
// data survive verbatim. The decoded error is the fallback for the message.
func rpcErrorFromRaw(raw []byte, decoded error) *errors.RPCError {
	rpcErr := &errors.RPCError{Code: -32603, Message: decoded.Error()}
	if obj := gjson.GetBytes(raw, "error"); obj.Exists() {
		if code := obj.Get("code"); code.Exists() {
			rpcErr.Code = code.Int()
		}
		if msg := obj.Get("message"); msg.Exists() {
			rpcErr.Message = msg.String()
		}
		if data := obj.Get("data"); data.Exists() {
			rpcErr.Data = json.RawMessage(data.Raw)
		}
	}
	return rpcErr
}

// hasBinaryData reports whether the line contains control characters that
// would break JSON parsing.
func hasBinaryData(line string) bool {
	for _, c := range line {
		if c < 32 && c != '\t' && c != '\r' && c != '\n' {
			return true
		}
	}
	return false
}

// sanitizeJSONString strips surrounding noise and keeps the first JSON object
func sanitizeJSONString(input string) string {
	// Find the first opening brace
	startIdx := strings.Index(input, "{")
	if startIdx == -1 {
		return input // No JSON object found
	}

	// Find the last closing brace
	endIdx := strings.LastIndex(input, "}")
	if endIdx == -1 || endIdx < startIdx {
		return input // No valid JSON object found
	}

	return input[startIdx : endIdx+1]
}
