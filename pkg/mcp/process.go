package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jg-phare/mcpbridge/pkg/config"
)

const (
	// shutdownTimeout bounds the best-effort shutdown RPC during Stop.
	shutdownTimeout = 2 * time.Second
	// stopGrace is how long Stop waits for the process to exit on its own
	// after the write side is closed, before killing it.
	stopGrace = 5 * time.Second
	// stderrTailLines is how many trailing stderr lines are kept to explain
	// an unexpected exit.
	stderrTailLines = 5
)

// ProcessClient talks to an MCP server spawned as a child process, framing
// JSON-RPC over its stdin/stdout.
type ProcessClient struct {
	cfg            config.ServerConfig
	logger         *slog.Logger
	onNotification NotificationHandler

	nextID atomic.Int64

	writeMu sync.Mutex // serializes writes to stdin
	stdin   io.WriteCloser

	mu         sync.Mutex
	state      ServerState
	reason     string
	pending    map[int64]chan Response
	stopping   bool
	cmd        *exec.Cmd
	pid        int
	done       chan struct{} // closed when the read loop exits
	exited     chan struct{} // closed when the process has been reaped
	stderrTail []string
}

func newProcessClient(cfg config.ServerConfig, onNotification NotificationHandler, logger *slog.Logger) *ProcessClient {
	return &ProcessClient{
		cfg:            cfg,
		logger:         logger,
		onNotification: onNotification,
		state:          StateInactive,
	}
}

// Start spawns the configured command, wires the framed readers, and runs
// the initialize handshake. The client is ready only once the handshake
// completes.
func (c *ProcessClient) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return c.failStart(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return c.failStart(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return c.failStart(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return c.failStart(fmt.Errorf("spawn %q: %w", c.cfg.Command, err))
	}

	c.mu.Lock()
	c.cmd = cmd
	c.pid = cmd.Process.Pid
	c.stdin = stdin
	c.pending = make(map[int64]chan Response)
	c.stopping = false
	c.stderrTail = nil
	c.done = make(chan struct{})
	c.exited = make(chan struct{})
	c.state = StateStarting
	c.reason = ""
	c.mu.Unlock()

	exited := c.exited
	go func() {
		cmd.Wait()
		close(exited)
	}()
	go c.drainStderr(stderr)
	go c.readLoop(newFrameDecoder(stdout))

	if err := c.handshake(ctx); err != nil {
		c.setError(err.Error())
		c.terminate()
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.reason = ""
	c.mu.Unlock()
	c.logger.Info("server ready", "transport", config.TransportStdio, "pid", c.pid)
	return nil
}

func (c *ProcessClient) handshake(ctx context.Context) error {
	result, err := c.Request(ctx, MethodInitialize, initializeParams(), nil)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	return nil
}

// Stop shuts the server down: best-effort shutdown RPC, exit notification,
// close stdin, then kill if the process outlives the grace window. Pending
// requests are rejected when the read loop exits.
func (c *ProcessClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd == nil {
		c.state = StateInactive
		c.reason = ""
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	cmd := c.cmd
	done := c.done
	exited := c.exited
	c.mu.Unlock()

	// Best-effort graceful shutdown; failures are expected from servers that
	// never implemented the method.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	_, _ = c.Request(shutdownCtx, MethodShutdown, nil, &RequestOptions{Timeout: shutdownTimeout})
	cancel()
	_ = c.Notify(ctx, MethodExit, nil)

	c.writeMu.Lock()
	c.stdin.Close()
	c.writeMu.Unlock()

	select {
	case <-exited:
	case <-time.After(stopGrace):
		c.logger.Warn("process did not exit within grace window, killing", "pid", c.pid)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}
	<-done

	c.mu.Lock()
	c.cmd = nil
	c.state = StateInactive
	c.reason = ""
	c.mu.Unlock()
	return nil
}

// Request allocates a fresh id, writes a framed request, and waits for
// whichever comes first: the matching response, the per-request timeout,
// caller cancellation, or transport death. All later outcomes for the id are
// no-ops.
func (c *ProcessClient) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("server %q not started", c.cfg.Name)
	}
	done := c.done
	id := c.nextID.Add(1)
	ch := make(chan Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	_, werr := c.stdin.Write(encodeFrame(data))
	c.writeMu.Unlock()
	if werr != nil {
		c.removePending(id)
		return nil, fmt.Errorf("write request: %w", werr)
	}

	timeout := c.cfg.Timeout()
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("timed out waiting for response to %q after %s", method, timeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-done:
		c.removePending(id)
		return nil, fmt.Errorf("%s: %s", method, c.failureReason())
	}
}

// Notify writes a one-way notification. No id is allocated and no response
// is awaited.
func (c *ProcessClient) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return fmt.Errorf("server %q not started", c.cfg.Name)
	}
	c.mu.Unlock()

	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(encodeFrame(data)); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Status returns a fresh snapshot of the connection state.
func (c *ProcessClient) Status() ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ServerStatus{
		Name:      c.cfg.Name,
		Transport: config.TransportStdio,
		State:     c.state,
		Reason:    c.reason,
	}
	if c.cmd != nil {
		st.PID = c.pid
	}
	return st
}

// readLoop dispatches decoded messages: responses to their pending waiters,
// notifications to the subscriber. It exits on stream end or a fatal framing
// error, which rejects everything still pending.
func (c *ProcessClient) readLoop(dec *frameDecoder) {
	var fatal error
	for {
		frame, err := dec.Next()
		if err != nil {
			// EOF (and the pipe close that races with process reaping) is an
			// exit, not a framing failure.
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
				fatal = err
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			// Stray non-JSON output on stdout; skip it.
			continue
		}

		if msg.IsNotification() {
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
			continue
		}
		if msg.Method != "" {
			// Server-initiated request. Bidirectional RPC is unsupported;
			// never let its id collide with our pending map.
			c.logger.Debug("ignoring server-initiated request", "method", msg.Method)
			continue
		}
		if msg.ID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg.Response()
		}
		// A response for an id nobody is waiting on (timed out, cancelled)
		// is dropped silently.
	}

	c.mu.Lock()
	if !c.stopping {
		c.state = StateError
		if fatal != nil {
			c.reason = fmt.Sprintf("transport failure: %v", fatal)
		} else {
			c.reason = c.exitReasonLocked()
		}
	}
	kill := fatal != nil && c.cmd != nil && c.cmd.Process != nil
	cmd := c.cmd
	done := c.done
	c.mu.Unlock()

	if kill {
		// The stream cannot recover from a framing violation.
		_ = cmd.Process.Kill()
	}
	close(done)
}

func (c *ProcessClient) exitReasonLocked() string {
	reason := "process exited unexpectedly"
	if len(c.stderrTail) > 0 {
		reason += ": " + strings.Join(c.stderrTail, "; ")
	}
	return reason
}

func (c *ProcessClient) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.logger.Debug("server stderr", "line", line)
		c.mu.Lock()
		c.stderrTail = append(c.stderrTail, line)
		if len(c.stderrTail) > stderrTailLines {
			c.stderrTail = c.stderrTail[1:]
		}
		c.mu.Unlock()
	}
}

func (c *ProcessClient) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *ProcessClient) failureReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return "server stopped"
	}
	if c.reason != "" {
		return c.reason
	}
	return "transport closed"
}

func (c *ProcessClient) failStart(err error) error {
	c.setError(err.Error())
	return err
}

func (c *ProcessClient) setError(reason string) {
	c.mu.Lock()
	c.state = StateError
	c.reason = reason
	c.mu.Unlock()
}

// terminate force-stops the process after a failed handshake, preserving the
// error state recorded by the caller.
func (c *ProcessClient) terminate() {
	c.mu.Lock()
	c.stopping = true
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()
	if cmd == nil {
		return
	}

	c.writeMu.Lock()
	c.stdin.Close()
	c.writeMu.Unlock()

	select {
	case <-exited:
	case <-time.After(stopGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}

	c.mu.Lock()
	c.cmd = nil
	c.stopping = false
	c.mu.Unlock()
}
