package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jg-phare/mcpbridge/pkg/config"
)

// sessionHeader is the correlation header a streamable-HTTP server may
// return on initialize. Once captured it is replayed on every later request
// and on the teardown DELETE.
const sessionHeader = "Mcp-Session-Id"

// HTTPClient talks to an MCP server over streamable HTTP: one POST per RPC,
// with either a JSON body or an SSE stream coming back.
type HTTPClient struct {
	cfg            config.ServerConfig
	logger         *slog.Logger
	onNotification NotificationHandler
	client         *http.Client

	nextID atomic.Int64

	mu        sync.Mutex
	state     ServerState
	reason    string
	sessionID string
}

func newHTTPClient(cfg config.ServerConfig, onNotification NotificationHandler, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:            cfg,
		logger:         logger,
		onNotification: onNotification,
		client:         &http.Client{},
		state:          StateInactive,
	}
}

// Start performs the initialize handshake against the configured endpoint.
func (c *HTTPClient) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateStarting
	c.reason = ""
	c.sessionID = ""
	c.mu.Unlock()

	result, err := c.Request(ctx, MethodInitialize, initializeParams(), nil)
	if err != nil {
		err = fmt.Errorf("initialize: %w", err)
		c.setError(err.Error())
		return err
	}
	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		err = fmt.Errorf("parse initialize result: %w", err)
		c.setError(err.Error())
		return err
	}
	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		err = fmt.Errorf("send initialized: %w", err)
		c.setError(err.Error())
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Info("server ready", "transport", config.TransportHTTP, "url", c.cfg.URL)
	return nil
}

// Stop issues the teardown DELETE for the session, carrying the captured
// session header. Without a session id there is nothing to tear down.
// Failures are logged and swallowed: the server may already be gone.
func (c *HTTPClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.state = StateInactive
	c.reason = ""
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.URL, nil)
	if err != nil {
		return nil
	}
	c.applyHeaders(req, sessionID)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("session teardown failed", "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}

// Request sends one JSON-RPC request as an HTTP POST and returns the
// correlated result. An already-cancelled context short-circuits before any
// network I/O.
func (c *HTTPClient) Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	timeout := c.cfg.Timeout()
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := c.nextID.Add(1)
	resp, err := c.post(reqCtx, newRequest(id, method, params), id)
	if err != nil {
		// A deadline hit on our own timer is a timeout; anything the caller
		// cancelled stays a cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("timed out waiting for response to %q after %s", method, timeout)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, resp.Error)
	}
	return resp.Result, nil
}

// Notify sends a one-way notification; 2xx statuses with no body are normal.
func (c *HTTPClient) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := c.newPost(ctx, body)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d for notification %q", resp.StatusCode, method)
	}
	return nil
}

// Status returns a fresh snapshot of the connection state.
func (c *HTTPClient) Status() ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ServerStatus{
		Name:      c.cfg.Name,
		Transport: config.TransportHTTP,
		State:     c.state,
		Reason:    c.reason,
		URL:       c.cfg.URL,
	}
}

func (c *HTTPClient) post(ctx context.Context, rpcReq Request, id int64) (Response, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := c.newPost(ctx, body)
	if err != nil {
		return Response{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	// The session id shows up on the initialize response; keep whatever the
	// server most recently issued.
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return c.scanSSE(ctx, resp.Body, id)
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return rpcResp, nil
}

func (c *HTTPClient) newPost(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.applyHeaders(req, sessionID)
	return req, nil
}

func (c *HTTPClient) applyHeaders(req *http.Request, sessionID string) {
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
}

// scanSSE walks an event stream until the event answering our request id
// appears. Multi-line data payloads are reassembled by concatenation before
// parsing. Events carrying other ids belong to nobody on this connection and
// are skipped; notifications are handed to the subscriber.
func (c *HTTPClient) scanSSE(ctx context.Context, body io.Reader, id int64) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	var data []byte
	flush := func() (Response, bool) {
		if len(data) == 0 {
			return Response{}, false
		}
		payload := data
		data = nil

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Response{}, false // unparseable event, skip
		}
		if msg.IsNotification() {
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
			return Response{}, false
		}
		if msg.ID == nil || *msg.ID != id {
			return Response{}, false // someone else's event
		}
		return msg.Response(), true
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		line := scanner.Text()

		if line == "" {
			// Blank line terminates the event.
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // SSE comment / keep-alive
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, []byte(strings.TrimPrefix(rest, " "))...)
		}
		// Other SSE fields (event:, id:, retry:) carry nothing we correlate by.
	}

	// Stream may end without a trailing blank line.
	if resp, ok := flush(); ok {
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("sse stream: %w", err)
	}
	return Response{}, fmt.Errorf("sse stream ended without response to id %d", id)
}

func (c *HTTPClient) setError(reason string) {
	c.mu.Lock()
	c.state = StateError
	c.reason = reason
	c.mu.Unlock()
}
