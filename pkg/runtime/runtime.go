// Package runtime owns the set of transport clients for one configuration
// snapshot and routes requests to them by server name.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jg-phare/mcpbridge/pkg/config"
	"github.com/jg-phare/mcpbridge/pkg/mcp"
)

// State is the aggregate state over all clients in the snapshot.
type State string

const (
	StateInactive State = "inactive" // zero servers configured
	StateReady    State = "ready"    // at least one server is ready
	StateError    State = "error"    // servers configured, none ready
)

// Status is an aggregate, freshly computed view over every client.
type Status struct {
	State             State              `json:"state"`
	Reason            string             `json:"reason,omitempty"`
	ActiveServers     int                `json:"activeServers"`
	ConfiguredServers int                `json:"configuredServers"`
	Servers           []mcp.ServerStatus `json:"servers"`
}

// NotificationHandler receives unsolicited notifications from any server,
// tagged with the server's name.
type NotificationHandler func(server, method string, params json.RawMessage)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithNotificationHandler subscribes to server-initiated notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(r *Runtime) { r.onNotification = h }
}

// withClientFactory swaps the client constructor. Test hook.
func withClientFactory(f clientFactory) Option {
	return func(r *Runtime) { r.newClient = f }
}

type clientFactory func(cfg config.ServerConfig, onNotification mcp.NotificationHandler, logger *slog.Logger) (mcp.Client, error)

// Runtime owns one configuration snapshot's transport clients.
type Runtime struct {
	logger         *slog.Logger
	onNotification NotificationHandler
	newClient      clientFactory

	mu      sync.Mutex
	clients map[string]mcp.Client
	order   []string // configured order, for stable status output
}

// New creates an empty runtime. Call Start with a resolved server list to
// bring clients up.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger:    slog.Default(),
		newClient: mcp.NewClient,
		clients:   make(map[string]mcp.Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start replaces any prior snapshot: existing clients are stopped, then one
// client per non-disabled server config is constructed and started. A server
// that fails to start is recorded in error state and never aborts its
// siblings; partial startup is the normal operating mode.
func (r *Runtime) Start(ctx context.Context, servers []config.ServerConfig) error {
	if err := r.Stop(ctx); err != nil {
		r.logger.Warn("stopping previous snapshot", "error", err)
	}

	clients := make(map[string]mcp.Client)
	var order []string
	for _, cfg := range servers {
		if cfg.Disabled {
			continue
		}
		if _, dup := clients[cfg.Name]; dup {
			r.logger.Warn("duplicate server name in config, keeping first", "server", cfg.Name)
			continue
		}
		client, err := r.buildClient(cfg)
		if err != nil {
			client = &brokenClient{name: cfg.Name, transport: cfg.NormalizedTransport(), reason: err.Error()}
		}
		clients[cfg.Name] = client
		order = append(order, cfg.Name)
	}

	r.mu.Lock()
	r.clients = clients
	r.order = order
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, client := range clients {
		if _, broken := client.(*brokenClient); broken {
			continue
		}
		wg.Add(1)
		go func(name string, client mcp.Client) {
			defer wg.Done()
			if err := client.Start(ctx); err != nil {
				r.logger.Warn("server failed to start", "server", name, "error", err)
			}
		}(name, client)
	}
	wg.Wait()
	return nil
}

func (r *Runtime) buildClient(cfg config.ServerConfig) (mcp.Client, error) {
	name := cfg.Name
	var forward mcp.NotificationHandler
	if r.onNotification != nil {
		forward = func(method string, params json.RawMessage) {
			r.onNotification(name, method, params)
		}
	}
	return r.newClient(cfg, forward, r.logger)
}

// Stop tears down every client, collecting errors rather than stopping at
// the first one.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]mcp.Client)
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for name, client := range clients {
		if err := client.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Status recomputes the aggregate from each client's live status on every
// call. It is never cached: a client can flip to error asynchronously
// between reads.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	clients := r.clients
	order := r.order
	r.mu.Unlock()

	st := Status{ConfiguredServers: len(order)}
	for _, name := range order {
		s := clients[name].Status()
		st.Servers = append(st.Servers, s)
		switch s.State {
		case mcp.StateReady:
			st.ActiveServers++
		case mcp.StateError:
			if st.Reason == "" {
				st.Reason = fmt.Sprintf("%s: %s", s.Name, s.Reason)
			}
		}
	}

	switch {
	case len(order) == 0:
		st.State = StateInactive
	case st.ActiveServers > 0:
		st.State = StateReady
		st.Reason = ""
	default:
		st.State = StateError
		if st.Reason == "" {
			st.Reason = "no servers ready"
		}
	}
	return st
}

// ServerStatus returns one server's live status.
func (r *Runtime) ServerStatus(name string) (mcp.ServerStatus, error) {
	client, err := r.lookup(name)
	if err != nil {
		return mcp.ServerStatus{}, err
	}
	return client.Status(), nil
}

// Request routes a raw JSON-RPC request to the named server. The server must
// exist and be ready; there is no queueing or waiting for readiness.
func (r *Runtime) Request(ctx context.Context, server, method string, params any, opts *mcp.RequestOptions) (json.RawMessage, error) {
	client, err := r.ready(server)
	if err != nil {
		return nil, err
	}
	return client.Request(ctx, method, params, opts)
}

// ListTools fetches the named server's tool list.
func (r *Runtime) ListTools(ctx context.Context, server string) ([]mcp.ToolInfo, error) {
	result, err := r.Request(ctx, server, mcp.MethodToolsList, nil, nil)
	if err != nil {
		return nil, err
	}
	var list mcp.ToolsListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parse tools/list result from %q: %w", server, err)
	}
	return list.Tools, nil
}

// CallTool invokes a remote tool on the named server.
func (r *Runtime) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error) {
	result, err := r.Request(ctx, server, mcp.MethodToolsCall, mcp.ToolCallParams{Name: tool, Arguments: args}, nil)
	if err != nil {
		return nil, err
	}
	var toolResult mcp.ToolResult
	if err := json.Unmarshal(result, &toolResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result from %q: %w", server, err)
	}
	return &toolResult, nil
}

func (r *Runtime) lookup(name string) (mcp.Client, error) {
	r.mu.Lock()
	client, ok := r.clients[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return client, nil
}

func (r *Runtime) ready(name string) (mcp.Client, error) {
	client, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if st := client.Status(); st.State != mcp.StateReady {
		if st.Reason != "" {
			return nil, fmt.Errorf("server %q not ready: %s", name, st.Reason)
		}
		return nil, fmt.Errorf("server %q not ready (state %s)", name, st.State)
	}
	return client, nil
}

// brokenClient stands in for a server whose client could not even be
// constructed, so its failure still shows up in status and routing.
type brokenClient struct {
	name      string
	transport string
	reason    string
}

func (b *brokenClient) Start(context.Context) error { return errors.New(b.reason) }
func (b *brokenClient) Stop(context.Context) error  { return nil }
func (b *brokenClient) Request(_ context.Context, method string, _ any, _ *mcp.RequestOptions) (json.RawMessage, error) {
	return nil, fmt.Errorf("%s: %s", method, b.reason)
}
func (b *brokenClient) Notify(context.Context, string, any) error { return errors.New(b.reason) }
func (b *brokenClient) Status() mcp.ServerStatus {
	return mcp.ServerStatus{Name: b.name, Transport: b.transport, State: mcp.StateError, Reason: b.reason}
}
