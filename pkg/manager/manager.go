// Package manager serializes lifecycle operations against one active
// session: start, stop, reload, and tool-list refresh all run on a single
// worker so they can never race the runtime's start/stop.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jg-phare/mcpbridge/pkg/config"
	"github.com/jg-phare/mcpbridge/pkg/mcp"
	"github.com/jg-phare/mcpbridge/pkg/runtime"
)

// Backend is the runtime surface the manager drives. *runtime.Runtime
// implements it; tests substitute fakes.
type Backend interface {
	Start(ctx context.Context, servers []config.ServerConfig) error
	Stop(ctx context.Context) error
	Status() runtime.Status
	ServerStatus(name string) (mcp.ServerStatus, error)
	Request(ctx context.Context, server, method string, params any, opts *mcp.RequestOptions) (json.RawMessage, error)
	ListTools(ctx context.Context, server string) ([]mcp.ToolInfo, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBackend replaces the default runtime backend.
func WithBackend(b Backend) Option {
	return func(m *Manager) { m.rt = b }
}

// WithSessionRegistry appends session records to the given JSONL file,
// guarded by a cross-process file lock.
func WithSessionRegistry(path string) Option {
	return func(m *Manager) { m.registryPath = path }
}

// Manager owns the session lifecycle and the per-server tool-list cache.
type Manager struct {
	resolver     config.Resolver
	rt           Backend
	logger       *slog.Logger
	registryPath string

	ops       chan *op
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	lifecycle Lifecycle
	reason    string
	session   *Session
	servers   []config.ServerConfig
	toolLists map[string]ToolList
}

type op struct {
	name string
	run  func(ctx context.Context) error
	ctx  context.Context
	done chan error
}

// New creates a manager around the given config resolver and starts its
// operation worker. Callers must Close it when done.
func New(resolver config.Resolver, opts ...Option) *Manager {
	m := &Manager{
		resolver:  resolver,
		logger:    slog.Default(),
		ops:       make(chan *op),
		closed:    make(chan struct{}),
		lifecycle: LifecycleInactive,
		toolLists: make(map[string]ToolList),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rt == nil {
		m.rt = runtime.New(runtime.WithLogger(m.logger))
	}
	go m.worker()
	return m
}

// worker executes queued operations strictly in FIFO order. One operation's
// failure never blocks the next: errors are returned to the waiting caller
// and the loop moves on.
func (m *Manager) worker() {
	for {
		select {
		case <-m.closed:
			return
		case o := <-m.ops:
			err := o.run(o.ctx)
			if err != nil {
				m.logger.Warn("operation failed", "op", o.name, "error", err)
			}
			o.done <- err
		}
	}
}

// do enqueues an operation and waits for it to complete.
func (m *Manager) do(ctx context.Context, name string, run func(context.Context) error) error {
	o := &op{name: name, run: run, ctx: ctx, done: make(chan error, 1)}
	select {
	case m.ops <- o:
	case <-m.closed:
		return errors.New("manager closed")
	}
	return <-o.done
}

// Close shuts down the worker. In-flight operations finish; queued callers
// receive an error. It does not stop the runtime; call Stop first.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// Start resolves configuration and brings the session up: runtime start plus
// a tool-list refresh for every configured server. On failure the runtime is
// best-effort stopped, the lifecycle is marked error, and cached tool lists
// are cleared (fail closed, not partially stale).
func (m *Manager) Start(ctx context.Context, info SessionInfo) error {
	return m.do(ctx, "start", func(ctx context.Context) error {
		return m.startSession(ctx, info)
	})
}

// Reload re-resolves configuration against the same or a new session
// identity and restarts the runtime on the result.
func (m *Manager) Reload(ctx context.Context, info SessionInfo) error {
	return m.do(ctx, "reload", func(ctx context.Context) error {
		return m.startSession(ctx, info)
	})
}

// Stop tears the session down. Cached tool lists are retained but flagged
// stale for inspection.
func (m *Manager) Stop(ctx context.Context) error {
	return m.do(ctx, "stop", func(ctx context.Context) error {
		err := m.rt.Stop(ctx)

		m.mu.Lock()
		m.lifecycle = LifecycleInactive
		m.reason = ""
		for name, list := range m.toolLists {
			list.State = ToolListStale
			list.Reason = "session stopped"
			m.toolLists[name] = list
		}
		m.mu.Unlock()
		return err
	})
}

// RefreshToolLists refreshes the cached tool lists for the named servers,
// or for every configured server when no names are given.
func (m *Manager) RefreshToolLists(ctx context.Context, names ...string) error {
	return m.do(ctx, "refresh-tools", func(ctx context.Context) error {
		m.refreshToolLists(ctx, names)
		return nil
	})
}

func (m *Manager) startSession(ctx context.Context, info SessionInfo) error {
	m.mu.Lock()
	m.lifecycle = LifecycleStarting
	m.reason = ""
	m.mu.Unlock()

	resolved, err := m.resolver.Resolve(ctx)
	if err != nil {
		return m.failSession(ctx, fmt.Errorf("resolve config: %w", err))
	}
	for _, d := range resolved.Diagnostics {
		m.logger.Warn("config diagnostic", "path", d.Path, "message", d.Message)
	}

	servers := config.CloneServers(resolved.Servers)
	if err := m.rt.Start(ctx, servers); err != nil {
		return m.failSession(ctx, fmt.Errorf("start runtime: %w", err))
	}

	m.mu.Lock()
	m.servers = servers
	m.markRemovedServersLocked(servers)
	m.updateSessionLocked(info)
	session := m.session.clone()
	m.mu.Unlock()

	m.recordSession(session)
	m.refreshToolLists(ctx, nil)

	m.mu.Lock()
	m.lifecycle = LifecycleReady
	m.reason = ""
	m.mu.Unlock()
	m.logger.Info("session started",
		"session", session.ID,
		"servers", len(servers),
		"reloadCount", session.ReloadCount)
	return nil
}

// markRemovedServersLocked flags cached tool lists whose server is absent
// from the new configuration. A refresh only walks configured servers, so
// without this a removed server's list would stay ready forever. Tools are
// kept for inspection; stale lists are never bridged. Caller holds m.mu.
func (m *Manager) markRemovedServersLocked(servers []config.ServerConfig) {
	configured := make(map[string]bool, len(servers))
	for _, cfg := range servers {
		configured[cfg.Name] = true
	}
	for name, list := range m.toolLists {
		if configured[name] {
			continue
		}
		list.State = ToolListStale
		list.Reason = "removed from configuration"
		m.toolLists[name] = list
	}
}

// failSession is the fail-closed path: best-effort runtime stop, error
// lifecycle, and no stale half-session tool data left behind.
func (m *Manager) failSession(ctx context.Context, err error) error {
	if stopErr := m.rt.Stop(ctx); stopErr != nil {
		m.logger.Warn("stopping runtime after failed start", "error", stopErr)
	}
	m.mu.Lock()
	m.lifecycle = LifecycleError
	m.reason = err.Error()
	m.toolLists = make(map[string]ToolList)
	m.mu.Unlock()
	return err
}

// refreshToolLists refreshes the given servers' cached lists, all configured
// servers when names is nil. Per-server fetches run concurrently; the
// operation queue guarantees none of them overlaps a start or stop.
func (m *Manager) refreshToolLists(ctx context.Context, names []string) {
	targets := names
	if len(targets) == 0 {
		m.mu.Lock()
		for _, cfg := range m.servers {
			if !cfg.Disabled {
				targets = append(targets, cfg.Name)
			}
		}
		m.mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, name := range targets {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.refreshOne(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (m *Manager) refreshOne(ctx context.Context, name string) {
	status, err := m.rt.ServerStatus(name)
	if err != nil {
		m.updateToolList(name, func(list ToolList) ToolList {
			list.State = ToolListError
			list.Reason = err.Error()
			return list
		})
		return
	}

	if status.State != mcp.StateReady {
		// Not ready: flag the cache stale but keep the last-known tools.
		reason := status.Reason
		if reason == "" {
			reason = fmt.Sprintf("server not ready (state %s)", status.State)
		}
		m.updateToolList(name, func(list ToolList) ToolList {
			list.State = ToolListStale
			list.Reason = reason
			return list
		})
		return
	}

	tools, err := m.rt.ListTools(ctx, name)
	if err != nil {
		// Transient failure: last-known-good tools survive.
		m.updateToolList(name, func(list ToolList) ToolList {
			list.State = ToolListError
			list.Reason = err.Error()
			return list
		})
		return
	}

	tools = m.filterTools(name, tools)
	m.updateToolList(name, func(list ToolList) ToolList {
		return ToolList{
			State:       ToolListReady,
			RefreshedAt: time.Now(),
			Tools:       tools,
		}
	})
}

func (m *Manager) updateToolList(name string, apply func(ToolList) ToolList) {
	m.mu.Lock()
	m.toolLists[name] = apply(m.toolLists[name])
	m.mu.Unlock()
}

func (m *Manager) filterTools(server string, tools []mcp.ToolInfo) []mcp.ToolInfo {
	m.mu.Lock()
	var include, exclude []string
	for _, cfg := range m.servers {
		if cfg.Name == server {
			include, exclude = cfg.IncludeTools, cfg.ExcludeTools
			break
		}
	}
	m.mu.Unlock()
	return filterTools(tools, include, exclude)
}

// State returns a deep-copied snapshot: lifecycle, session, config, a fresh
// runtime status, and the tool-list cache.
func (m *Manager) State() State {
	rtStatus := m.rt.Status()

	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Lifecycle: m.lifecycle,
		Reason:    m.reason,
		Session:   m.session.clone(),
		Servers:   config.CloneServers(m.servers),
		Runtime:   rtStatus,
		ToolLists: cloneToolLists(m.toolLists),
	}
}

// Request routes a raw RPC to a server. Plain calls bypass the operation
// queue; only lifecycle operations serialize.
func (m *Manager) Request(ctx context.Context, server, method string, params any, opts *mcp.RequestOptions) (json.RawMessage, error) {
	return m.rt.Request(ctx, server, method, params, opts)
}

// CallTool invokes a remote tool on a server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error) {
	return m.rt.CallTool(ctx, server, tool, args)
}
