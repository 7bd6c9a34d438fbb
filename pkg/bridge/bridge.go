// Package bridge turns remote tool descriptors discovered by the manager
// into uniquely named local callables registered against a host-supplied
// sink.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jg-phare/mcpbridge/pkg/manager"
	"github.com/jg-phare/mcpbridge/pkg/mcp"
)

// Source is the manager surface the bridge reads from and forwards calls to.
// *manager.Manager implements it.
type Source interface {
	State() manager.State
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error)
}

// CallResult is what a bridged callable hands back to the host: flattened
// text plus the machine-readable result.
type CallResult struct {
	Content string          `json:"content"`
	Details *mcp.ToolResult `json:"details,omitempty"`
}

// Registration is one bridged capability as presented to the sink.
type Registration struct {
	Name             string          `json:"name"` // local callable name, permanent
	Server           string          `json:"server"`
	Tool             string          `json:"tool"` // remote name
	Description      string          `json:"description,omitempty"`
	ParametersSchema json.RawMessage `json:"parametersSchema,omitempty"`
	Execute          func(ctx context.Context, args map[string]any) (*CallResult, error)
}

// Sink is the host's registration surface. One call per newly bridged
// capability; an error fails that capability only.
type Sink interface {
	RegisterCallable(reg Registration) error
}

// Failure reports one capability the sink refused.
type Failure struct {
	Key    string `json:"key"` // server::tool
	Reason string `json:"reason"`
}

// SyncReport summarizes one Sync pass.
type SyncReport struct {
	Registered []string  `json:"registered,omitempty"`
	Failed     []Failure `json:"failed,omitempty"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithMaxNameLength caps generated callable names at the host's limit.
func WithMaxNameLength(n int) Option {
	return func(b *Bridge) { b.maxNameLength = n }
}

// defaultMaxNameLength matches the common host-side tool name limit.
const defaultMaxNameLength = 64

// Bridge tracks which (server, tool) pairs have been registered. Keys are
// monotonic: once bridged, a pair is never re-evaluated, and its local name
// is never reassigned, even across config reloads.
type Bridge struct {
	source        Source
	sink          Sink
	logger        *slog.Logger
	maxNameLength int

	mu       sync.Mutex
	bridged  map[string]Registration // key -> registration, successful only
	assigned map[string]string       // key -> reserved local name
	names    map[string]string       // local name -> key
}

// New creates a bridge between a manager and a registration sink.
func New(source Source, sink Sink, opts ...Option) *Bridge {
	b := &Bridge{
		source:        source,
		sink:          sink,
		logger:        slog.Default(),
		maxNameLength: defaultMaxNameLength,
		bridged:       make(map[string]Registration),
		assigned:      make(map[string]string),
		names:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Sync scans the manager's current tool lists and registers every ready
// server's not-yet-bridged tool. A sink failure is recorded per capability
// and never prevents the rest from registering. Calling Sync again with the
// same discovered tools is a no-op.
func (b *Bridge) Sync() SyncReport {
	state := b.source.State()

	servers := make([]string, 0, len(state.ToolLists))
	for name := range state.ToolLists {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	var report SyncReport
	for _, server := range servers {
		list := state.ToolLists[server]
		if list.State != manager.ToolListReady {
			continue // stale and errored lists are inspectable, not bridgeable
		}
		for _, tool := range list.Tools {
			key := bridgeKey(server, tool.Name)

			b.mu.Lock()
			_, done := b.bridged[key]
			b.mu.Unlock()
			if done {
				continue
			}

			reg := Registration{
				Name:             b.reserveName(key, server, tool.Name),
				Server:           server,
				Tool:             tool.Name,
				Description:      tool.Description,
				ParametersSchema: tool.InputSchema,
				Execute:          b.callable(server, tool.Name),
			}
			if err := b.sink.RegisterCallable(reg); err != nil {
				report.Failed = append(report.Failed, Failure{Key: key, Reason: err.Error()})
				b.logger.Warn("register callable failed", "key", key, "error", err)
				continue
			}

			b.mu.Lock()
			b.bridged[key] = reg
			b.mu.Unlock()
			report.Registered = append(report.Registered, reg.Name)
		}
	}
	return report
}

// Registrations returns the successfully bridged capabilities, sorted by
// local name.
func (b *Bridge) Registrations() []Registration {
	b.mu.Lock()
	regs := make([]Registration, 0, len(b.bridged))
	for _, reg := range b.bridged {
		regs = append(regs, reg)
	}
	b.mu.Unlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}

// callable builds the forwarding closure for one remote tool. Arguments pass
// through verbatim; both success and failure come back as text plus details.
func (b *Bridge) callable(server, tool string) func(ctx context.Context, args map[string]any) (*CallResult, error) {
	return func(ctx context.Context, args map[string]any) (*CallResult, error) {
		result, err := b.source.CallTool(ctx, server, tool, args)
		if err != nil {
			return &CallResult{
				Content: fmt.Sprintf("tool %q on server %q failed: %v", tool, server, err),
			}, err
		}
		return &CallResult{
			Content: flattenContent(result),
			Details: result,
		}, nil
	}
}

// flattenContent renders a tool result's text blocks; non-text blocks are
// summarized by type.
func flattenContent(result *mcp.ToolResult) string {
	var parts []string
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s content]", block.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func bridgeKey(server, tool string) string {
	return server + "::" + tool
}
