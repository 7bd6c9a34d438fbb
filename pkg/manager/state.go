package manager

import (
	"slices"
	"time"

	"github.com/jg-phare/mcpbridge/pkg/config"
	"github.com/jg-phare/mcpbridge/pkg/mcp"
	"github.com/jg-phare/mcpbridge/pkg/runtime"
)

// Lifecycle is the manager's own lifecycle state, distinct from the
// runtime's aggregate server state.
type Lifecycle string

const (
	LifecycleInactive Lifecycle = "inactive"
	LifecycleStarting Lifecycle = "starting"
	LifecycleReady    Lifecycle = "ready"
	LifecycleError    Lifecycle = "error"
)

// ToolListState labels a cached tool list.
type ToolListState string

const (
	// ToolListReady: the list was fetched from a ready server.
	ToolListReady ToolListState = "ready"
	// ToolListError: the last fetch failed; Tools holds the previous data.
	ToolListError ToolListState = "error"
	// ToolListStale: the owning server is not currently ready; Tools holds
	// the last-known list, inspectable but not bridgeable.
	ToolListStale ToolListState = "stale"
)

// ToolList is one server's cached tool list.
type ToolList struct {
	State       ToolListState  `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	RefreshedAt time.Time      `json:"refreshedAt,omitempty"`
	Tools       []mcp.ToolInfo `json:"tools"`
}

func (l ToolList) clone() ToolList {
	out := l
	out.Tools = slices.Clone(l.Tools)
	return out
}

// State is a deep-copied snapshot of the manager. Mutating it never affects
// live state.
type State struct {
	Lifecycle Lifecycle             `json:"lifecycle"`
	Reason    string                `json:"reason,omitempty"`
	Session   *Session              `json:"session,omitempty"`
	Servers   []config.ServerConfig `json:"servers"`
	Runtime   runtime.Status        `json:"runtime"`
	ToolLists map[string]ToolList   `json:"toolLists"`
}

func cloneToolLists(lists map[string]ToolList) map[string]ToolList {
	out := make(map[string]ToolList, len(lists))
	for name, l := range lists {
		out[name] = l.clone()
	}
	return out
}

// SessionInfo is the identity triple for a host session. Two sessions are
// the same iff all three fields match.
type SessionInfo struct {
	SessionID   string `json:"sessionId,omitempty"`
	SessionFile string `json:"sessionFile,omitempty"`
	CWD         string `json:"cwd,omitempty"`
}

// Session is the manager's record of the current host session.
type Session struct {
	ID string `json:"id"` // assigned by the manager, unique per record
	SessionInfo
	StartedAt    time.Time `json:"startedAt"`
	ReloadCount  int       `json:"reloadCount"`
	LastReloadAt time.Time `json:"lastReloadAt,omitempty"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
