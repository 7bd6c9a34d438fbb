package config

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Transport type constants.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// DefaultRequestTimeout applies when a server config does not set timeoutMs.
const DefaultRequestTimeout = 30 * time.Second

// ServerConfig describes one external MCP server. Configs are immutable once
// resolved; consumers that hold on to one must Clone it.
type ServerConfig struct {
	Name      string `json:"name" yaml:"name"`
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"` // "stdio"|"http"

	// stdio
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// http
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	TimeoutMs int  `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Disabled  bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// Glob patterns limiting which remote tools are cached and bridged.
	IncludeTools []string `json:"includeTools,omitempty" yaml:"includeTools,omitempty"`
	ExcludeTools []string `json:"excludeTools,omitempty" yaml:"excludeTools,omitempty"`

	// SourcePath records which file the entry came from. Set by resolvers.
	SourcePath string `json:"-" yaml:"-"`
}

// NormalizedTransport maps accepted aliases onto the two canonical transport
// kinds: "process" is stdio, "sse" is http. Empty defaults to stdio when a
// command is set and http when a URL is set.
func (c ServerConfig) NormalizedTransport() string {
	switch c.Transport {
	case TransportStdio, "process":
		return TransportStdio
	case TransportHTTP, "sse":
		return TransportHTTP
	case "":
		if c.Command != "" {
			return TransportStdio
		}
		if c.URL != "" {
			return TransportHTTP
		}
	}
	return c.Transport
}

// Timeout returns the per-request timeout for this server.
func (c ServerConfig) Timeout() time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return DefaultRequestTimeout
}

// Validate checks that the config names a server and carries the fields its
// transport needs.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server config missing name")
	}
	switch c.NormalizedTransport() {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires a command", c.Name)
		}
	case TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("server %q: http transport requires a url", c.Name)
		}
	default:
		return fmt.Errorf("server %q: unsupported transport type %q", c.Name, c.Transport)
	}
	return nil
}

// Clone returns a deep copy safe to hand across API boundaries.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Env = maps.Clone(c.Env)
	out.Headers = maps.Clone(c.Headers)
	out.IncludeTools = slices.Clone(c.IncludeTools)
	out.ExcludeTools = slices.Clone(c.ExcludeTools)
	return out
}

// CloneServers deep-copies a resolved server list.
func CloneServers(servers []ServerConfig) []ServerConfig {
	out := make([]ServerConfig, len(servers))
	for i, s := range servers {
		out[i] = s.Clone()
	}
	return out
}

// Diagnostic is a non-fatal problem found while resolving configuration.
type Diagnostic struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Resolved is the output of a Resolver: the effective server list plus any
// diagnostics and the files it was read from.
type Resolved struct {
	Servers     []ServerConfig `json:"servers"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
	SourcePaths []string       `json:"sourcePaths,omitempty"`
}

// Resolver produces the effective server configuration. The runtime and
// manager never read files themselves; all on-disk discovery lives behind
// this interface.
type Resolver interface {
	Resolve(ctx context.Context) (*Resolved, error)
}

// StaticResolver returns a fixed server list. Useful for embedding and tests.
type StaticResolver struct {
	Servers []ServerConfig
}

func (s StaticResolver) Resolve(context.Context) (*Resolved, error) {
	return &Resolved{Servers: CloneServers(s.Servers)}, nil
}
