package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jg-phare/mcpbridge/pkg/config"
)

// ServerState is the lifecycle state of one server connection.
type ServerState string

const (
	StateInactive ServerState = "inactive"
	StateStarting ServerState = "starting"
	StateReady    ServerState = "ready"
	StateError    ServerState = "error"
)

// ServerStatus is an immutable snapshot of one server connection's state.
type ServerStatus struct {
	Name      string      `json:"name"`
	Transport string      `json:"transport"`
	State     ServerState `json:"state"`
	Reason    string      `json:"reason,omitempty"`
	PID       int         `json:"pid,omitempty"` // stdio only
	URL       string      `json:"url,omitempty"` // http only
}

// NotificationHandler receives server-initiated notifications. Handlers must
// not block: they are invoked from the connection's read path.
type NotificationHandler func(method string, params json.RawMessage)

// RequestOptions tunes a single request.
type RequestOptions struct {
	// Timeout overrides the server's configured per-request timeout.
	Timeout time.Duration
}

// Client is one server's transport connection: it owns framing, request
// correlation, and that server's lifecycle state.
type Client interface {
	// Start establishes the connection and performs the initialize handshake.
	Start(ctx context.Context) error
	// Stop tears the connection down, rejecting any in-flight requests.
	Stop(ctx context.Context) error
	// Request sends a JSON-RPC request and waits for the correlated response.
	Request(ctx context.Context, method string, params any, opts *RequestOptions) (json.RawMessage, error)
	// Notify sends a one-way notification (no response expected).
	Notify(ctx context.Context, method string, params any) error
	// Status returns a fresh snapshot of the connection state.
	Status() ServerStatus
}

// NewClient constructs the transport client matching the config's transport
// kind. The returned client is not started.
func NewClient(cfg config.ServerConfig, onNotification NotificationHandler, logger *slog.Logger) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("server", cfg.Name)
	switch cfg.NormalizedTransport() {
	case config.TransportStdio:
		return newProcessClient(cfg, onNotification, logger), nil
	case config.TransportHTTP:
		return newHTTPClient(cfg, onNotification, logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %q", cfg.Transport)
	}
}

// clientName and clientVersion identify this implementation during the
// initialize handshake.
const (
	clientName    = "mcpbridge"
	clientVersion = "0.1.0"
)

func initializeParams() InitializeParams {
	return InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}
}
