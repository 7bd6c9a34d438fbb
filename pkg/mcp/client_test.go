package mcp

import (
	"testing"

	"github.com/jg-phare/mcpbridge/pkg/config"
)

func TestNewClient_TransportSelection(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.ServerConfig
		wantType  string
		wantError bool
	}{
		{
			name:     "stdio",
			cfg:      config.ServerConfig{Name: "a", Transport: config.TransportStdio, Command: "cat"},
			wantType: "process",
		},
		{
			name:     "process alias",
			cfg:      config.ServerConfig{Name: "a", Transport: "process", Command: "cat"},
			wantType: "process",
		},
		{
			name:     "http",
			cfg:      config.ServerConfig{Name: "a", Transport: config.TransportHTTP, URL: "http://localhost:1"},
			wantType: "http",
		},
		{
			name:     "sse alias",
			cfg:      config.ServerConfig{Name: "a", Transport: "sse", URL: "http://localhost:1"},
			wantType: "http",
		},
		{
			name:     "inferred from command",
			cfg:      config.ServerConfig{Name: "a", Command: "cat"},
			wantType: "process",
		},
		{
			name:     "inferred from url",
			cfg:      config.ServerConfig{Name: "a", URL: "http://localhost:1"},
			wantType: "http",
		},
		{
			name:      "unknown transport",
			cfg:       config.ServerConfig{Name: "a", Transport: "carrier-pigeon", Command: "cat"},
			wantError: true,
		},
		{
			name:      "stdio without command",
			cfg:       config.ServerConfig{Name: "a", Transport: config.TransportStdio},
			wantError: true,
		},
		{
			name:      "http without url",
			cfg:       config.ServerConfig{Name: "a", Transport: config.TransportHTTP},
			wantError: true,
		},
		{
			name:      "missing name",
			cfg:       config.ServerConfig{Transport: config.TransportStdio, Command: "cat"},
			wantError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg, nil, nil)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			switch tt.wantType {
			case "process":
				if _, ok := client.(*ProcessClient); !ok {
					t.Errorf("got %T, want *ProcessClient", client)
				}
			case "http":
				if _, ok := client.(*HTTPClient); !ok {
					t.Errorf("got %T, want *HTTPClient", client)
				}
			}
		})
	}
}

func TestNewClient_NotStarted(t *testing.T) {
	cfg := config.ServerConfig{Name: "a", Transport: config.TransportStdio, Command: "cat"}
	client, err := NewClient(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := client.Status(); st.State != StateInactive {
		t.Errorf("new client should be inactive, got %s", st.State)
	}
}
