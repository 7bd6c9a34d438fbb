package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jg-phare/mcpbridge/pkg/config"
	"github.com/jg-phare/mcpbridge/pkg/mcp"
)

// fakeClient is a scriptable in-memory transport client.
type fakeClient struct {
	name     string
	startErr error
	tools    []mcp.ToolInfo

	mu      sync.Mutex
	state   mcp.ServerState
	reason  string
	stopped bool
}

func (f *fakeClient) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = mcp.StateError
		f.reason = f.startErr.Error()
		return f.startErr
	}
	f.state = mcp.StateReady
	return nil
}

func (f *fakeClient) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.state = mcp.StateInactive
	return nil
}

func (f *fakeClient) Request(_ context.Context, method string, params any, _ *mcp.RequestOptions) (json.RawMessage, error) {
	switch method {
	case mcp.MethodToolsList:
		data, _ := json.Marshal(mcp.ToolsListResult{Tools: f.tools})
		return data, nil
	case mcp.MethodToolsCall:
		return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeClient) Notify(context.Context, string, any) error { return nil }

func (f *fakeClient) Status() mcp.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return mcp.ServerStatus{Name: f.name, Transport: config.TransportStdio, State: f.state, Reason: f.reason}
}

func (f *fakeClient) setError(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = mcp.StateError
	f.reason = reason
}

// fakeFactory hands out pre-built clients by server name.
func fakeFactory(clients map[string]*fakeClient) clientFactory {
	return func(cfg config.ServerConfig, _ mcp.NotificationHandler, _ *slog.Logger) (mcp.Client, error) {
		client, ok := clients[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no fake for %q", cfg.Name)
		}
		client.name = cfg.Name
		return client, nil
	}
}

func serverConfigs(names ...string) []config.ServerConfig {
	var out []config.ServerConfig
	for _, name := range names {
		out = append(out, config.ServerConfig{Name: name, Transport: config.TransportStdio, Command: "true"})
	}
	return out
}

func TestRuntime_PartialStartup(t *testing.T) {
	clients := map[string]*fakeClient{
		"good": {tools: []mcp.ToolInfo{{Name: "fetch"}}},
		"bad":  {startErr: errors.New("connection refused")},
	}
	rt := New(withClientFactory(fakeFactory(clients)))

	if err := rt.Start(context.Background(), serverConfigs("good", "bad")); err != nil {
		t.Fatal(err)
	}

	st := rt.Status()
	if st.State != StateReady {
		t.Errorf("state: got %s, want ready", st.State)
	}
	if st.ActiveServers != 1 || st.ConfiguredServers != 2 {
		t.Errorf("counts: active=%d configured=%d", st.ActiveServers, st.ConfiguredServers)
	}
	if len(st.Servers) != 2 {
		t.Fatalf("servers: %+v", st.Servers)
	}

	bad, err := rt.ServerStatus("bad")
	if err != nil {
		t.Fatal(err)
	}
	if bad.State != mcp.StateError || !strings.Contains(bad.Reason, "connection refused") {
		t.Errorf("bad status: %+v", bad)
	}
}

func TestRuntime_AllFailed(t *testing.T) {
	clients := map[string]*fakeClient{
		"a": {startErr: errors.New("boom a")},
		"b": {startErr: errors.New("boom b")},
	}
	rt := New(withClientFactory(fakeFactory(clients)))
	if err := rt.Start(context.Background(), serverConfigs("a", "b")); err != nil {
		t.Fatal(err)
	}

	st := rt.Status()
	if st.State != StateError {
		t.Errorf("state: got %s, want error", st.State)
	}
	if st.Reason == "" {
		t.Error("expected a reason naming a failed server")
	}
}

func TestRuntime_EmptyConfig(t *testing.T) {
	rt := New(withClientFactory(fakeFactory(nil)))
	if err := rt.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if st := rt.Status(); st.State != StateInactive {
		t.Errorf("state: got %s, want inactive", st.State)
	}
}

func TestRuntime_DisabledServersSkipped(t *testing.T) {
	clients := map[string]*fakeClient{"on": {}}
	rt := New(withClientFactory(fakeFactory(clients)))

	servers := serverConfigs("on", "off")
	servers[1].Disabled = true
	if err := rt.Start(context.Background(), servers); err != nil {
		t.Fatal(err)
	}

	st := rt.Status()
	if st.ConfiguredServers != 1 {
		t.Errorf("configured: got %d, want 1", st.ConfiguredServers)
	}
	if _, err := rt.ServerStatus("off"); err == nil {
		t.Error("disabled server should not exist")
	}
}

func TestRuntime_ConstructionFailureSurfacesAsError(t *testing.T) {
	// The factory has no entry for "ghost", so construction fails outright.
	clients := map[string]*fakeClient{"ok": {}}
	rt := New(withClientFactory(fakeFactory(clients)))
	if err := rt.Start(context.Background(), serverConfigs("ok", "ghost")); err != nil {
		t.Fatal(err)
	}

	st := rt.Status()
	if st.ConfiguredServers != 2 || st.ActiveServers != 1 {
		t.Errorf("counts: active=%d configured=%d", st.ActiveServers, st.ConfiguredServers)
	}
	ghost, err := rt.ServerStatus("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if ghost.State != mcp.StateError || ghost.Reason == "" {
		t.Errorf("ghost status: %+v", ghost)
	}
	if _, err := rt.Request(context.Background(), "ghost", mcp.MethodToolsList, nil, nil); err == nil {
		t.Error("routing to a broken server should fail")
	}
}

func TestRuntime_StatusIsFresh(t *testing.T) {
	clients := map[string]*fakeClient{"a": {}}
	rt := New(withClientFactory(fakeFactory(clients)))
	if err := rt.Start(context.Background(), serverConfigs("a")); err != nil {
		t.Fatal(err)
	}
	if st := rt.Status(); st.State != StateReady {
		t.Fatalf("precondition: %s", st.State)
	}

	// Flip the client underneath; the next Status call must see it.
	clients["a"].setError("stream closed")
	st := rt.Status()
	if st.State != StateError {
		t.Errorf("state: got %s, want error", st.State)
	}
	if !strings.Contains(st.Reason, "stream closed") {
		t.Errorf("reason: %q", st.Reason)
	}
}

func TestRuntime_RequestRouting(t *testing.T) {
	clients := map[string]*fakeClient{
		"a": {tools: []mcp.ToolInfo{{Name: "alpha"}}},
		"b": {startErr: errors.New("down")},
	}
	rt := New(withClientFactory(fakeFactory(clients)))
	if err := rt.Start(context.Background(), serverConfigs("a", "b")); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tools, err := rt.ListTools(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "alpha" {
		t.Errorf("tools: %+v", tools)
	}

	if _, err := rt.ListTools(ctx, "nope"); err == nil || !strings.Contains(err.Error(), "unknown server") {
		t.Errorf("unknown server error: %v", err)
	}
	if _, err := rt.ListTools(ctx, "b"); err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Errorf("not-ready error: %v", err)
	}

	result, err := rt.CallTool(ctx, "a", "alpha", map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Errorf("call result: %+v", result)
	}
}

func TestRuntime_RestartReplacesSnapshot(t *testing.T) {
	first := &fakeClient{}
	second := &fakeClient{}
	calls := 0
	factory := func(cfg config.ServerConfig, _ mcp.NotificationHandler, _ *slog.Logger) (mcp.Client, error) {
		calls++
		if calls == 1 {
			first.name = cfg.Name
			return first, nil
		}
		second.name = cfg.Name
		return second, nil
	}
	rt := New(withClientFactory(factory))

	if err := rt.Start(context.Background(), serverConfigs("a")); err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(context.Background(), serverConfigs("a")); err != nil {
		t.Fatal(err)
	}

	if !first.stopped {
		t.Error("first snapshot's client should be stopped on restart")
	}
	if second.Status().State != mcp.StateReady {
		t.Errorf("second client state: %s", second.Status().State)
	}
}

func TestRuntime_Stop(t *testing.T) {
	clients := map[string]*fakeClient{"a": {}}
	rt := New(withClientFactory(fakeFactory(clients)))
	if err := rt.Start(context.Background(), serverConfigs("a")); err != nil {
		t.Fatal(err)
	}
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !clients["a"].stopped {
		t.Error("client not stopped")
	}
	if st := rt.Status(); st.State != StateInactive {
		t.Errorf("state after stop: %s", st.State)
	}
	if _, err := rt.Request(context.Background(), "a", mcp.MethodToolsList, nil, nil); err == nil {
		t.Error("request after stop should fail")
	}
}
