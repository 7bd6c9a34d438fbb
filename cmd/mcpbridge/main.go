// mcpbridge starts the MCP servers named in a config file, bridges their
// tools into locally callable names, and keeps the session alive until
// interrupted.
//
// Usage:
//
//	go run ./cmd/mcpbridge/ -config mcpservers.json
//
//	# Reload automatically when the config file changes
//	go run ./cmd/mcpbridge/ -config mcpservers.json -watch
//
//	# Record session metadata to a shared registry file
//	go run ./cmd/mcpbridge/ -config mcpservers.json -session-registry ~/.mcpbridge/sessions.jsonl
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jg-phare/mcpbridge/pkg/bridge"
	"github.com/jg-phare/mcpbridge/pkg/config"
	"github.com/jg-phare/mcpbridge/pkg/manager"
)

func main() {
	configPath := flag.String("config", "", "Path to the server config file (JSON or YAML)")
	registry := flag.String("session-registry", "", "Optional JSONL file recording session metadata")
	watch := flag.Bool("watch", false, "Reload when the config file changes")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: mcpbridge -config <file> [-watch] [-session-registry <file>]")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []manager.Option{manager.WithLogger(logger)}
	if *registry != "" {
		opts = append(opts, manager.WithSessionRegistry(*registry))
	}
	mgr := manager.New(config.FileResolver{Path: *configPath}, opts...)
	defer mgr.Close()

	cwd, _ := os.Getwd()
	ctx := context.Background()
	info := manager.SessionInfo{SessionFile: *configPath, CWD: cwd}

	if err := mgr.Start(ctx, info); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	br := bridge.New(mgr, printSink{}, bridge.WithLogger(logger))
	reportSync(br.Sync())
	printStatus(mgr)

	if *watch {
		watchCtx, cancelWatch := context.WithCancel(ctx)
		defer cancelWatch()
		go func() {
			_ = config.Watch(watchCtx, []string{*configPath}, func() {
				logger.Info("config changed, reloading")
				if err := mgr.Reload(ctx, info); err != nil {
					logger.Warn("reload failed", "error", err)
					return
				}
				reportSync(br.Sync())
				printStatus(mgr)
			})
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down...")
	if err := mgr.Stop(ctx); err != nil {
		logger.Warn("stop", "error", err)
	}
}

func printStatus(mgr *manager.Manager) {
	state := mgr.State()
	fmt.Printf("session: %s  runtime: %s (%d/%d servers up)\n",
		state.Lifecycle, state.Runtime.State,
		state.Runtime.ActiveServers, state.Runtime.ConfiguredServers)
	for _, s := range state.Runtime.Servers {
		line := fmt.Sprintf("  %-20s %-6s %s", s.Name, s.Transport, s.State)
		if s.Reason != "" {
			line += "  (" + s.Reason + ")"
		}
		fmt.Println(line)
		if list, ok := state.ToolLists[s.Name]; ok {
			fmt.Printf("    tools: %d (%s)\n", len(list.Tools), list.State)
		}
	}
}

func reportSync(report bridge.SyncReport) {
	for _, name := range report.Registered {
		fmt.Printf("bridged %s\n", name)
	}
	for _, failure := range report.Failed {
		fmt.Printf("failed to bridge %s: %s\n", failure.Key, failure.Reason)
	}
}

// printSink is a stand-in registration sink that just announces callables.
// A real host wires its own tool registry here.
type printSink struct{}

func (printSink) RegisterCallable(reg bridge.Registration) error {
	fmt.Printf("  register %s -> %s/%s\n", reg.Name, reg.Server, reg.Tool)
	return nil
}
