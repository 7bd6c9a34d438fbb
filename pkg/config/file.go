package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// FileResolver reads server configuration from a single JSON or YAML file of
// the shape:
//
//	{"mcpServers": {"<name>": {"command": "...", ...}}}
//
// Malformed entries become diagnostics rather than a failed resolve, so one
// bad server definition never takes out the rest.
type FileResolver struct {
	Path string
}

type fileDoc struct {
	McpServers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
}

func (f FileResolver) Resolve(_ context.Context) (*Resolved, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc fileDoc
	switch filepath.Ext(f.Path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", f.Path, err)
	}

	resolved := &Resolved{SourcePaths: []string{f.Path}}
	names := make([]string, 0, len(doc.McpServers))
	for name := range doc.McpServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := doc.McpServers[name]
		cfg.Name = name
		cfg.SourcePath = f.Path
		if err := cfg.Validate(); err != nil {
			resolved.Diagnostics = append(resolved.Diagnostics, Diagnostic{
				Path:    f.Path,
				Message: err.Error(),
			})
			continue
		}
		resolved.Servers = append(resolved.Servers, cfg)
	}
	return resolved, nil
}
