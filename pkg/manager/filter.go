package manager

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jg-phare/mcpbridge/pkg/mcp"
)

// filterTools applies a server's include/exclude patterns to a discovered
// tool list. Empty include means "everything"; exclude wins over include.
func filterTools(tools []mcp.ToolInfo, include, exclude []string) []mcp.ToolInfo {
	if len(include) == 0 && len(exclude) == 0 {
		return tools
	}
	out := make([]mcp.ToolInfo, 0, len(tools))
	for _, tool := range tools {
		if len(include) > 0 && !matchAny(include, tool.Name) {
			continue
		}
		if matchAny(exclude, tool.Name) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// matchAny reports whether the name matches any pattern. Patterns with glob
// metacharacters go through doublestar; plain strings compare exactly.
func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if isGlobPattern(pattern) {
			if matched, err := doublestar.Match(pattern, name); err == nil && matched {
				return true
			}
			continue
		}
		if pattern == name {
			return true
		}
	}
	return false
}

func isGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
