package bridge

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// namePrefix keeps bridged callables in their own corner of the host's
// namespace, following the mcp__<server>__<tool> convention.
const namePrefix = "mcp__"

// reserveName returns the permanent local name for a key, generating one on
// first sight. A name survives sink registration failures so a retry of the
// same key never churns the namespace.
func (b *Bridge) reserveName(key, server, tool string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name, ok := b.assigned[key]; ok {
		return name
	}

	name := b.generateNameLocked(key, server, tool)
	b.assigned[key] = name
	b.names[name] = key
	return name
}

// generateNameLocked builds a sanitized, length-capped, collision-free name:
// prefix + server + tool, then a deterministic short hash of the key on
// collision, then a numeric suffix if the hash still collides.
func (b *Bridge) generateNameLocked(key, server, tool string) string {
	base := truncate(namePrefix+sanitize(server)+"__"+sanitize(tool), b.maxNameLength)
	if _, taken := b.names[base]; !taken {
		return base
	}

	hash := shortHash(key)
	hashed := truncate(base, b.maxNameLength-len(hash)-1) + "_" + hash
	if _, taken := b.names[hashed]; !taken {
		return hashed
	}

	for i := 2; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		candidate := truncate(hashed, b.maxNameLength-len(suffix)) + suffix
		if _, taken := b.names[candidate]; !taken {
			return candidate
		}
	}
}

// sanitize maps a server or tool name onto the safe callable charset
// [a-zA-Z0-9_-].
func sanitize(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out.WriteRune(r)
		default:
			out.WriteByte('_')
		}
	}
	return out.String()
}

func truncate(s string, n int) string {
	if n < 1 {
		n = 1
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// shortHash is a deterministic 8-hex-digit digest of the key.
func shortHash(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return fmt.Sprintf("%08x", h.Sum32())
}
