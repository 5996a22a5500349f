// Package capability loads the operation whitelists that gate everything the
// fleet engine is allowed to do. Commands come from plain-text files (one
// pattern per line), APIs from OpenAPI documents. The registry is the single
// source of truth: operations that match nothing fail closed.
package capability

import (
	"fmt"
	"strings"
)

// Kind distinguishes CLI commands from HTTP API operations.
type Kind string

const (
	KindCommand Kind = "command"
	KindAPI     Kind = "api"
)

// Parameter describes one declared API parameter (APIs only).
type Parameter struct {
	Name     string `json:"name"`
	In       string `json:"in"` // path, query, header
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Capability is one allowed operation. Instances are immutable after a
// reload; the registry swaps whole indexes, never rows.
type Capability struct {
	Kind        Kind        `json:"kind"`
	Platform    string      `json:"platform"`
	Pattern     string      `json:"pattern"`
	Method      string      `json:"method,omitempty"` // empty for commands
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	IsWrite     bool        `json:"is_write"`
	SourceFile  string      `json:"source_file"`
}

// Key is the uniqueness key within an index.
func (c *Capability) Key() string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", c.Kind, c.Platform, c.Method, normalizePattern(c.Pattern))
}

// String renders the capability the way operators see it in search output.
func (c *Capability) String() string {
	marker := ""
	if c.IsWrite {
		marker = "!"
	}
	if c.Kind == KindAPI {
		return fmt.Sprintf("%s[%s] %s %s", marker, c.Platform, c.Method, c.Pattern)
	}
	return fmt.Sprintf("%s[%s] %s", marker, c.Platform, c.Pattern)
}

// PatternMatches reports whether a command satisfies a whitelist pattern:
// case-insensitive, whitespace-normalized, with a trailing '*' matching any
// command that starts with the pattern prefix.
func PatternMatches(pattern, command string) bool {
	pat := normalizePattern(pattern)
	op := normalizeCommand(command)
	if strings.HasSuffix(pat, "*") {
		return strings.HasPrefix(op, strings.TrimSpace(pat[:len(pat)-1]))
	}
	return op == pat
}

// normalizeCommand lower-cases and collapses runs of whitespace so that
// "Show  Interfaces" and "show interfaces" compare equal.
func normalizeCommand(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// normalizePattern normalizes a command pattern, preserving a trailing
// wildcard marker.
func normalizePattern(p string) string {
	wildcard := strings.HasSuffix(p, "*")
	if wildcard {
		p = p[:len(p)-1]
	}
	p = normalizeCommand(p)
	if wildcard {
		p += "*"
	}
	return p
}
