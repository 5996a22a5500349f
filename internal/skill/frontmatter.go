package skill

import (
	"fmt"
	"strings"
)

// ===== FRONTMATTER PARSER =====
//
// Skill and solution documents open with a header block delimited by "---"
// lines. The header is YAML-shaped but deliberately parsed by a small
// explicit parser instead of a YAML engine: the documents only ever use
// scalars, flat lists, lists of flat maps, and one level of keyed blocks,
// and a hand-rolled parser keeps the accepted grammar exactly that narrow.

// SplitFrontmatter separates the header block from the body. Documents
// without a header return an empty map and the full content as body.
func SplitFrontmatter(content string) (map[string]any, string, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, content, nil
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated frontmatter block")
	}
	header, err := parseHeader(lines[1:end])
	if err != nil {
		return nil, "", err
	}
	return header, strings.Join(lines[end+1:], "\n"), nil
}

type headerParser struct {
	lines []string
	pos   int
}

// parseHeader parses the header lines into nested maps, lists, and string
// scalars.
func parseHeader(lines []string) (map[string]any, error) {
	p := &headerParser{lines: lines}
	m, err := p.parseMap(0)
	if err != nil {
		return nil, err
	}
	if p.skipBlank(); p.pos < len(p.lines) {
		return nil, fmt.Errorf("line %d: unexpected indentation", p.pos+1)
	}
	return m, nil
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " "))
}

func (p *headerParser) skipBlank() {
	for p.pos < len(p.lines) {
		t := strings.TrimSpace(p.lines[p.pos])
		if t != "" && !strings.HasPrefix(t, "#") {
			return
		}
		p.pos++
	}
}

// parseMap consumes "key: value" entries at exactly the given indent.
func (p *headerParser) parseMap(indent int) (map[string]any, error) {
	out := make(map[string]any)
	for {
		p.skipBlank()
		if p.pos >= len(p.lines) {
			return out, nil
		}
		line := p.lines[p.pos]
		if indentOf(line) != indent {
			return out, nil
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || trimmed == "-" {
			return out, nil
		}
		key, rest, ok := strings.Cut(trimmed, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected \"key: value\", got %q", p.pos+1, trimmed)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", p.pos+1)
		}
		p.pos++

		rest = strings.TrimSpace(rest)
		switch {
		case rest != "":
			out[key] = scalarOrInlineList(rest)
		default:
			v, err := p.parseValue(indent)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
	}
}

// parseValue handles the block following a bare "key:" line: a deeper list,
// a deeper map, or nothing (empty string).
func (p *headerParser) parseValue(parentIndent int) (any, error) {
	p.skipBlank()
	if p.pos >= len(p.lines) {
		return "", nil
	}
	line := p.lines[p.pos]
	ind := indentOf(line)
	if ind <= parentIndent {
		return "", nil
	}
	if t := strings.TrimSpace(line); strings.HasPrefix(t, "- ") || t == "-" {
		return p.parseList(ind)
	}
	return p.parseMap(ind)
}

// parseList consumes "- item" entries at exactly the given indent. An item
// is a scalar or a flat map ("- key: value" plus deeper continuation lines).
func (p *headerParser) parseList(indent int) ([]any, error) {
	var out []any
	for {
		p.skipBlank()
		if p.pos >= len(p.lines) {
			return out, nil
		}
		line := p.lines[p.pos]
		if indentOf(line) != indent {
			return out, nil
		}
		trimmed := strings.TrimSpace(line)
		if trimmed != "-" && !strings.HasPrefix(trimmed, "- ") {
			return out, nil
		}
		item := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))

		if k, v, ok := cutMapEntry(item); ok {
			// Map item: rewrite the dash line as its first entry so the
			// continuation lines parse as one map at the dash-body indent.
			entryIndent := indent + 2
			p.lines[p.pos] = strings.Repeat(" ", entryIndent) + k + ": " + v
			m, err := p.parseMap(entryIndent)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
			continue
		}

		p.pos++
		out = append(out, unquote(item))
	}
}

// cutMapEntry splits "key: value" where key is a bare identifier, which is
// what distinguishes a map item from a scalar like "show version: brief".
func cutMapEntry(s string) (string, string, bool) {
	k, v, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	if k == "" || strings.ContainsAny(k, " \t\"'") {
		return "", "", false
	}
	return k, strings.TrimSpace(v), true
}

// scalarOrInlineList parses "[a, b, c]" into a list, everything else into an
// unquoted scalar.
func scalarOrInlineList(s string) any {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return []any{}
		}
		parts := strings.Split(inner, ",")
		out := make([]any, 0, len(parts))
		for _, part := range parts {
			out = append(out, unquote(strings.TrimSpace(part)))
		}
		return out
	}
	return unquote(s)
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ===== TYPED ACCESSORS =====

func headerString(h map[string]any, key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

func headerBool(h map[string]any, key string, fallback bool) bool {
	v, ok := h[key].(string)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	return fallback
}

func headerStrings(h map[string]any, key string) []string {
	switch v := h[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
