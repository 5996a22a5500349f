package fleet

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"olav/internal/capability"
	"olav/internal/types"
)

// ===== OUTPUT PARSER =====

// Parser turns raw device output into structured rows. Templates live
// outside the core; the engine only asks whether one exists and applies it.
type Parser interface {
	Supports(platform, operation string) bool
	Parse(platform, operation, raw string) ([]map[string]string, error)
}

// TemplateParser reads per-platform template files from a directory, one
// YAML file per platform:
//
//	templates:
//	  - match: "show interfaces status*"
//	    type: table
//	  - match: "show version"
//	    type: kv
//	  - match: "show ip route*"
//	    type: regex
//	    pattern: '(?P<network>\d+\.\d+\.\d+\.\d+/\d+) via (?P<nexthop>\S+)'
//
// Template types: "table" (whitespace-aligned columns under a header row),
// "kv" ("Key: value" lines into one row), "regex" (named groups, one row
// per matching line).
type TemplateParser struct {
	dir string
	log *zap.Logger

	mu        sync.RWMutex
	templates map[string][]*template // platform → templates
}

type template struct {
	Match   string `yaml:"match"`
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

type templateFile struct {
	Templates []*template `yaml:"templates"`
}

// NewTemplateParser loads every template file under dir. A missing
// directory yields a parser that supports nothing.
func NewTemplateParser(dir string, log *zap.Logger) (*TemplateParser, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &TemplateParser{dir: dir, log: log}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the template directory. Transactional like the capability
// registry: a parse error keeps the previous templates.
func (p *TemplateParser) Reload() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			p.mu.Lock()
			p.templates = map[string][]*template{}
			p.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read template dir: %w", err)
	}

	next := make(map[string][]*template)
	for _, e := range entries {
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if e.IsDir() || strings.HasPrefix(name, "_") || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, name))
		if err != nil {
			return fmt.Errorf("template file %s: %w", name, err)
		}
		var file templateFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("template file %s: %w", name, err)
		}
		platform := strings.TrimSuffix(name, filepath.Ext(name))
		for i, t := range file.Templates {
			if t.Match == "" {
				return fmt.Errorf("template file %s: entry %d has no match pattern", name, i+1)
			}
			switch t.Type {
			case "table", "kv":
			case "regex":
				re, err := regexp.Compile(t.Pattern)
				if err != nil {
					return fmt.Errorf("template file %s: entry %d: %w", name, i+1, err)
				}
				t.re = re
			default:
				return fmt.Errorf("template file %s: entry %d has unknown type %q", name, i+1, t.Type)
			}
		}
		next[platform] = file.Templates
	}

	p.mu.Lock()
	p.templates = next
	p.mu.Unlock()
	p.log.Debug("output templates loaded", zap.Int("platforms", len(next)))
	return nil
}

// Supports reports whether a template exists for the operation.
func (p *TemplateParser) Supports(platform, operation string) bool {
	return p.find(platform, operation) != nil
}

// Parse applies the matching template. ParseFailed when no template matches
// or the output does not satisfy it.
func (p *TemplateParser) Parse(platform, operation, raw string) ([]map[string]string, error) {
	t := p.find(platform, operation)
	if t == nil {
		return nil, types.Errorf(types.KindParseFailed, "no template for %q on %s", operation, platform)
	}
	switch t.Type {
	case "table":
		return parseAlignedTable(raw)
	case "kv":
		return parseKeyValue(raw)
	case "regex":
		return parseRegex(t.re, raw)
	}
	return nil, types.Errorf(types.KindParseFailed, "unknown template type %q", t.Type)
}

func (p *TemplateParser) find(platform, operation string) *template {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.templates[platform] {
		if capability.PatternMatches(t.Match, operation) {
			return t
		}
	}
	return nil
}

// ===== TEMPLATE TYPES =====

// parseAlignedTable reads a whitespace-aligned table: the first non-blank
// line is the header, column boundaries are the header token start offsets.
func parseAlignedTable(raw string) ([]map[string]string, error) {
	lines := strings.Split(raw, "\n")
	var header string
	var start int
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			header, start = line, i+1
			break
		}
	}
	if header == "" {
		return nil, types.NewError(types.KindParseFailed, "empty output")
	}

	type column struct {
		name  string
		begin int
	}
	var cols []column
	inToken := false
	for i, r := range header {
		if r != ' ' && r != '\t' {
			if !inToken {
				cols = append(cols, column{begin: i})
				inToken = true
			}
			cols[len(cols)-1].name += string(r)
		} else {
			inToken = false
		}
	}
	if len(cols) < 2 {
		return nil, types.NewError(types.KindParseFailed, "no column structure in output")
	}

	var rows []map[string]string
	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// Separator lines under the header carry no data.
		if strings.Trim(line, "- +|") == "" {
			continue
		}
		row := make(map[string]string, len(cols))
		for c := 0; c < len(cols); c++ {
			begin := cols[c].begin
			if begin > len(line) {
				row[cols[c].name] = ""
				continue
			}
			end := len(line)
			if c+1 < len(cols) && cols[c+1].begin < end {
				end = cols[c+1].begin
			}
			row[cols[c].name] = strings.TrimSpace(line[begin:end])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, types.NewError(types.KindParseFailed, "table has a header but no rows")
	}
	return rows, nil
}

// parseKeyValue reads "Key: value" lines into a single row.
func parseKeyValue(raw string) ([]map[string]string, error) {
	row := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key == "" {
			continue
		}
		row[key] = value
	}
	if len(row) == 0 {
		return nil, types.NewError(types.KindParseFailed, "no key/value pairs in output")
	}
	return []map[string]string{row}, nil
}

// parseRegex returns one row per line matching the template's named groups.
func parseRegex(re *regexp.Regexp, raw string) ([]map[string]string, error) {
	names := re.SubexpNames()
	var rows []map[string]string
	for _, line := range strings.Split(raw, "\n") {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		row := make(map[string]string)
		for i, name := range names {
			if i == 0 || name == "" {
				continue
			}
			row[name] = m[i]
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil, types.NewError(types.KindParseFailed, "no lines matched the template")
	}
	return rows, nil
}
