// Package skill loads the Markdown skill catalog: structured inspection
// procedures with typed parameters, per-platform command sequences, and
// declarative acceptance criteria. The orchestrator fans these out over
// device sets; this package only parses and validates.
package skill

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"olav/internal/types"
)

// Parameter is one declared skill parameter.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, int, bool
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Step is one command in a platform sequence.
type Step struct {
	// Run is the command, with {{param}} placeholders bound at plan time.
	Run string `json:"run"`
	// Parse requests structured output via the template parser.
	Parse bool `json:"parse"`
	// Independent steps may run in parallel with adjacent independent
	// steps on the same device.
	Independent bool `json:"independent"`
	// Fail and Warn are acceptance criteria evaluated against the parsed
	// rows of this step; a matching row assigns the tier.
	Fail string `json:"fail,omitempty"`
	Warn string `json:"warn,omitempty"`

	failExpr *Expr
	warnExpr *Expr
}

// FailExpr returns the compiled fail criteria, nil when absent.
func (s *Step) FailExpr() *Expr { return s.failExpr }

// WarnExpr returns the compiled warn criteria, nil when absent.
func (s *Step) WarnExpr() *Expr { return s.warnExpr }

// Skill is one parsed skill document.
type Skill struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Version          string            `json:"version"`
	Triggers         []string          `json:"triggers,omitempty"`
	Platforms        []string          `json:"platforms,omitempty"`
	Parameters       []Parameter       `json:"parameters,omitempty"`
	Commands         map[string][]Step `json:"commands"`
	EstimatedRuntime time.Duration     `json:"estimated_runtime"`
	Enabled          bool              `json:"enabled"`
	Path             string            `json:"path"`
	Body             string            `json:"-"`
}

// StepsFor returns the command sequence for a platform, nil when the skill
// does not support it.
func (s *Skill) StepsFor(platform string) []Step {
	for p, steps := range s.Commands {
		if strings.EqualFold(p, platform) {
			return steps
		}
	}
	return nil
}

// Parse builds a Skill from document content. The path is recorded and its
// basename is the fallback id.
func Parse(path, content string) (*Skill, error) {
	header, body, err := SplitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("skill %s: %w", path, err)
	}

	sk := &Skill{
		ID:          headerString(header, "id"),
		Name:        headerString(header, "name"),
		Description: headerString(header, "description"),
		Version:     headerString(header, "version"),
		Triggers:    headerStrings(header, "triggers"),
		Platforms:   headerStrings(header, "platforms"),
		Enabled:     headerBool(header, "enabled", true),
		Path:        path,
		Body:        strings.TrimSpace(body),
		Commands:    map[string][]Step{},
	}
	if sk.ID == "" {
		return nil, fmt.Errorf("skill %s: missing id", path)
	}
	if sk.Name == "" {
		sk.Name = sk.ID
	}
	if sk.Version == "" {
		sk.Version = "1"
	}
	if rt := headerString(header, "estimated_runtime"); rt != "" {
		d, err := time.ParseDuration(rt)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("skill %s: bad estimated_runtime %q", path, rt)
		}
		sk.EstimatedRuntime = d
	}

	if err := sk.parseParameters(header); err != nil {
		return nil, fmt.Errorf("skill %s: %w", path, err)
	}
	if err := sk.parseCommands(header); err != nil {
		return nil, fmt.Errorf("skill %s: %w", path, err)
	}
	if len(sk.Commands) == 0 {
		return nil, fmt.Errorf("skill %s: no command sequences declared", path)
	}
	if len(sk.Platforms) == 0 {
		for p := range sk.Commands {
			sk.Platforms = append(sk.Platforms, p)
		}
	}
	return sk, nil
}

func (sk *Skill) parseParameters(header map[string]any) error {
	raw, ok := header["parameters"].([]any)
	if !ok {
		return nil
	}
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("parameter %d is not a declaration block", i+1)
		}
		p := Parameter{
			Name:        headerString(m, "name"),
			Type:        headerString(m, "type"),
			Required:    headerBool(m, "required", false),
			Default:     headerString(m, "default"),
			Description: headerString(m, "description"),
		}
		if p.Name == "" {
			return fmt.Errorf("parameter %d has no name", i+1)
		}
		switch p.Type {
		case "":
			p.Type = "string"
		case "string", "int", "bool":
		default:
			return fmt.Errorf("parameter %q has unknown type %q", p.Name, p.Type)
		}
		sk.Parameters = append(sk.Parameters, p)
	}
	return nil
}

func (sk *Skill) parseCommands(header map[string]any) error {
	raw, ok := header["commands"].(map[string]any)
	if !ok {
		return nil
	}
	for platform, v := range raw {
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("commands for %s are not a step list", platform)
		}
		var steps []Step
		for i, item := range items {
			var step Step
			switch s := item.(type) {
			case string:
				step.Run = s
			case map[string]any:
				step.Run = headerString(s, "run")
				step.Parse = headerBool(s, "parse", false)
				step.Independent = headerBool(s, "independent", false)
				step.Fail = headerString(s, "fail")
				step.Warn = headerString(s, "warn")
			default:
				return fmt.Errorf("commands for %s: step %d is malformed", platform, i+1)
			}
			if step.Run == "" {
				return fmt.Errorf("commands for %s: step %d has no run command", platform, i+1)
			}
			var err error
			if step.failExpr, err = CompileCriteria(step.Fail); err != nil {
				return fmt.Errorf("commands for %s: step %d: %w", platform, i+1, err)
			}
			if step.warnExpr, err = CompileCriteria(step.Warn); err != nil {
				return fmt.Errorf("commands for %s: step %d: %w", platform, i+1, err)
			}
			// Criteria require structured rows.
			if step.failExpr != nil || step.warnExpr != nil {
				step.Parse = true
			}
			steps = append(steps, step)
		}
		sk.Commands[platform] = steps
	}
	return nil
}

// ===== PARAMETER BINDING =====

// BindParameters validates supplied parameters against the declarations,
// coercing strings to ints and bools where unambiguous and filling defaults.
// Unknown parameters are rejected; missing required ones fail.
func (sk *Skill) BindParameters(supplied map[string]any) (map[string]any, error) {
	declared := make(map[string]Parameter, len(sk.Parameters))
	for _, p := range sk.Parameters {
		declared[p.Name] = p
	}
	for name := range supplied {
		if _, ok := declared[name]; !ok {
			return nil, types.Errorf(types.KindNotFound, "skill %s does not declare parameter %q", sk.ID, name)
		}
	}

	bound := make(map[string]any, len(declared))
	for _, p := range sk.Parameters {
		v, ok := supplied[p.Name]
		if !ok {
			if p.Default != "" {
				v = p.Default
			} else if p.Required {
				return nil, types.Errorf(types.KindNotFound, "skill %s requires parameter %q", sk.ID, p.Name)
			} else {
				continue
			}
		}
		coerced, err := coerce(v, p.Type)
		if err != nil {
			return nil, types.Errorf(types.KindInternal, "parameter %q: %v", p.Name, err)
		}
		bound[p.Name] = coerced
	}
	return bound, nil
}

func coerce(v any, typ string) (any, error) {
	switch typ {
	case "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case "int":
		switch x := v.(type) {
		case int:
			return x, nil
		case float64:
			if x == float64(int(x)) {
				return int(x), nil
			}
			return nil, fmt.Errorf("%v is not an integer", x)
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", x)
			}
			return n, nil
		}
	case "bool":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(x)))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", x)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, typ)
}

// BindCommand substitutes {{param}} placeholders in a step's command.
func BindCommand(run string, params map[string]any) string {
	for name, v := range params {
		run = strings.ReplaceAll(run, "{{"+name+"}}", fmt.Sprintf("%v", v))
	}
	return run
}
