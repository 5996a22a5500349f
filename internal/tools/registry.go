package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"olav/internal/llm"
	"olav/internal/types"
)

// Registry holds the tool surface. Registration happens once at startup;
// lookups and execution are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	log   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{tools: make(map[string]*Tool), log: log}
}

// Register adds a tool. Duplicate names and nil handlers are rejected.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return types.NewError(types.KindInternal, "tool has no name")
	}
	if t.Handler == nil {
		return types.Errorf(types.KindInternal, "tool %s has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return types.Errorf(types.KindInternal, "tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister panics on registration failure. Startup wiring only.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs renders every tool as a model-facing definition, sorted by name.
func (r *Registry) Defs() []llm.ToolDef {
	names := r.Names()
	defs := make([]llm.ToolDef, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, name := range names {
		t := r.tools[name]
		defs[i] = llm.ToolDef{Name: t.Name, Description: t.Description, Schema: t.Schema.JSONSchema()}
	}
	return defs
}

// IsWrite reports whether a tool is write-class. Unknown tools are treated
// as write-class so nothing unvetted slips past the approval path.
func (r *Registry) IsWrite(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return true
	}
	return t.Write
}

// Execute validates the call against the tool's schema and runs the
// handler. NeedsApproval errors pass through untouched for the session
// layer to turn into interrupts.
func (r *Registry) Execute(ctx context.Context, name string, call Call) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", types.Errorf(types.KindNotFound, "unknown tool %q", name)
	}
	if err := validate(t, call.Args); err != nil {
		return "", err
	}

	started := time.Now()
	out, err := t.Handler(ctx, call)
	r.log.Debug("tool executed",
		zap.String("tool", name),
		zap.String("thread", call.ThreadID),
		zap.Bool("success", err == nil),
		zap.Duration("took", time.Since(started)))
	return out, err
}

// validate checks required arguments and argument types. Extra arguments
// not in the schema are rejected: the model gets a crisp error instead of
// silent argument loss.
func validate(t *Tool, args map[string]any) error {
	for _, req := range t.Schema.Required {
		if _, ok := args[req]; !ok {
			return types.Errorf(types.KindNotFound, "tool %s: missing required argument %q", t.Name, req)
		}
	}
	for name, value := range args {
		prop, ok := t.Schema.Properties[name]
		if !ok {
			return types.Errorf(types.KindNotPermitted, "tool %s: unexpected argument %q", t.Name, name)
		}
		if err := checkType(prop.Type, value); err != nil {
			return types.Errorf(types.KindParseFailed, "tool %s: argument %q: %v", t.Name, name, err)
		}
	}
	return nil
}

func checkType(want string, value any) error {
	switch want {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("want string, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("want boolean, got %T", value)
		}
	case "integer", "number":
		switch value.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("want %s, got %T", want, value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("want array, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("want object, got %T", value)
		}
	}
	return nil
}
