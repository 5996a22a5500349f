package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// writeExtension marks an OpenAPI operation as requiring approval.
const writeExtension = "x-olav-write"

func (r *Registry) loadAPIs(add func(*Capability)) error {
	entries, err := os.ReadDir(r.apisDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read apis dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(r.apisDir, name)
		system := strings.TrimSuffix(name, filepath.Ext(name))
		caps, err := parseOpenAPIFile(path, system)
		if err != nil {
			return fmt.Errorf("api file %s: %w", name, err)
		}
		for _, c := range caps {
			add(c)
		}
	}
	return nil
}

// parseOpenAPIFile flattens one OpenAPI document into capabilities, one per
// (path, method) pair. Operations carrying `x-olav-write: true` become write
// capabilities.
func parseOpenAPIFile(path, system string) ([]*Capability, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse openapi document: %w", err)
	}
	if doc.Paths == nil {
		return nil, nil
	}

	var caps []*Capability
	for tmpl, item := range doc.Paths.Map() {
		if item == nil {
			continue
		}
		for method, op := range item.Operations() {
			if op == nil {
				continue
			}
			caps = append(caps, &Capability{
				Kind:        KindAPI,
				Platform:    system,
				Pattern:     tmpl,
				Method:      strings.ToUpper(method),
				Description: operationDescription(op),
				Parameters:  collectParameters(item.Parameters, op.Parameters),
				IsWrite:     isWriteOperation(op),
				SourceFile:  path,
			})
		}
	}

	// Paths.Map iteration order is not stable; keep the index deterministic.
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Pattern != caps[j].Pattern {
			return caps[i].Pattern < caps[j].Pattern
		}
		return caps[i].Method < caps[j].Method
	})
	return caps, nil
}

func isWriteOperation(op *openapi3.Operation) bool {
	v, ok := op.Extensions[writeExtension]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func operationDescription(op *openapi3.Operation) string {
	if op.Summary != "" {
		return op.Summary
	}
	if op.Description == "" {
		return ""
	}
	// First line only; descriptions can run to paragraphs.
	if i := strings.IndexByte(op.Description, '\n'); i >= 0 {
		return strings.TrimSpace(op.Description[:i])
	}
	return strings.TrimSpace(op.Description)
}

// collectParameters merges path-item level and operation level parameters;
// operation level wins on (name, in) collision.
func collectParameters(shared, own openapi3.Parameters) []Parameter {
	merged := make(map[string]Parameter)
	order := make([]string, 0, len(shared)+len(own))

	capture := func(refs openapi3.Parameters) {
		for _, ref := range refs {
			if ref == nil || ref.Value == nil {
				continue
			}
			v := ref.Value
			p := Parameter{Name: v.Name, In: v.In, Required: v.Required}
			if v.Schema != nil && v.Schema.Value != nil && v.Schema.Value.Type != nil {
				if ts := v.Schema.Value.Type.Slice(); len(ts) > 0 {
					p.Type = ts[0]
				}
			}
			key := v.In + "\x00" + v.Name
			if _, exists := merged[key]; !exists {
				order = append(order, key)
			}
			merged[key] = p
		}
	}
	capture(shared)
	capture(own)

	if len(order) == 0 {
		return nil
	}
	out := make([]Parameter, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out
}
