// Package tools is the surface the conversation model can call. Every tool
// has a typed schema the registry validates before its handler runs, and
// write-class tools surface NeedsApproval instead of acting until the
// thread's human has approved them.
package tools

import (
	"context"
)

// Property describes one argument in a tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Items       *Items `json:"items,omitempty"`
}

// Items is the element schema for array properties.
type Items struct {
	Type string `json:"type"`
}

// Schema is the JSON Schema for a tool's arguments.
type Schema struct {
	Required   []string            `json:"required,omitempty"`
	Properties map[string]Property `json:"properties"`
}

// JSONSchema renders the schema as the generic object the model providers
// expect.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// Call carries one invocation's arguments plus the session context the
// handler needs for auditing and approval gating.
type Call struct {
	Args     map[string]any
	ThreadID string
	// Approved marks that the thread's human approved this exact call
	// (set on the re-invocation after an approval interrupt).
	Approved bool
}

// String returns a string argument, "" when absent.
func (c Call) String(name string) string {
	s, _ := c.Args[name].(string)
	return s
}

// Bool returns a bool argument, false when absent.
func (c Call) Bool(name string) bool {
	b, _ := c.Args[name].(bool)
	return b
}

// Strings returns a string-array argument.
func (c Call) Strings(name string) []string {
	raw, ok := c.Args[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns an object argument.
func (c Call) Map(name string) map[string]any {
	m, _ := c.Args[name].(map[string]any)
	return m
}

// HandlerFunc executes a tool call and returns the text handed back to the
// model.
type HandlerFunc func(ctx context.Context, call Call) (string, error)

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	// Write marks tools that mutate device or knowledge state. The session
	// layer interrupts these for approval before re-invoking.
	Write   bool
	Schema  Schema
	Handler HandlerFunc
}
