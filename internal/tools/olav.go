package tools

import (
	"context"
	"encoding/json"
	"time"

	"olav/internal/capability"
	"olav/internal/fleet"
	"olav/internal/inspect"
	"olav/internal/knowledge"
	"olav/internal/search"
	"olav/internal/types"
)

// Deps are the subsystems the standard tool surface drives.
type Deps struct {
	Engine       *fleet.Engine
	Capabilities *capability.Registry
	Orchestrator *inspect.Orchestrator
	Store        *knowledge.Store
	Index        *search.Index
}

// RegisterAll installs the standard tool surface.
func RegisterAll(r *Registry, d Deps) {
	r.MustRegister(listDevices(d))
	r.MustRegister(resolveSelector(d))
	r.MustRegister(executeCommand(d))
	r.MustRegister(executeAPI(d))
	r.MustRegister(searchCapabilities(d))
	r.MustRegister(inspectTool(d))
	r.MustRegister(readFile(d))
	r.MustRegister(writeFile(d))
	r.MustRegister(saveSolution(d))
	r.MustRegister(updateAlias(d))
	r.MustRegister(searchKnowledge(d))
	r.MustRegister(requestApproval())
}

func asJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", types.WrapError(types.KindInternal, "failed to encode tool result", err)
	}
	return string(data), nil
}

// ===== FLEET TOOLS =====

func listDevices(d Deps) *Tool {
	return &Tool{
		Name:        "list_devices",
		Description: "List inventory devices, optionally filtered by a selector (name, group:<g>, platform:<p>, site:<s>, comma-union).",
		Schema: Schema{Properties: map[string]Property{
			"filter": {Type: "string", Description: "Optional selector to narrow the listing."},
		}},
		Handler: func(ctx context.Context, call Call) (string, error) {
			devices, err := d.Engine.ListDevices(ctx, call.String("filter"))
			if err != nil {
				return "", err
			}
			return asJSON(devices)
		},
	}
}

func resolveSelector(d Deps) *Tool {
	return &Tool{
		Name:        "resolve_selector",
		Description: "Expand a device selector into the concrete device set. Unknown names land in 'missing'.",
		Schema: Schema{
			Required: []string{"selector"},
			Properties: map[string]Property{
				"selector": {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			res, err := d.Engine.Resolve(ctx, call.String("selector"))
			if err != nil {
				return "", err
			}
			return asJSON(map[string]any{"resolved": res.Names(), "missing": res.Missing})
		},
	}
}

func executeCommand(d Deps) *Tool {
	return &Tool{
		Name:        "execute_command",
		Description: "Run a whitelisted operational command on one device. Write commands interrupt for approval first.",
		Write:       true,
		Schema: Schema{
			Required: []string{"device", "command"},
			Properties: map[string]Property{
				"device":  {Type: "string", Description: "Device name or address."},
				"command": {Type: "string"},
				"parse":   {Type: "boolean", Description: "Parse output into structured rows when a template exists.", Default: true},
				"timeout": {Type: "string", Description: "Per-command timeout, e.g. \"60s\"."},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			opts := fleet.Options{
				Parse:    true,
				Approved: call.Approved,
				ThreadID: call.ThreadID,
			}
			if v, ok := call.Args["parse"].(bool); ok {
				opts.Parse = v
			}
			if t := call.String("timeout"); t != "" {
				dur, err := time.ParseDuration(t)
				if err != nil {
					return "", types.Errorf(types.KindParseFailed, "bad timeout %q", t)
				}
				opts.Timeout = dur
			}
			res, err := d.Engine.Execute(ctx, call.String("device"), call.String("command"), opts)
			if err != nil {
				return "", err
			}
			return asJSON(res)
		},
	}
}

func executeAPI(d Deps) *Tool {
	return &Tool{
		Name:        "execute_api",
		Description: "Call a whitelisted endpoint of an imported API system (e.g. netbox). Write methods interrupt for approval.",
		Write:       true,
		Schema: Schema{
			Required: []string{"system", "method", "path"},
			Properties: map[string]Property{
				"system": {Type: "string"},
				"method": {Type: "string", Enum: []any{"GET", "POST", "PUT", "PATCH", "DELETE"}},
				"path":   {Type: "string"},
				"body":   {Type: "object"},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			var body any
			if m := call.Map("body"); m != nil {
				body = m
			}
			res, err := d.Engine.ExecuteAPI(ctx, call.String("system"), call.String("method"), call.String("path"), body,
				fleet.Options{Approved: call.Approved, ThreadID: call.ThreadID})
			if err != nil {
				return "", err
			}
			return asJSON(res)
		},
	}
}

func searchCapabilities(d Deps) *Tool {
	return &Tool{
		Name:        "search_capabilities",
		Description: "Search the capability whitelist for commands and API endpoints matching a query.",
		Schema: Schema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query":    {Type: "string"},
				"platform": {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			hits := d.Capabilities.Search(call.String("query"), capability.SearchOptions{
				Platform: call.String("platform"),
			})
			return asJSON(hits)
		},
	}
}

// ===== INSPECTION =====

func inspectTool(d Deps) *Tool {
	return &Tool{
		Name:        "inspect",
		Description: "Plan or run a skill over a device set. dry_run returns the plan without touching devices; persist writes the report into the knowledge store (needs approval).",
		Schema: Schema{
			Required: []string{"skill_id", "selector"},
			Properties: map[string]Property{
				"skill_id":   {Type: "string"},
				"selector":   {Type: "string"},
				"parameters": {Type: "object"},
				"dry_run":    {Type: "boolean"},
				"persist":    {Type: "boolean"},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			persist := call.Bool("persist")
			if persist && !call.Approved {
				return "", types.NeedsApproval("inspect", call.Args)
			}
			plan, err := d.Orchestrator.Prepare(ctx, call.String("skill_id"), call.String("selector"), call.Map("parameters"), call.Bool("dry_run"))
			if err != nil {
				return "", err
			}
			if plan.DryRun {
				return asJSON(plan)
			}
			plan.ThreadID = call.ThreadID
			report, err := d.Orchestrator.Run(ctx, plan, persist)
			if err != nil {
				return "", err
			}
			return asJSON(map[string]any{
				"aggregate":    report.Aggregate,
				"markdown":     report.Markdown,
				"spilled_to":   report.SpilledTo,
				"persisted_to": report.PersistedTo,
				"cancelled":    report.Cancelled,
				"tokens_in":    report.TokensIn,
				"tokens_out":   report.TokensOut,
			})
		},
	}
}

// ===== KNOWLEDGE TOOLS =====

func readFile(d Deps) *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a file from the agent directory (skills, knowledge, imports, OLAV.md).",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Path relative to the agent directory."},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			return d.Store.Read(call.String("path"))
		},
	}
}

func writeFile(d Deps) *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Write a file under skills/, knowledge/ or imports/commands/. Interrupts for approval.",
		Write:       true,
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path":    {Type: "string"},
				"content": {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			err := d.Store.Write(call.String("path"), call.String("content"), knowledge.OriginAgent, call.Approved)
			if err != nil {
				return "", err
			}
			return "written: " + call.String("path"), nil
		},
	}
}

func saveSolution(d Deps) *Tool {
	return &Tool{
		Name:        "save_solution",
		Description: "Save a troubleshooting solution document into the knowledge base. Interrupts for approval.",
		Write:       true,
		Schema: Schema{
			Required: []string{"title"},
			Properties: map[string]Property{
				"title":      {Type: "string"},
				"problem":    {Type: "string"},
				"process":    {Type: "string"},
				"root_cause": {Type: "string"},
				"solution":   {Type: "string"},
				"commands":   {Type: "array", Items: &Items{Type: "string"}},
				"tags":       {Type: "array", Items: &Items{Type: "string"}},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			rel, err := d.Store.SaveSolution(knowledge.Solution{
				Title:     call.String("title"),
				Problem:   call.String("problem"),
				Process:   call.String("process"),
				RootCause: call.String("root_cause"),
				Solution:  call.String("solution"),
				Commands:  call.Strings("commands"),
				Tags:      call.Strings("tags"),
			}, knowledge.OriginAgent, call.Approved)
			if err != nil {
				return "", err
			}
			return "saved: " + rel, nil
		},
	}
}

func updateAlias(d Deps) *Tool {
	return &Tool{
		Name:        "update_alias",
		Description: "Add or replace a device/group alias in knowledge/aliases.md. Interrupts for approval.",
		Write:       true,
		Schema: Schema{
			Required: []string{"alias", "type", "value"},
			Properties: map[string]Property{
				"alias":    {Type: "string"},
				"type":     {Type: "string", Enum: []any{"device", "group"}},
				"value":    {Type: "string"},
				"platform": {Type: "string"},
				"notes":    {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			err := d.Store.UpdateAlias(knowledge.Alias{
				Alias:    call.String("alias"),
				Type:     call.String("type"),
				Value:    call.String("value"),
				Platform: call.String("platform"),
				Notes:    call.String("notes"),
			}, knowledge.OriginAgent, call.Approved)
			if err != nil {
				return "", err
			}
			return "alias updated: " + call.String("alias"), nil
		},
	}
}

func searchKnowledge(d Deps) *Tool {
	return &Tool{
		Name:        "search_knowledge",
		Description: "Hybrid search over skills, solutions and notes. Filters: category (skill|solution|alias|knowledge), platform, tags.",
		Schema: Schema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query":    {Type: "string"},
				"category": {Type: "string"},
				"platform": {Type: "string"},
				"tags":     {Type: "array", Items: &Items{Type: "string"}},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			results, err := d.Index.Search(ctx, call.String("query"), search.Filters{
				Category: call.String("category"),
				Platform: call.String("platform"),
				Tags:     call.Strings("tags"),
			})
			if err != nil {
				return "", err
			}
			return asJSON(results)
		},
	}
}

// ===== APPROVAL =====

func requestApproval() *Tool {
	return &Tool{
		Name:        "request_approval",
		Description: "Explicitly request human approval for a planned action. Always interrupts the session.",
		Write:       true,
		Schema: Schema{
			Required: []string{"tool"},
			Properties: map[string]Property{
				"tool": {Type: "string", Description: "The tool the approval is for."},
				"args": {Type: "object", Description: "The arguments the approved call will use."},
			},
		},
		Handler: func(ctx context.Context, call Call) (string, error) {
			if call.Approved {
				return "approved", nil
			}
			return "", types.NeedsApproval(call.String("tool"), call.Map("args"))
		},
	}
}
