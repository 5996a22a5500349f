package fleet

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"olav/internal/capability"
	"olav/internal/inventory"
	"olav/internal/logging"
	"olav/internal/types"
)

// ===== EXECUTION ENGINE =====

// Config bounds single-device execution.
type Config struct {
	DefaultTimeout time.Duration // per-command default (30s)
	MaxTimeout     time.Duration // per-command cap (300s)
	ParseFallback  bool          // return raw output when parsing fails
}

// Options tunes one execute call.
type Options struct {
	Timeout          time.Duration
	Parse            bool
	PlatformOverride string
	// Transport selects the protocol; empty falls back to the device's
	// "transport" attribute, then "ssh".
	Transport string
	// Approved marks that a human approved this write on the thread.
	Approved bool
	// ThreadID tags audit entries with the originating conversation.
	ThreadID string
}

// Engine is the fleet execution engine: capability gate, approval gate,
// pooled execution, parsing, token accounting. Every device-facing call
// lands an audit entry, denials included.
type Engine struct {
	registry *capability.Registry
	provider inventory.Provider
	pool     *Pool
	parser   Parser
	api      *APIClient
	audit    logging.Sink
	cfg      Config
	log      *zap.Logger
}

// NewEngine wires the engine. parser and api may be nil (no parsing, no API
// execution); audit may be nil for a silent engine.
func NewEngine(reg *capability.Registry, provider inventory.Provider, pool *Pool, parser Parser, api *APIClient, audit logging.Sink, cfg Config, log *zap.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 300 * time.Second
	}
	if audit == nil {
		audit = logging.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		registry: reg,
		provider: provider,
		pool:     pool,
		parser:   parser,
		api:      api,
		audit:    audit,
		cfg:      cfg,
		log:      log,
	}
}

// Execute runs one CLI command on one device.
//
// Order of gates: capability match before any I/O; write capabilities
// surface NeedsApproval without touching the device; only then is the
// connection opened and the command sent.
func (e *Engine) Execute(ctx context.Context, deviceRef, operation string, opts Options) (*ExecutionResult, error) {
	device, err := e.lookupDevice(ctx, deviceRef)
	if err != nil {
		return nil, err
	}
	platform := device.Platform
	if opts.PlatformOverride != "" {
		platform = opts.PlatformOverride
	}

	cap, err := e.registry.MatchCommand(platform, operation)
	if err != nil {
		e.record(logging.Entry{
			ThreadID:  opts.ThreadID,
			Device:    device.Name,
			Operation: operation,
			Success:   false,
			Error:     err.Error(),
		})
		return nil, err
	}

	if cap.IsWrite && !opts.Approved {
		return nil, types.NeedsApproval("execute_command", map[string]any{
			"device":    device.Name,
			"operation": operation,
		})
	}

	timeout := e.clampTimeout(opts.Timeout)
	proto := opts.Transport
	if proto == "" {
		proto = device.Attr("transport")
	}
	if proto == "" {
		proto = "ssh"
	}

	raw, elapsed, err := e.pool.Execute(ctx, device, proto, operation, timeout)
	entry := logging.Entry{
		ThreadID:   opts.ThreadID,
		Device:     device.Name,
		Operation:  operation,
		Success:    err == nil,
		DurationMS: elapsed.Milliseconds(),
		Bytes:      len(raw),
	}
	if err != nil {
		entry.Error = err.Error()
		e.record(entry)
		return nil, err
	}
	e.record(entry)

	result := &ExecutionResult{
		Device:         device.Name,
		PatternMatched: cap.Pattern,
		Raw:            raw,
		TokensRaw:      Tokens(raw),
		DurationMS:     elapsed.Milliseconds(),
		Success:        true,
	}

	if opts.Parse && e.parser != nil && e.parser.Supports(platform, operation) {
		rows, perr := e.parser.Parse(platform, operation, raw)
		switch {
		case perr == nil:
			result.Parsed = rows
			result.Structured = true
			if rendered, jerr := json.Marshal(rows); jerr == nil {
				result.TokensParsed = Tokens(string(rendered))
			}
			if saved := result.TokensRaw - result.TokensParsed; saved > 0 {
				result.TokensSaved = saved
			}
		case e.cfg.ParseFallback:
			e.log.Debug("template parse failed, returning raw output",
				zap.String("device", device.Name),
				zap.String("operation", operation),
				zap.Error(perr))
		default:
			return nil, types.WrapError(types.KindParseFailed, "failed to parse output of "+operation, perr)
		}
	}
	return result, nil
}

// ExecuteAPI runs one whitelisted API operation against a configured system.
func (e *Engine) ExecuteAPI(ctx context.Context, system, method, path string, body any, opts Options) (*ExecutionResult, error) {
	cap, err := e.registry.MatchAPI(system, method, path)
	if err != nil {
		e.record(logging.Entry{
			ThreadID:  opts.ThreadID,
			Device:    system,
			Operation: method + " " + path,
			Success:   false,
			Error:     err.Error(),
		})
		return nil, err
	}

	if cap.IsWrite && !opts.Approved {
		return nil, types.NeedsApproval("execute_api", map[string]any{
			"system": system,
			"method": method,
			"path":   path,
		})
	}

	if e.api == nil {
		return nil, types.Errorf(types.KindNotFound, "no API endpoint configured for system %q", system)
	}

	timeout := e.clampTimeout(opts.Timeout)
	started := time.Now()
	respBody, err := e.api.Do(ctx, system, method, path, body, timeout)
	elapsed := time.Since(started)

	entry := logging.Entry{
		ThreadID:   opts.ThreadID,
		Device:     system,
		Operation:  method + " " + path,
		Success:    err == nil,
		DurationMS: elapsed.Milliseconds(),
		Bytes:      len(respBody),
	}
	if err != nil {
		entry.Error = err.Error()
		e.record(entry)
		return nil, err
	}
	e.record(entry)

	return &ExecutionResult{
		Device:         system,
		PatternMatched: cap.Method + " " + cap.Pattern,
		Raw:            respBody,
		TokensRaw:      Tokens(respBody),
		DurationMS:     elapsed.Milliseconds(),
		Success:        true,
	}, nil
}

// Resolve evaluates a selector and fails with EmptyScope when nothing
// resolves; missing names alone never abort.
func (e *Engine) Resolve(ctx context.Context, selector string) (inventory.Resolution, error) {
	sel, err := inventory.ParseSelector(selector)
	if err != nil {
		return inventory.Resolution{}, err
	}
	res, err := inventory.Resolve(ctx, e.provider, sel)
	if err != nil {
		return inventory.Resolution{}, err
	}
	if len(res.Resolved) == 0 {
		return res, types.Errorf(types.KindEmptyScope, "selector %q matched no devices", selector)
	}
	return res, nil
}

// ListDevices reads through the inventory. An empty filter lists everything;
// an empty result is not an error here.
func (e *Engine) ListDevices(ctx context.Context, filter string) ([]inventory.Device, error) {
	if filter == "" {
		return e.provider.List(ctx)
	}
	sel, err := inventory.ParseSelector(filter)
	if err != nil {
		return nil, err
	}
	res, err := inventory.Resolve(ctx, e.provider, sel)
	if err != nil {
		return nil, err
	}
	return res.Resolved, nil
}

// Pool exposes the connection pool for status and cancellation paths.
func (e *Engine) Pool() *Pool { return e.pool }

func (e *Engine) clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		d = e.cfg.DefaultTimeout
	}
	if d > e.cfg.MaxTimeout {
		d = e.cfg.MaxTimeout
	}
	return d
}

func (e *Engine) lookupDevice(ctx context.Context, ref string) (inventory.Device, error) {
	d, err := e.provider.Get(ctx, ref)
	if err == nil {
		return d, nil
	}
	if types.KindOf(err) != types.KindNotFound {
		return inventory.Device{}, err
	}
	// Allow addressing by management IP.
	roster, lerr := e.provider.List(ctx)
	if lerr != nil {
		return inventory.Device{}, lerr
	}
	for _, d := range roster {
		if d.Address == ref {
			return d, nil
		}
	}
	return inventory.Device{}, err
}

func (e *Engine) record(entry logging.Entry) {
	e.audit.Record(entry)
}
