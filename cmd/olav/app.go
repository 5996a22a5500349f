package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"olav/internal/capability"
	"olav/internal/config"
	"olav/internal/embedding"
	"olav/internal/fleet"
	"olav/internal/inspect"
	"olav/internal/inventory"
	"olav/internal/knowledge"
	"olav/internal/llm"
	"olav/internal/logging"
	"olav/internal/search"
	"olav/internal/session"
	"olav/internal/skill"
	"olav/internal/tools"
	"olav/internal/transport"
	"olav/internal/types"
)

// fallbackPrompt is used when the agent directory carries no OLAV.md.
const fallbackPrompt = `You are OLAV, a network operations assistant.
You operate on a whitelisted device fleet through the provided tools.
Read-only diagnostics run freely; configuration changes always go through
the approval flow. Prefer searching the knowledge base before guessing.`

// app is the composed process: every subsystem wired in dependency order.
// Subcommands build one, use the parts they need, and close it.
type app struct {
	cfg *config.Config
	log *zap.Logger

	audit   logging.Sink
	caps    *capability.Registry
	watcher *capability.Watcher
	catalog *skill.Catalog
	pool    *fleet.Pool
	engine  *fleet.Engine
	store   *knowledge.Store
	index   *search.Index
	orch    *inspect.Orchestrator
	tools   *tools.Registry
	threads *session.Store

	// mgr is built lazily: subcommands that never talk to the model must
	// work without an API key.
	mgr *session.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Load(agentDir)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if logJSON {
		cfg.Logging.Format = "json"
	}
	if err := logging.Init(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logging.Named("app"), audit: logging.NopSink{}}

	if cfg.Audit.Path != "" {
		sink, err := logging.NewFileSink(cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		a.audit = sink
	}

	a.caps = capability.NewRegistry(cfg.CommandsDir(), cfg.APIsDir(), logging.Named("capability"))
	if counts, err := a.caps.Reload(); err != nil {
		a.log.Warn("capability load failed", zap.Error(err))
	} else {
		a.log.Debug("capabilities loaded", zap.Any("platforms", counts))
	}

	a.catalog = skill.NewCatalog(cfg.SkillsDir(), logging.Named("skill"))
	if n, err := a.catalog.Reload(); err != nil {
		a.log.Warn("skill catalog load failed", zap.Error(err))
	} else {
		a.log.Debug("skills loaded", zap.Int("count", n))
	}

	provider, err := buildInventory(cfg, a.log)
	if err != nil {
		a.close()
		return nil, err
	}

	parser, err := fleet.NewTemplateParser(cfg.Execution.TemplateDir, logging.Named("parser"))
	if err != nil {
		a.close()
		return nil, err
	}

	topts := transport.Options{ConnectTimeout: cfg.ConnectTimeout()}
	a.pool = fleet.NewPool(
		[]transport.Transport{transport.NewSSH(topts), transport.NewNetconf(topts)},
		transport.EnvCredentialProvider{},
		fleet.PoolOptions{ConnectTimeout: cfg.ConnectTimeout(), IdleClose: cfg.IdleClose()},
		logging.Named("pool"))

	a.engine = fleet.NewEngine(a.caps, provider, a.pool, parser, fleet.NewAPIClient(cfg.APIs), a.audit,
		fleet.Config{
			DefaultTimeout: cfg.ExecuteTimeout(),
			MaxTimeout:     cfg.ExecuteTimeoutCap(),
			ParseFallback:  cfg.Execution.ParseFallback,
		}, logging.Named("fleet"))

	a.store = knowledge.NewStore(cfg.AgentDir, logging.Named("knowledge"))

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		// Vector search is optional; the index degrades to lexical-only.
		a.log.Warn("embedding engine unavailable", zap.Error(err))
		embedder = nil
	}
	a.index, err = search.NewIndex(cfg.Search.IndexPath, embedder,
		search.Options{TopK: cfg.Search.TopK, TopN: cfg.Search.TopN, TopM: cfg.Search.TopM},
		logging.Named("search"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.store.SetReindexHook(func(rel string) {
		content, rerr := a.store.Read(rel)
		if rerr != nil {
			return
		}
		if uerr := a.index.Upsert(context.Background(), search.DocumentFromFile(rel, content)); uerr != nil {
			a.log.Warn("reindex after write failed", zap.String("path", rel), zap.Error(uerr))
		}
	})

	minTimeout, maxTimeout := cfg.DeviceTimeoutBounds()
	a.orch = inspect.NewOrchestrator(a.catalog, a.engine, a.store, inspect.Config{
		Concurrency:      cfg.Concurrency.DevicesPerInspection,
		MaxInspections:   int64(cfg.Concurrency.Inspections),
		CancelGrace:      cfg.CancelGrace(),
		DeviceTimeoutMin: minTimeout,
		DeviceTimeoutMax: maxTimeout,
		SpillTokens:      cfg.Inspection.SpillTokens,
		SpillDir:         cfg.Inspection.SpillDir,
	}, logging.Named("inspect"))

	a.tools = tools.NewRegistry(logging.Named("tools"))
	tools.RegisterAll(a.tools, tools.Deps{
		Engine:       a.engine,
		Capabilities: a.caps,
		Orchestrator: a.orch,
		Store:        a.store,
		Index:        a.index,
	})

	a.threads, err = session.NewStore(cfg.Session.ThreadDBPath, logging.Named("session"))
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// buildInventory wires the configured inventory backend. A missing static
// roster is survivable: everything resolves to an empty scope until the
// operator writes one.
func buildInventory(cfg *config.Config, log *zap.Logger) (inventory.Provider, error) {
	switch cfg.Inventory.Provider {
	case "http":
		return inventory.NewHTTPProvider(cfg.Inventory.BaseURL, cfg.Inventory.TokenEnv), nil
	case "", "static":
		if _, err := os.Stat(cfg.Inventory.Path); os.IsNotExist(err) {
			log.Warn("inventory file missing, fleet is empty", zap.String("path", cfg.Inventory.Path))
			return emptyInventory{}, nil
		}
		return inventory.NewStaticProvider(cfg.Inventory.Path)
	default:
		return nil, types.Errorf(types.KindInternal, "unsupported inventory provider %q (want static or http)", cfg.Inventory.Provider)
	}
}

type emptyInventory struct{}

func (emptyInventory) List(ctx context.Context) ([]inventory.Device, error) { return nil, nil }

func (emptyInventory) Get(ctx context.Context, name string) (inventory.Device, error) {
	return inventory.Device{}, types.Errorf(types.KindNotFound, "device %q not in inventory", name)
}

// manager builds the conversation stack on first use.
func (a *app) manager() (*session.Manager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}
	client, err := llm.NewClient(a.cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.mgr = session.NewManager(a.threads, client, a.tools, session.Config{
		HistoryLimit: a.cfg.Session.HistoryLimit,
		MaxSessions:  a.cfg.Concurrency.Sessions,
		SystemPrompt: a.systemPrompt(),
	}, logging.Named("session"))
	return a.mgr, nil
}

// systemPrompt reads the identity document, falling back to the built-in
// prompt when the agent directory has none.
func (a *app) systemPrompt() string {
	data, err := os.ReadFile(a.cfg.IdentityPath())
	if err != nil {
		return fallbackPrompt
	}
	return string(data)
}

// watch starts the import-directory watcher for long-lived modes.
func (a *app) watch(ctx context.Context) {
	w, err := capability.NewWatcher(a.caps, logging.Named("watcher"))
	if err != nil {
		a.log.Warn("file watcher unavailable", zap.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		a.log.Warn("file watcher failed to start", zap.Error(err))
		return
	}
	a.watcher = w
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.index != nil {
		_ = a.index.Close()
	}
	if a.threads != nil {
		_ = a.threads.Close()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
}
