// Package config holds the layered OLAV configuration: compiled defaults,
// the on-disk settings document under the agent directory, and environment
// overrides for secrets and deployment wiring (lowest to highest precedence).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the process-wide read-only configuration snapshot. It is built
// once at startup and threaded through constructors; components never read
// the settings file themselves.
type Config struct {
	// AgentDir is the root of the agent directory (identity document,
	// skills, knowledge, imports, settings).
	AgentDir string `json:"agent_dir"`

	Inventory   InventoryConfig   `json:"inventory"`
	Execution   ExecutionConfig   `json:"execution"`
	Concurrency ConcurrencyConfig `json:"concurrency"`
	Inspection  InspectionConfig  `json:"inspection"`
	Search      SearchConfig      `json:"search"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	LLM         LLMConfig         `json:"llm"`
	Session     SessionConfig     `json:"session"`
	Audit       AuditConfig       `json:"audit"`
	Logging     LoggingConfig     `json:"logging"`

	// APIs maps an API system name (matching imports/apis/<system>.yaml)
	// to its endpoint wiring.
	APIs map[string]APIEndpointConfig `json:"apis,omitempty"`
}

// APIEndpointConfig wires one whitelisted API system to a live endpoint.
type APIEndpointConfig struct {
	BaseURL string `json:"base_url"`
	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `json:"token_env,omitempty"`
}

// InventoryConfig wires the inventory provider.
type InventoryConfig struct {
	// Provider selects the inventory backend: "static" (YAML file) or
	// "http" (inventory-of-record API).
	Provider string `json:"provider"`

	// Path is the inventory file for the static provider.
	Path string `json:"path"`

	// BaseURL and TokenEnv configure the http provider. The token itself
	// is only ever read from the named environment variable.
	BaseURL  string `json:"base_url"`
	TokenEnv string `json:"token_env"`
}

// ExecutionConfig bounds single-device execution.
type ExecutionConfig struct {
	DefaultTimeout string `json:"default_timeout"` // per-command, default 30s
	MaxTimeout     string `json:"max_timeout"`     // per-command cap, default 300s
	ConnectTimeout string `json:"connect_timeout"` // session open, default 15s
	IdleClose      string `json:"idle_close"`      // idle Ready connections, default 300s

	// ParseFallback returns raw output when template parsing fails instead
	// of failing the call.
	ParseFallback bool `json:"parse_fallback"`

	// TemplateDir holds the platform output templates used by the parser.
	TemplateDir string `json:"template_dir"`
}

// ConcurrencyConfig holds the process-wide parallelism limits.
type ConcurrencyConfig struct {
	DevicesPerInspection int `json:"devices_per_inspection"` // default 10
	Inspections          int `json:"inspections"`            // default 4
	Sessions             int `json:"sessions"`               // default 50
}

// InspectionConfig bounds orchestrator runs.
type InspectionConfig struct {
	CancelGrace      string `json:"cancel_grace"`       // default 5s
	DeviceTimeoutMin string `json:"device_timeout_min"` // default 30s
	DeviceTimeoutMax string `json:"device_timeout_max"` // default 600s

	// SpillTokens is the report size above which the rendered report is
	// written to a file and replaced by a pointer. Default 20000.
	SpillTokens int `json:"spill_tokens"`

	// SpillDir receives spilled reports. Defaults to <agent_dir>/reports.
	SpillDir string `json:"spill_dir"`
}

// SearchConfig holds hybrid retrieval knobs.
type SearchConfig struct {
	IndexPath string `json:"index_path"` // search index database

	TopK int `json:"top_k"` // per-leg candidates for fusion, default 50
	TopN int `json:"top_n"` // fused results, default 10
	TopM int `json:"top_m"` // post-rerank results, default 5
}

// EmbeddingConfig selects the vector embedder.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "" to disable vector search.
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	GenAIAPIKey string `json:"-"` // env only, never persisted
	GenAIModel  string `json:"genai_model"`
}

// LLMConfig wires the conversation model.
type LLMConfig struct {
	// Provider: "openai_compatible" or "genai".
	Provider string `json:"provider"`
	APIKey   string `json:"-"` // env only
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	Timeout  string `json:"timeout"`
}

// SessionConfig holds thread persistence settings.
type SessionConfig struct {
	ThreadDBPath string `json:"thread_db_path"`
	HistoryLimit int    `json:"history_limit"`
}

// AuditConfig wires the audit sink.
type AuditConfig struct {
	Path string `json:"path"` // JSONL file; empty disables auditing
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, console
}

// Default returns the compiled defaults rooted at the given agent directory.
func Default(agentDir string) *Config {
	if agentDir == "" {
		agentDir = "."
	}
	return &Config{
		AgentDir: agentDir,

		Inventory: InventoryConfig{
			Provider: "static",
			Path:     filepath.Join(agentDir, "inventory.yaml"),
			TokenEnv: "OLAV_INVENTORY_TOKEN",
		},

		Execution: ExecutionConfig{
			DefaultTimeout: "30s",
			MaxTimeout:     "300s",
			ConnectTimeout: "15s",
			IdleClose:      "300s",
			ParseFallback:  true,
			TemplateDir:    filepath.Join(agentDir, "templates"),
		},

		Concurrency: ConcurrencyConfig{
			DevicesPerInspection: 10,
			Inspections:          4,
			Sessions:             50,
		},

		Inspection: InspectionConfig{
			CancelGrace:      "5s",
			DeviceTimeoutMin: "30s",
			DeviceTimeoutMax: "600s",
			SpillTokens:      20000,
			SpillDir:         filepath.Join(agentDir, "reports"),
		},

		Search: SearchConfig{
			IndexPath: filepath.Join(agentDir, ".index", "knowledge.db"),
			TopK:      50,
			TopN:      10,
			TopM:      5,
		},

		Embedding: EmbeddingConfig{
			Provider:       "",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		LLM: LLMConfig{
			Provider: "openai_compatible",
			Model:    "gpt-4o",
			Timeout:  "120s",
		},

		Session: SessionConfig{
			ThreadDBPath: filepath.Join(agentDir, ".index", "threads.db"),
			HistoryLimit: 200,
		},

		Audit: AuditConfig{
			Path: filepath.Join(agentDir, "audit.jsonl"),
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the layered configuration for an agent directory: defaults,
// then settings.json if present, then environment overrides. A missing
// settings file is not an error; a malformed one is.
func Load(agentDir string) (*Config, error) {
	cfg := Default(agentDir)

	path := cfg.SettingsPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// The settings document may not relocate the agent dir out from under
	// itself.
	cfg.AgentDir = agentDir

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration back to settings.json. Secrets are excluded
// by their json:"-" tags.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(c.AgentDir, 0o755); err != nil {
		return fmt.Errorf("failed to create agent dir: %w", err)
	}
	if err := os.WriteFile(c.SettingsPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variables on top of file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OLAV_AGENT_DIR"); v != "" {
		c.AgentDir = v
	}
	if v := os.Getenv("OLAV_INVENTORY_PATH"); v != "" {
		c.Inventory.Path = v
		c.Inventory.Provider = "static"
	}
	if v := os.Getenv("OLAV_INVENTORY_URL"); v != "" {
		c.Inventory.BaseURL = v
		c.Inventory.Provider = "http"
	}
	if v := os.Getenv("OLAV_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OLAV_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}

	// LLM secrets, in priority order.
	if v := os.Getenv("OLAV_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = v
			c.LLM.Provider = "genai"
		}
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("OLAV_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("OLAV_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("OLAV_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
}

// duration parses a duration string, falling back when empty or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ExecuteTimeout returns the default per-command timeout.
func (c *Config) ExecuteTimeout() time.Duration {
	return duration(c.Execution.DefaultTimeout, 30*time.Second)
}

// ExecuteTimeoutCap returns the hard per-command ceiling.
func (c *Config) ExecuteTimeoutCap() time.Duration {
	return duration(c.Execution.MaxTimeout, 300*time.Second)
}

// ConnectTimeout returns the session-open timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return duration(c.Execution.ConnectTimeout, 15*time.Second)
}

// IdleClose returns the idle-connection close window.
func (c *Config) IdleClose() time.Duration {
	return duration(c.Execution.IdleClose, 300*time.Second)
}

// CancelGrace returns the cooperative-cancellation grace period.
func (c *Config) CancelGrace() time.Duration {
	return duration(c.Inspection.CancelGrace, 5*time.Second)
}

// DeviceTimeoutBounds returns the [min, max] clamp for per-device
// inspection timeouts.
func (c *Config) DeviceTimeoutBounds() (time.Duration, time.Duration) {
	return duration(c.Inspection.DeviceTimeoutMin, 30*time.Second),
		duration(c.Inspection.DeviceTimeoutMax, 600*time.Second)
}

// LLMTimeout returns the conversation-model call timeout.
func (c *Config) LLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 120*time.Second)
}
