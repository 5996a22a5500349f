package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayout(t *testing.T) {
	cfg := Default("/srv/olav")

	assert.Equal(t, "/srv/olav/settings.json", cfg.SettingsPath())
	assert.Equal(t, "/srv/olav/OLAV.md", cfg.IdentityPath())
	assert.Equal(t, filepath.Join("/srv/olav", "imports", "commands"), cfg.CommandsDir())
	assert.Equal(t, filepath.Join("/srv/olav", "knowledge", "solutions"), cfg.SolutionsDir())
	assert.Equal(t, filepath.Join("/srv/olav", "knowledge", "aliases.md"), cfg.AliasesPath())
}

func TestDefaultDurations(t *testing.T) {
	cfg := Default(".")

	assert.Equal(t, 30*time.Second, cfg.ExecuteTimeout())
	assert.Equal(t, 300*time.Second, cfg.ExecuteTimeoutCap())
	assert.Equal(t, 5*time.Second, cfg.CancelGrace())

	min, max := cfg.DeviceTimeoutBounds()
	assert.Equal(t, 30*time.Second, min)
	assert.Equal(t, 600*time.Second, max)
}

func TestDurationFallbackOnGarbage(t *testing.T) {
	cfg := Default(".")
	cfg.Execution.DefaultTimeout = "soon"
	assert.Equal(t, 30*time.Second, cfg.ExecuteTimeout())
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	settings := `{
		"execution": {"default_timeout": "45s", "parse_fallback": false},
		"concurrency": {"devices_per_inspection": 20, "inspections": 4, "sessions": 50},
		"logging": {"level": "debug", "format": "json"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	// File overrides defaults.
	assert.Equal(t, 45*time.Second, cfg.ExecuteTimeout())
	assert.False(t, cfg.Execution.ParseFallback)
	assert.Equal(t, 20, cfg.Concurrency.DevicesPerInspection)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep defaults.
	assert.Equal(t, 50, cfg.Search.TopK)
	assert.Equal(t, dir, cfg.AgentDir)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Concurrency.DevicesPerInspection)
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{nope"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("log level", func(t *testing.T) {
		t.Setenv("OLAV_LOG_LEVEL", "debug")
		cfg := Default(".")
		cfg.applyEnvOverrides()
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("OLAV_LLM_API_KEY wins over GEMINI_API_KEY", func(t *testing.T) {
		t.Setenv("OLAV_LLM_API_KEY", "direct")
		t.Setenv("GEMINI_API_KEY", "gem")
		cfg := Default(".")
		cfg.applyEnvOverrides()
		assert.Equal(t, "direct", cfg.LLM.APIKey)
		// Embeddings still pick up the GenAI key.
		assert.Equal(t, "gem", cfg.Embedding.GenAIAPIKey)
	})

	t.Run("GEMINI_API_KEY alone switches provider", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem")
		cfg := Default(".")
		cfg.applyEnvOverrides()
		assert.Equal(t, "genai", cfg.LLM.Provider)
		assert.Equal(t, "gem", cfg.LLM.APIKey)
	})

	t.Run("static inventory path", func(t *testing.T) {
		t.Setenv("OLAV_INVENTORY_PATH", "/etc/olav/devices.yaml")
		cfg := Default(".")
		cfg.Inventory.Provider = "http"
		cfg.applyEnvOverrides()
		assert.Equal(t, "static", cfg.Inventory.Provider)
		assert.Equal(t, "/etc/olav/devices.yaml", cfg.Inventory.Path)
	})
}

func TestSaveExcludesSecrets(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.LLM.APIKey = "sekrit"
	cfg.Embedding.GenAIAPIKey = "sekrit2"
	require.NoError(t, cfg.Save())

	data, err := os.ReadFile(cfg.SettingsPath())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sekrit")
}
