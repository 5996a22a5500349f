package config

import "path/filepath"

// Well-known paths inside the agent directory. Components take these from
// the Config rather than joining path fragments themselves, so the layout
// lives in exactly one place.

// SettingsPath returns the layered settings document.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.AgentDir, "settings.json")
}

// IdentityPath returns the read-only identity document.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.AgentDir, "OLAV.md")
}

// SkillsDir returns the skill catalog directory.
func (c *Config) SkillsDir() string {
	return filepath.Join(c.AgentDir, "skills")
}

// KnowledgeDir returns the knowledge document root.
func (c *Config) KnowledgeDir() string {
	return filepath.Join(c.AgentDir, "knowledge")
}

// SolutionsDir returns the episodic-memory directory.
func (c *Config) SolutionsDir() string {
	return filepath.Join(c.KnowledgeDir(), "solutions")
}

// AliasesPath returns the append-only alias table.
func (c *Config) AliasesPath() string {
	return filepath.Join(c.KnowledgeDir(), "aliases.md")
}

// ImportsDir returns the capability import root.
func (c *Config) ImportsDir() string {
	return filepath.Join(c.AgentDir, "imports")
}

// CommandsDir returns the per-platform command whitelist directory.
func (c *Config) CommandsDir() string {
	return filepath.Join(c.ImportsDir(), "commands")
}

// APIsDir returns the OpenAPI capability directory.
func (c *Config) APIsDir() string {
	return filepath.Join(c.ImportsDir(), "apis")
}
