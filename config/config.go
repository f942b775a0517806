// Package config provides configuration types and loading for Conductor.
// This file contains the main unified configuration entry point.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the complete Conductor configuration: one YAML file describing
// the listen address, storage engine, default conversation template, auth,
// and bridge settings.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Conversation ConversationConfig `yaml:"conversation"`
	Auth         AuthConfig         `yaml:"auth"`
	Bridges      BridgesConfig      `yaml:"bridges"`
	Logging      LoggingConfig      `yaml:"logging"`
	LLM          LLMConfig          `yaml:"llm"`
}

// Validate implements ConfigInterface for Config.
func (c *Config) Validate() error {
	var errs []string
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server: %v", err))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage: %v", err))
	}
	if err := c.Conversation.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("conversation: %v", err))
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("auth: %v", err))
	}
	if err := c.Bridges.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("bridges: %v", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", joinLines(errs))
	}
	return nil
}

// SetDefaults implements ConfigInterface for Config.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	c.Conversation.SetDefaults()
	c.Auth.SetDefaults()
	c.Bridges.SetDefaults()
	c.Logging.SetDefaults()
	c.LLM.SetDefaults()
}

func joinLines(lines []string) string {
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n  - " + l
	}
	return out
}

var _ ConfigInterface = (*Config)(nil)

// ============================================================================
// CONFIGURATION LOADING
// ============================================================================

// Load reads, expands, and validates the configuration at path. It loads
// .env/.env.local first, then applies environment variable overrides on
// top of whatever the file contains.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		expanded := ExpandEnvVarsInData(doc)

		reencoded, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("re-encode expanded config: %w", err)
		}
		if err := yaml.Unmarshal(reencoded, &cfg); err != nil {
			return nil, fmt.Errorf("decode expanded config: %w", err)
		}
	}

	cfg.SetDefaults()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers PORT/DB_PATH/NODE_ENV/GOOGLE_API_KEY/
// OPENROUTER_API_KEY on top of the file-derived configuration.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dsn := os.Getenv("DB_PATH"); dsn == ":memory:" {
		cfg.Storage.Driver = "memory"
	} else if dsn != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.DSN = dsn
	}
	if env := os.Getenv("NODE_ENV"); env != "" {
		cfg.Server.Environment = env
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		cfg.LLM.GoogleAPIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.LLM.OpenRouterAPIKey = key
	}
}

// ============================================================================
// HELPER METHODS
// ============================================================================

// GetAgent returns an agent template by id.
func (c *Config) GetAgent(id string) (*AgentTemplate, bool) {
	for i := range c.Conversation.Agents {
		if c.Conversation.Agents[i].ID == id {
			return &c.Conversation.Agents[i], true
		}
	}
	return nil, false
}

// ListAgents returns the ids of every agent in the default conversation template.
func (c *Config) ListAgents() []string {
	ids := make([]string, 0, len(c.Conversation.Agents))
	for _, a := range c.Conversation.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}
