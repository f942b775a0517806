// Package config provides configuration types and loading for Conductor.
// This file contains the per-section types referenced by Config.
package config

import (
	"fmt"
	"time"
)

// ============================================================================
// SERVER
// ============================================================================

// ServerConfig describes the WebSocket JSON-RPC listen address.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"` // NODE_ENV equivalent: "development" | "production"
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

var _ ConfigInterface = (*ServerConfig)(nil)

// ============================================================================
// STORAGE
// ============================================================================

// StorageConfig selects the event store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory" | "sqlite"
	DSN    string `yaml:"dsn"`
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid storage driver: %s (want memory or sqlite)", c.Driver)
	}
	if c.Driver == "sqlite" && c.DSN == "" {
		return fmt.Errorf("dsn is required for sqlite storage")
	}
	return nil
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.Driver == "sqlite" && c.DSN == "" {
		c.DSN = "conductor.db"
	}
}

var _ ConfigInterface = (*StorageConfig)(nil)

// ============================================================================
// CONVERSATION TEMPLATE
// ============================================================================

// AgentTemplate describes one agent in the default conversation template
type AgentTemplate struct {
	ID     string         `yaml:"id"`
	Class  string         `yaml:"class"`
	Config map[string]any `yaml:"config,omitempty"`
}

// ConversationConfig is the default conversation Conductor opens new sessions
// with, absent an explicit agent roster from the caller.
type ConversationConfig struct {
	Agents          []AgentTemplate `yaml:"agents"`
	StartingAgentID string          `yaml:"startingAgentId"`
	SchedulerPolicy string          `yaml:"schedulerPolicy"` // "alternation" | "competition"
}

func (c *ConversationConfig) Validate() error {
	switch c.SchedulerPolicy {
	case "", "alternation", "competition":
	default:
		return fmt.Errorf("invalid scheduler policy: %s", c.SchedulerPolicy)
	}
	if c.StartingAgentID != "" && len(c.Agents) > 0 {
		found := false
		for _, a := range c.Agents {
			if a.ID == c.StartingAgentID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("startingAgentId %q not present in agents", c.StartingAgentID)
		}
	}
	return nil
}

func (c *ConversationConfig) SetDefaults() {
	if c.SchedulerPolicy == "" {
		c.SchedulerPolicy = "alternation"
	}
	if c.StartingAgentID == "" && len(c.Agents) > 0 {
		c.StartingAgentID = c.Agents[0].ID
	}
}

var _ ConfigInterface = (*ConversationConfig)(nil)

// ============================================================================
// AUTH
// ============================================================================

// AuthConfig covers both supported validator modes: a single shared bearer
// token or JWT/JWKS validation against an external issuer, mapping
// directly onto auth.JWTValidatorConfig's field names for the JWKS case.
type AuthConfig struct {
	Required    bool   `yaml:"required"`
	BearerToken string `yaml:"bearerToken"`

	JWKSURL         string        `yaml:"jwksUrl"`
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// UsesJWKS reports whether the JWT/JWKS validator should be used instead of
// the plain shared bearer token.
func (c *AuthConfig) UsesJWKS() bool {
	return c.JWKSURL != ""
}

func (c *AuthConfig) Validate() error {
	if !c.Required {
		return nil
	}
	if c.UsesJWKS() {
		if c.Issuer == "" {
			return fmt.Errorf("issuer is required when jwksUrl is set")
		}
		if c.Audience == "" {
			return fmt.Errorf("audience is required when jwksUrl is set")
		}
		return nil
	}
	if c.BearerToken == "" {
		return fmt.Errorf("bearerToken or jwksUrl is required when auth is required")
	}
	return nil
}

func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

var _ ConfigInterface = (*AuthConfig)(nil)

// ============================================================================
// BRIDGES
// ============================================================================

// BridgesConfig configures the MCP and A2A protocol bridges.
type BridgesConfig struct {
	MCPBasePath     string        `yaml:"mcpBasePath"`
	A2ABasePath     string        `yaml:"a2aBasePath"`
	ReplyTimeout    time.Duration `yaml:"replyTimeout"`
	ExternalAgentID string        `yaml:"externalAgentId"`
}

func (c *BridgesConfig) Validate() error {
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("replyTimeout must be positive")
	}
	return nil
}

func (c *BridgesConfig) SetDefaults() {
	if c.MCPBasePath == "" {
		c.MCPBasePath = "/mcp"
	}
	if c.A2ABasePath == "" {
		c.A2ABasePath = "/a2a"
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = 60 * time.Second
	}
	if c.ExternalAgentID == "" {
		c.ExternalAgentID = "external"
	}
}

var _ ConfigInterface = (*BridgesConfig)(nil)

// ============================================================================
// LOGGING
// ============================================================================

// LoggingConfig configures logging.Configure.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
	File   string `yaml:"file"`   // empty means stderr
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	return nil
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

var _ ConfigInterface = (*LoggingConfig)(nil)

// ============================================================================
// LLM (agent runtime provider keys)
// ============================================================================

// LLMConfig carries the provider API keys agents pick up by class/config
type LLMConfig struct {
	GoogleAPIKey     string `yaml:"googleApiKey"`
	OpenRouterAPIKey string `yaml:"openRouterApiKey"`
}

func (c *LLMConfig) Validate() error {
	return nil
}

func (c *LLMConfig) SetDefaults() {}

var _ ConfigInterface = (*LLMConfig)(nil)
