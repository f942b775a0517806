package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, "alternation", cfg.Conversation.SchedulerPolicy)
	require.Equal(t, "/mcp", cfg.Bridges.MCPBasePath)
	require.Equal(t, "/a2a", cfg.Bridges.A2ABasePath)
	require.Equal(t, "info", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestConfig_AuthRequiresBearerOrJWKS(t *testing.T) {
	cfg := Config{Auth: AuthConfig{Required: true}}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())

	cfg.Auth.BearerToken = "s3cr3t"
	require.NoError(t, cfg.Validate())
}

func TestConfig_AuthJWKSRequiresIssuerAndAudience(t *testing.T) {
	cfg := Config{Auth: AuthConfig{Required: true, JWKSURL: "https://issuer.example/.well-known/jwks.json"}}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())

	cfg.Auth.Issuer = "https://issuer.example/"
	cfg.Auth.Audience = "conductor-api"
	require.NoError(t, cfg.Validate())
}

func TestConfig_StorageSqliteRequiresDSN(t *testing.T) {
	cfg := Config{Storage: StorageConfig{Driver: "sqlite"}}
	cfg.SetDefaults() // SetDefaults fills a DSN when empty, so clear it back out
	cfg.Storage.DSN = ""
	require.Error(t, cfg.Validate())
}

func TestConfig_StartingAgentMustExistInRoster(t *testing.T) {
	cfg := Config{Conversation: ConversationConfig{
		Agents:          []AgentTemplate{{ID: "assistant", Class: "echo"}},
		StartingAgentID: "missing",
	}}
	cfg.SetDefaults()
	require.Error(t, cfg.Validate())
}

func TestLoad_FileOverlayAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	yaml := `
server:
  host: 127.0.0.1
  port: 9000
storage:
  driver: sqlite
  dsn: ${DB_PATH:-conductor.db}
conversation:
  agents:
    - id: assistant
      class: echo
  startingAgentId: assistant
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("DB_PATH", "/tmp/conductor-test.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	// PORT env override wins over the file's server.port.
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	// DB_PATH overrides both the driver and dsn.
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "/tmp/conductor-test.db", cfg.Storage.DSN)
	require.Equal(t, "assistant", cfg.Conversation.StartingAgentID)
}

func TestLoad_MissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
}
