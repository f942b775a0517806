package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	a2abridge "github.com/agentweave/conductor/bridge/a2a"
	mcpbridge "github.com/agentweave/conductor/bridge/mcp"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/agents"
	"github.com/agentweave/conductor/auth"
	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/config"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/guidance"
	"github.com/agentweave/conductor/host"
	"github.com/agentweave/conductor/logging"
	"github.com/agentweave/conductor/orchestrator"
	"github.com/agentweave/conductor/providers"
	"github.com/agentweave/conductor/transport/jsonrpc"
)

// ServeCmd starts Conductor's WebSocket JSON-RPC server with the MCP and
// A2A bridges mounted alongside it.
type ServeCmd struct {
	Port int `help:"Override the configured listen port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	log, err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	store, closeStore, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closeStore()

	b := bus.New(store, 64)
	orch := orchestrator.New(store, b, orchestrator.WithDefaultPolicy(defaultSchedulerPolicy(cfg.Conversation.SchedulerPolicy)))

	factory := buildAgentFactory(cfg.LLM)
	registry := host.NewMemoryRegistry()

	var serverOpts []jsonrpc.Option
	serverOpts = append(serverOpts, jsonrpc.WithLogger(log))

	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("build auth validator: %w", err)
	}
	if validator != nil {
		serverOpts = append(serverOpts, jsonrpc.WithValidator(validator))
	}

	srv := jsonrpc.New(orch, serverOpts...)

	transport := agentrt.NewInProcessTransport(orch, nil, nil)
	agentHost := host.New(factory, transport, registry, log)
	if err := agentHost.ResumeAll(ctx, func(convID int64) ([]conversation.AgentMeta, error) {
		snap, err := orch.Snapshot(ctx, convID)
		if err != nil {
			return nil, err
		}
		return snap.Conversation.Metadata.Agents, nil
	}); err != nil {
		log.Warn("resume agents failed", "err", err)
	}

	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	internalAgent := defaultInternalAgent(cfg.Conversation)

	mcpBridge := mcpbridge.NewBridge(orch, internalAgent,
		mcpbridge.WithAgentHost(agentHost),
		mcpbridge.WithExternalAgentID(cfg.Bridges.ExternalAgentID),
		mcpbridge.WithReplyTimeout(cfg.Bridges.ReplyTimeout),
		mcpbridge.WithLogger(log),
	)
	mcpbridge.RegisterRoutes(r, mcpBridge, mcpbridge.ServerInfo{Name: "conductor"}, cfg.Bridges.MCPBasePath)

	a2aExecutor := a2abridge.NewExecutor(orch, internalAgent,
		a2abridge.WithAgentHost(agentHost),
		a2abridge.WithExternalAgentID(cfg.Bridges.ExternalAgentID),
		a2abridge.WithLogger(log),
	)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	card := a2abridge.BuildAgentCard(a2abridge.CardConfig{
		Name:        "conductor",
		Description: "Conductor multi-agent conversation orchestrator",
		URL:         fmt.Sprintf("http://%s%s", addr, cfg.Bridges.A2ABasePath),
	}, nil)
	a2abridge.RegisterRoutes(r, a2aExecutor, card)

	httpSrv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("conductor listening on http://%s\n", addr)
	fmt.Printf("  ws:    ws://%s/ws\n", addr)
	fmt.Printf("  mcp:   http://%s%s\n", addr, cfg.Bridges.MCPBasePath)
	fmt.Printf("  a2a:   http://%s%s\n", addr, cfg.Bridges.A2ABasePath)

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func openStore(cfg config.StorageConfig) (eventlog.Store, func(), error) {
	if cfg.Driver == "sqlite" {
		store, err := eventlog.OpenSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return eventlog.NewMemoryStore(), func() {}, nil
}

func defaultSchedulerPolicy(policy string) string {
	if policy == "" {
		return guidance.PolicyAlternation
	}
	return policy
}

func defaultInternalAgent(cfg config.ConversationConfig) conversation.AgentMeta {
	for _, a := range cfg.Agents {
		if a.ID == cfg.StartingAgentID {
			return conversation.AgentMeta{ID: a.ID, Class: a.Class, Config: a.Config}
		}
	}
	if len(cfg.Agents) > 0 {
		return conversation.AgentMeta{ID: cfg.Agents[0].ID, Class: cfg.Agents[0].Class, Config: cfg.Agents[0].Config}
	}
	return conversation.AgentMeta{ID: "assistant", Class: "echo"}
}

func buildValidator(cfg config.AuthConfig) (auth.Validator, error) {
	if !cfg.Required {
		return nil, nil
	}
	if cfg.UsesJWKS() {
		return auth.NewJWTValidator(auth.JWTValidatorConfig{
			JWKSURL:         cfg.JWKSURL,
			Issuer:          cfg.Issuer,
			Audience:        cfg.Audience,
			RefreshInterval: cfg.RefreshInterval,
		})
	}
	return auth.NewBearerValidator(cfg.BearerToken), nil
}

// buildAgentFactory returns a host.Factory selecting a Handler by
// agentMeta.Class: "echo", "scripted" (steps from agentMeta.Config["steps"]),
// or "assistant" (backed by the provider named in agentMeta.Config["provider"]:
// OpenRouter for "openrouter", Gemini for "google", "gemini" or no value).
func buildAgentFactory(llmCfg config.LLMConfig) host.Factory {
	return func(meta conversation.AgentMeta, transport agentrt.AgentTransport, convID int64) (*agentrt.Runtime, error) {
		var handler agentrt.Handler
		switch meta.Class {
		case "scripted":
			handler = agents.NewScripted(meta.ID, scriptStepsFromConfig(meta.Config))
		case "assistant":
			provider, err := llmProviderFor(meta, llmCfg)
			if err != nil {
				return nil, err
			}
			handler = agents.NewAssistant(meta.ID, provider)
		default:
			handler = agents.NewEcho(meta.ID)
		}
		recovery := agentrt.RecoveryResume
		if meta.Class == "assistant" {
			recovery = agentrt.RecoveryRestart
		}
		return agentrt.New(handler, transport, convID, recovery, slog.Default()), nil
	}
}

func scriptStepsFromConfig(cfg map[string]any) []agents.ScriptStep {
	raw, _ := cfg["steps"].([]any)
	steps := make([]agents.ScriptStep, 0, len(raw))
	for _, item := range raw {
		text, _ := item.(string)
		steps = append(steps, agents.ScriptStep{Text: text})
	}
	return steps
}

func llmProviderFor(meta conversation.AgentMeta, cfg config.LLMConfig) (agents.LLMProvider, error) {
	model, _ := meta.Config["model"].(string)
	switch provider, _ := meta.Config["provider"].(string); provider {
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("agent %s: openrouter provider requires OPENROUTER_API_KEY", meta.ID)
		}
		return providers.NewOpenRouterProvider(cfg.OpenRouterAPIKey, model), nil
	case "google", "gemini", "":
		if cfg.GoogleAPIKey == "" {
			return nil, fmt.Errorf("agent %s: assistant class requires GOOGLE_API_KEY or an openrouter provider", meta.ID)
		}
		return providers.NewGeminiProvider(cfg.GoogleAPIKey, model), nil
	default:
		return nil, fmt.Errorf("agent %s: unknown llm provider %q", meta.ID, provider)
	}
}
