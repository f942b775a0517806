package a2a

import (
	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"
)

// CardConfig describes the single AgentCard Conductor advertises for its
// A2A surface (one card per process; the card's skill list names every
// internal agent a caller may reach, but the conversation itself is what
// routes a message to the right one).
type CardConfig struct {
	Name        string
	Description string
	URL         string
	Version     string
}

// BuildAgentCard constructs the AgentCard advertised at
// /.well-known/agent-card.json.
func BuildAgentCard(cfg CardConfig, skills []a2a.AgentSkill) a2a.AgentCard {
	version := cfg.Version
	if version == "" {
		version = "1.0.0"
	}
	if len(skills) == 0 {
		skills = []a2a.AgentSkill{{
			ID:          "conversation",
			Name:        cfg.Name,
			Description: cfg.Description,
			Tags:        []string{"conversation", "multi-agent"},
		}}
	}

	return a2a.AgentCard{
		Name:               cfg.Name,
		Description:        cfg.Description,
		URL:                cfg.URL,
		Version:            version,
		ProtocolVersion:    "1.0",
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             skills,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: false,
		},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Provider: &a2a.AgentProvider{
			Org: "Conductor",
			URL: cfg.URL,
		},
	}
}

// RegisterRoutes mounts the A2A JSON-RPC handler and the well-known agent
// card endpoint onto r, using a2a-go's own native handlers.
func RegisterRoutes(r chi.Router, executor *Executor, card a2a.AgentCard, opts ...a2asrv.RequestHandlerOption) {
	handler := a2asrv.NewHandler(executor, opts...)

	r.Handle("/a2a", a2asrv.NewJSONRPCHandler(handler))
	r.Handle("/.well-known/agent-card.json", a2asrv.NewStaticAgentCardHandler(&card))
}
