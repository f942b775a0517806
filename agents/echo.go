// Package agents provides concrete agentrt.Handler implementations: Echo
// for the simplest possible agent, Scripted for deterministic multi-step
// test scenarios, and Assistant for an LLM-backed planner bound to a
// caller-supplied LLMProvider.
package agents

import (
	"context"
	"fmt"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/conversation"
)

// Echo replies with the most recent event's payload verbatim and closes
// its turn, the minimal Handler exercising the base runtime loop end to
// end.
type Echo struct {
	id string
}

// NewEcho returns an Echo agent with the given roster id.
func NewEcho(id string) *Echo { return &Echo{id: id} }

var _ agentrt.Handler = (*Echo)(nil)

func (e *Echo) AgentID() string { return e.id }

func (e *Echo) HandleTurn(ctx context.Context, transport agentrt.AgentTransport, convID int64) error {
	_, events, err := transport.Snapshot(ctx, convID)
	if err != nil {
		return fmt.Errorf("echo: snapshot: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	last := events[len(events)-1]
	_, err = transport.PostMessage(ctx, convID, e.id, last.Payload, conversation.FinalityTurn, "")
	if err != nil {
		return fmt.Errorf("echo: post reply: %w", err)
	}
	return nil
}
