package agents

import (
	"context"
	"fmt"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/conversation"
)

// LLMProvider is the narrow model-calling interface an Assistant depends
// on. Conductor ships thin Gemini/OpenRouter callers in the providers
// package; callers may also supply their own implementation.
type LLMProvider interface {
	// Complete returns a reply for the conversation history rendered as
	// transcript, or an error. Implementations should respect ctx
	// cancellation.
	Complete(ctx context.Context, transcript string) (string, error)
}

// Assistant is a planner agent backed by an LLMProvider. It's typically
// run with RecoveryRestart semantics at the agentrt.Runtime level (the
// handler itself has no notion of recovery) so a restarted process never
// resumes a half-formed model call; it simply aborts and waits for fresh
// guidance.
type Assistant struct {
	id       string
	provider LLMProvider
}

// NewAssistant returns an Assistant agent bound to provider.
func NewAssistant(id string, provider LLMProvider) *Assistant {
	return &Assistant{id: id, provider: provider}
}

var _ agentrt.Handler = (*Assistant)(nil)

func (a *Assistant) AgentID() string { return a.id }

func (a *Assistant) HandleTurn(ctx context.Context, transport agentrt.AgentTransport, convID int64) error {
	conv, events, err := transport.Snapshot(ctx, convID)
	if err != nil {
		return fmt.Errorf("assistant: snapshot: %w", err)
	}

	transcript := renderTranscript(events)

	// A trace cannot open a turn, so the "thinking" trace is posted only
	// when this agent already holds the open turn.
	if conv.OpenTurnAgent == a.id {
		if _, err := transport.PostTrace(ctx, convID, a.id, conversation.Payload{Text: "thinking"}, ""); err != nil {
			return fmt.Errorf("assistant: post trace: %w", err)
		}
	}

	reply, err := a.provider.Complete(ctx, transcript)
	if err != nil {
		_, postErr := transport.PostMessage(ctx, convID, a.id,
			conversation.Payload{Text: "error: " + err.Error()}, conversation.FinalityTurn, "")
		if postErr != nil {
			return fmt.Errorf("assistant: post error after provider failure %v: %w", err, postErr)
		}
		return nil
	}

	if _, err := transport.PostMessage(ctx, convID, a.id, conversation.Payload{Text: reply}, conversation.FinalityTurn, ""); err != nil {
		return fmt.Errorf("assistant: post reply: %w", err)
	}
	return nil
}

func renderTranscript(events []conversation.Event) string {
	var out string
	for _, ev := range events {
		if ev.Type != conversation.EventMessage {
			continue
		}
		out += ev.AgentID + ": " + ev.Payload.Text + "\n"
	}
	return out
}
