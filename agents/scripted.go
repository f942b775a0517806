package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/conversation"
)

// ScriptStep is one turn of a Scripted agent's fixed plan.
type ScriptStep struct {
	// Text is posted as the turn's message body.
	Text string
	// Trace, if non-empty, is posted as a progress trace before Text when
	// this agent already holds the open turn; a trace cannot open a turn,
	// so it is skipped otherwise.
	Trace string
	// Finality defaults to FinalityTurn if the zero value.
	Finality conversation.Finality
}

// Scripted plays back a fixed sequence of steps, one per invocation,
// useful for deterministic multi-agent scenarios where real model calls
// would make assertions flaky.
type Scripted struct {
	id    string
	steps []ScriptStep

	mu   sync.Mutex
	next int
}

// NewScripted returns a Scripted agent that plays steps in order, looping
// back to the first step once exhausted.
func NewScripted(id string, steps []ScriptStep) *Scripted {
	return &Scripted{id: id, steps: steps}
}

var _ agentrt.Handler = (*Scripted)(nil)

func (s *Scripted) AgentID() string { return s.id }

func (s *Scripted) HandleTurn(ctx context.Context, transport agentrt.AgentTransport, convID int64) error {
	if len(s.steps) == 0 {
		return nil
	}

	s.mu.Lock()
	step := s.steps[s.next%len(s.steps)]
	s.next++
	s.mu.Unlock()

	if step.Trace != "" {
		conv, _, err := transport.Snapshot(ctx, convID)
		if err != nil {
			return fmt.Errorf("scripted: snapshot: %w", err)
		}
		if conv.OpenTurnAgent == s.id {
			if _, err := transport.PostTrace(ctx, convID, s.id, conversation.Payload{Text: step.Trace}, ""); err != nil {
				return fmt.Errorf("scripted: post trace: %w", err)
			}
		}
	}

	finality := step.Finality
	if finality == "" {
		finality = conversation.FinalityTurn
	}
	if _, err := transport.PostMessage(ctx, convID, s.id, conversation.Payload{Text: step.Text}, finality, ""); err != nil {
		return fmt.Errorf("scripted: post message: %w", err)
	}
	return nil
}

// StepsPlayed returns how many steps have been played so far, for test
// assertions.
func (s *Scripted) StepsPlayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
