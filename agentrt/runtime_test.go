package agentrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/orchestrator"
)

func newTestRig(t *testing.T) (*orchestrator.Orchestrator, *InProcessTransport, int64) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	b := bus.New(store, 16)
	orch := orchestrator.New(store, b)
	t.Cleanup(func() { orch.Close() })

	conv, err := orch.CreateConversation(context.Background(), conversation.Metadata{
		StartingAgentID: "user",
		Agents:          []conversation.AgentMeta{{ID: "user"}, {ID: "echo"}},
	})
	require.NoError(t, err)

	transport := NewInProcessTransport(orch, nil, nil)
	return orch, transport, conv.ID
}

// echoHandler replies with the text of the most recent user message.
type echoHandler struct {
	id       string
	replied  chan struct{}
}

func (h *echoHandler) AgentID() string { return h.id }

func (h *echoHandler) HandleTurn(ctx context.Context, transport AgentTransport, convID int64) error {
	_, events, err := transport.Snapshot(ctx, convID)
	if err != nil {
		return err
	}
	last := events[len(events)-1]
	_, err = transport.PostMessage(ctx, convID, h.id, last.Payload, conversation.FinalityTurn, "")
	if err != nil {
		return err
	}
	if h.replied != nil {
		close(h.replied)
	}
	return nil
}

func TestRuntime_HandlesAddressedGuidance(t *testing.T) {
	orch, transport, convID := newTestRig(t)

	replied := make(chan struct{})
	handler := &echoHandler{id: "echo", replied: replied}
	rt := New(handler, transport, convID, RecoveryResume, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	_, err := orch.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user",
		Payload: conversation.Payload{Text: "hi"}, Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)

	select {
	case <-replied:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo handler to respond")
	}

	snap, err := orch.Snapshot(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "echo", snap.Events[1].AgentID)
	assert.Equal(t, "hi", snap.Events[1].Payload.Text)
}

func TestRuntime_StopEndsLoop(t *testing.T) {
	_, transport, convID := newTestRig(t)
	handler := &echoHandler{id: "echo"}
	rt := New(handler, transport, convID, RecoveryResume, nil)

	rt.Start(context.Background())
	rt.Stop()

	select {
	case <-rt.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runtime to stop")
	}
	assert.Equal(t, PhaseStopped, rt.Phase())
}

func TestRuntime_DoesNotHandleTurnWithoutGuidance(t *testing.T) {
	orch, transport, convID := newTestRig(t)
	replied := make(chan struct{})
	handler := &echoHandler{id: "echo", replied: replied}
	rt := New(handler, transport, convID, RecoveryResume, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	// Post a message with finality=none under "user" — it doesn't close a
	// turn, so no guidance is produced at all.
	_, err := orch.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user",
		Payload: conversation.Payload{Text: "partial"}, Finality: conversation.FinalityNone,
	})
	require.NoError(t, err)

	select {
	case <-replied:
		t.Fatal("echo handler should not have fired without closing guidance")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBackoffDelay_GrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, ReconnectBaseDelay, backoffDelay(1))
	assert.Equal(t, 2*ReconnectBaseDelay, backoffDelay(2))
	assert.Equal(t, 4*ReconnectBaseDelay, backoffDelay(3))
	assert.Equal(t, ReconnectMaxDelay, backoffDelay(20))
}

// restartHandler records whether it was invoked, to verify recovery abort
// behavior without depending on timing.
type restartHandler struct {
	id      string
	invoked chan struct{}
}

func (h *restartHandler) AgentID() string { return h.id }
func (h *restartHandler) HandleTurn(ctx context.Context, transport AgentTransport, convID int64) error {
	close(h.invoked)
	return nil
}

func TestRuntime_RestartRecoveryAbortsOpenTurn(t *testing.T) {
	orch, transport, convID := newTestRig(t)

	_, err := orch.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user",
		Payload: conversation.Payload{Text: "hi"}, Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)
	_, err = orch.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "echo",
		Payload: conversation.Payload{Text: "thinking"}, Finality: conversation.FinalityNone,
	})
	require.NoError(t, err)

	handler := &restartHandler{id: "echo", invoked: make(chan struct{})}
	rt := New(handler, transport, convID, RecoveryRestart, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	select {
	case <-handler.invoked:
		t.Fatal("restart recovery should abort the open turn itself, not invoke HandleTurn")
	case <-time.After(300 * time.Millisecond):
	}

	snap, err := orch.Snapshot(context.Background(), convID)
	require.NoError(t, err)
	last := snap.Events[len(snap.Events)-1]
	assert.Equal(t, "echo", last.AgentID)
	assert.Equal(t, conversation.FinalityTurn, last.Finality)
}
