package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, int64) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	b := bus.New(store, 16)
	o := New(store, b)
	t.Cleanup(func() { o.Close() })

	conv, err := o.CreateConversation(context.Background(), conversation.Metadata{
		StartingAgentID: "user",
		Agents: []conversation.AgentMeta{
			{ID: "user"}, {ID: "echo"},
		},
	})
	require.NoError(t, err)
	return o, conv.ID
}

func TestOrchestrator_AppendPublishesEventThenGuidance(t *testing.T) {
	o, convID := newTestOrchestrator(t)

	sub, err := o.Subscribe(context.Background(), convID, 0, true)
	require.NoError(t, err)
	defer o.bus.Unsubscribe(sub)

	_, err = o.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user",
		Payload: conversation.Payload{Text: "hello"}, Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)

	select {
	case env := <-sub.C():
		require.NotNil(t, env.Event)
		assert.Equal(t, "user", env.Event.AgentID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case env := <-sub.C():
		require.NotNil(t, env.Guidance)
		assert.Equal(t, "echo", env.Guidance.NextAgentID)
		assert.Equal(t, conversation.GuidanceStartTurn, env.Guidance.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for guidance")
	}
}

func TestOrchestrator_EchoRoundTrip(t *testing.T) {
	o, convID := newTestOrchestrator(t)

	_, err := o.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user",
		Payload: conversation.Payload{Text: "ping"}, Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)

	_, err = o.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "echo",
		Payload: conversation.Payload{Text: "ping"}, Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)

	snap, err := o.Snapshot(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "ping", snap.Events[1].Payload.Text)
	assert.Equal(t, conversation.StatusActive, snap.Conversation.Status)
}

func TestOrchestrator_WrongAuthorRejected(t *testing.T) {
	o, convID := newTestOrchestrator(t)

	_, err := o.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user", Finality: conversation.FinalityNone,
	})
	require.NoError(t, err)

	_, err = o.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "echo", Finality: conversation.FinalityNone,
	})
	assert.Error(t, err)
}

func TestOrchestrator_ConversationFinalityEndsScheduling(t *testing.T) {
	o, convID := newTestOrchestrator(t)

	sub, err := o.Subscribe(context.Background(), convID, 0, true)
	require.NoError(t, err)
	defer o.bus.Unsubscribe(sub)

	_, err = o.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user", Finality: conversation.FinalityConversation,
	})
	require.NoError(t, err)

	select {
	case env := <-sub.C():
		require.NotNil(t, env.Event)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case env := <-sub.C():
		t.Fatalf("expected no guidance after conversation-finality, got %+v", env)
	case <-time.After(100 * time.Millisecond):
	}

	snap, err := o.Snapshot(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusCompleted, snap.Conversation.Status)
}

func TestOrchestrator_CompetitionPolicyExpire(t *testing.T) {
	store := eventlog.NewMemoryStore()
	b := bus.New(store, 16)
	o := New(store, b)
	defer o.Close()

	conv, err := o.CreateConversation(context.Background(), conversation.Metadata{
		SchedulerPolicy: "competition",
		Agents:          []conversation.AgentMeta{{ID: "user"}, {ID: "alice"}, {ID: "bob"}},
	})
	require.NoError(t, err)

	sub, err := o.Subscribe(context.Background(), conv.ID, 0, true)
	require.NoError(t, err)
	defer o.bus.Unsubscribe(sub)

	_, err = o.Append(context.Background(), conv.ID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "user", Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)
	<-sub.C() // event
	g := <-sub.C()
	require.NotNil(t, g.Guidance)
	assert.Empty(t, g.Guidance.NextAgentID)

	require.NoError(t, o.Expire(context.Background(), conv.ID, 2, 1))

	sysEv := <-sub.C()
	require.NotNil(t, sysEv.Event)
	assert.Equal(t, conversation.EventSystem, sysEv.Event.Type)

	g2 := <-sub.C()
	require.NotNil(t, g2.Guidance)
	assert.Equal(t, conversation.GuidanceClaimExpired, g2.Guidance.Kind)
	assert.Equal(t, float64(sysEv.Event.Seq)+0.1, g2.Guidance.Seq)
}
