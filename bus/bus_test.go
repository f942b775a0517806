package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
)

func newBusWithHistory(t *testing.T, n int) (*Bus, eventlog.Store, int64) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	conv, err := store.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentMeta{{ID: "alice"}},
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		_, err := store.Append(context.Background(), conv.ID, eventlog.AppendInput{
			Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn,
		})
		require.NoError(t, err)
	}

	return New(store, 4), store, conv.ID
}

func TestBus_SubscribeBackfillsFromZero(t *testing.T) {
	b, _, convID := newBusWithHistory(t, 3)
	sub, err := b.Subscribe(context.Background(), convID, 0, false)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	var seqs []int64
	for i := 0; i < 3; i++ {
		env := <-sub.C()
		require.NotNil(t, env.Event)
		seqs = append(seqs, env.Event.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestBus_SubscribeBackfillsFromOffset(t *testing.T) {
	b, _, convID := newBusWithHistory(t, 3)
	sub, err := b.Subscribe(context.Background(), convID, 1, false)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	env := <-sub.C()
	assert.Equal(t, int64(2), env.Event.Seq)
	env = <-sub.C()
	assert.Equal(t, int64(3), env.Event.Seq)
}

func TestBus_PublishEventDeliversLive(t *testing.T) {
	b, store, convID := newBusWithHistory(t, 0)
	sub, err := b.Subscribe(context.Background(), convID, 0, false)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	ev, err := store.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)
	b.PublishEvent(*ev)

	select {
	case env := <-sub.C():
		require.NotNil(t, env.Event)
		assert.Equal(t, ev.Seq, env.Event.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.Equal(t, ev.Seq, sub.LastSeq())
}

func TestBus_GuidanceOnlyDeliveredToOptedInSubscribers(t *testing.T) {
	b, _, convID := newBusWithHistory(t, 0)

	plain, err := b.Subscribe(context.Background(), convID, 0, false)
	require.NoError(t, err)
	defer b.Unsubscribe(plain)

	withGuidance, err := b.Subscribe(context.Background(), convID, 0, true)
	require.NoError(t, err)
	defer b.Unsubscribe(withGuidance)

	b.PublishGuidance(conversation.Guidance{Conversation: convID, NextAgentID: "alice"})

	select {
	case env := <-withGuidance.C():
		require.NotNil(t, env.Guidance)
		assert.Equal(t, "alice", env.Guidance.NextAgentID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for guidance")
	}

	select {
	case <-plain.C():
		t.Fatal("plain subscriber should not receive guidance")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FullQueueDisconnectsSubscriber(t *testing.T) {
	b, store, convID := newBusWithHistory(t, 0)
	sub, err := b.Subscribe(context.Background(), convID, 0, false)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ev, err := store.Append(context.Background(), convID, eventlog.AppendInput{
			Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn,
		})
		require.NoError(t, err)
		b.PublishEvent(*ev)
	}

	ev, err := store.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)
	b.PublishEvent(*ev)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected subscription to be closed after queue overflow")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b, store, convID := newBusWithHistory(t, 0)
	sub, err := b.Subscribe(context.Background(), convID, 0, false)
	require.NoError(t, err)
	b.Unsubscribe(sub)

	ev, err := store.Append(context.Background(), convID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)
	b.PublishEvent(*ev) // must not panic or block

	_, ok := <-sub.C()
	assert.False(t, ok)
}

// racyBackfill wraps a Backfill and runs a hook after the real ReadRange
// call returns but before Subscribe has processed the result, simulating a
// publish that lands while a subscriber's backfill is still in flight.
type racyBackfill struct {
	Backfill
	hook func()
}

func (r *racyBackfill) ReadRange(ctx context.Context, convID int64, fromSeq int64, toSeq *int64) ([]conversation.Event, error) {
	events, err := r.Backfill.ReadRange(ctx, convID, fromSeq, toSeq)
	if r.hook != nil {
		r.hook()
	}
	return events, err
}

func TestBus_SubscribeRaceWithPublishDoesNotDuplicateOrReorder(t *testing.T) {
	store := eventlog.NewMemoryStore()
	conv, err := store.CreateConversation(context.Background(), conversation.Metadata{
		Agents: []conversation.AgentMeta{{ID: "alice"}},
	})
	require.NoError(t, err)

	_, err = store.Append(context.Background(), conv.ID, eventlog.AppendInput{
		Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn,
	})
	require.NoError(t, err)

	racy := &racyBackfill{Backfill: store}
	b := New(racy, 16)
	racy.hook = func() {
		ev, err := store.Append(context.Background(), conv.ID, eventlog.AppendInput{
			Type: conversation.EventMessage, AgentID: "alice", Finality: conversation.FinalityTurn,
		})
		require.NoError(t, err)
		b.PublishEvent(*ev)
	}

	sub, err := b.Subscribe(context.Background(), conv.ID, 0, false)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	var seqs []int64
	for i := 0; i < 2; i++ {
		select {
		case env := <-sub.C():
			require.NotNil(t, env.Event)
			seqs = append(seqs, env.Event.Seq)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	assert.Equal(t, []int64{1, 2}, seqs)

	select {
	case <-sub.C():
		t.Fatal("delivered a duplicate event after the race")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Close(t *testing.T) {
	b, _, convID := newBusWithHistory(t, 0)
	sub, err := b.Subscribe(context.Background(), convID, 0, false)
	require.NoError(t, err)

	b.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Close to close all subscriptions")
	}
}
