// Package orchestrator is the single entry point every transport (JSON-RPC,
// MCP, A2A) and every in-process agent runtime goes through to touch a
// conversation. It wires together the event store,
// the turn machine embedded in it, the guidance scheduler, and the
// subscription bus, and is what actually provides the cross-component
// ordering guarantee: for a given conversation, the event that closes a
// turn is durably appended and published to the bus strictly before the
// guidance it produces is computed and published.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/guidance"
)

// Orchestrator is safe for concurrent use; Append for a single conversation
// is internally serialized so the append->publish->decide->publish sequence
// below can never interleave with itself for that conversation, even
// though eventlog.Store already serializes the append itself.
type Orchestrator struct {
	store eventlog.Store
	bus   *bus.Bus

	mu          sync.Mutex
	schedulers  map[int64]guidance.Scheduler
	convLocks   map[int64]*sync.Mutex
	defaultPolicy string
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithDefaultPolicy overrides the scheduler policy used for conversations
// whose Metadata.SchedulerPolicy is empty.
func WithDefaultPolicy(policy string) Option {
	return func(o *Orchestrator) { o.defaultPolicy = policy }
}

// New wires an Orchestrator around an existing store and bus. The bus must
// have been constructed with this same store as its Backfill.
func New(store eventlog.Store, b *bus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		bus:           b,
		schedulers:    make(map[int64]guidance.Scheduler),
		convLocks:     make(map[int64]*sync.Mutex),
		defaultPolicy: guidance.PolicyAlternation,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateConversation starts a new conversation and registers its scheduler.
func (o *Orchestrator) CreateConversation(ctx context.Context, meta conversation.Metadata) (*conversation.Conversation, error) {
	if meta.SchedulerPolicy == "" {
		meta.SchedulerPolicy = o.defaultPolicy
	}
	conv, err := o.store.CreateConversation(ctx, meta)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.schedulers[conv.ID] = guidance.NewScheduler(meta.SchedulerPolicy)
	o.convLocks[conv.ID] = &sync.Mutex{}
	o.mu.Unlock()

	return conv, nil
}

func (o *Orchestrator) lockFor(convID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.convLocks[convID]
	if !ok {
		l = &sync.Mutex{}
		o.convLocks[convID] = l
	}
	return l
}

func (o *Orchestrator) schedulerFor(convID int64, conv conversation.Conversation) guidance.Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.schedulers[convID]
	if !ok {
		s = guidance.NewScheduler(conv.Metadata.SchedulerPolicy)
		o.schedulers[convID] = s
	}
	return s
}

// Append validates and appends an event, publishes it, computes any
// resulting guidance, and publishes that too — all under one
// per-conversation lock so subscribers never observe guidance before the
// event that produced it, nor a later event's guidance before an earlier
// one's.
func (o *Orchestrator) Append(ctx context.Context, convID int64, in eventlog.AppendInput) (*conversation.Event, error) {
	lock := o.lockFor(convID)
	lock.Lock()
	defer lock.Unlock()

	ev, err := o.store.Append(ctx, convID, in)
	if err != nil {
		return nil, err
	}
	o.bus.PublishEvent(*ev)

	snap, err := o.store.Snapshot(ctx, convID)
	if err != nil {
		return ev, fmt.Errorf("orchestrator: snapshot after append: %w", err)
	}

	sched := o.schedulerFor(convID, snap.Conversation)
	g, err := sched.Decide(snap.Conversation, *ev)
	if err != nil {
		return ev, fmt.Errorf("orchestrator: guidance decision: %w", err)
	}
	if g != nil {
		o.bus.PublishGuidance(*g)
	}

	return ev, nil
}

// Expire drives a competition-policy claim-window timeout for turn in
// convID. It appends a claim_expired system event so the retry carries a
// real, gap-free seq, publishes that event, then publishes the resulting
// retry guidance (if any) stamped with the event's seq.
func (o *Orchestrator) Expire(ctx context.Context, convID int64, turn int, attempt int) error {
	lock := o.lockFor(convID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := o.store.Snapshot(ctx, convID)
	if err != nil {
		return err
	}
	sched := o.schedulerFor(convID, snap.Conversation)
	g, err := sched.Expire(snap.Conversation, turn, attempt)
	if err != nil {
		return err
	}
	if g == nil {
		return nil
	}

	ev, err := o.store.Append(ctx, convID, eventlog.AppendInput{
		Type:     conversation.EventSystem,
		AgentID:  "system",
		Payload:  conversation.Payload{Text: g.Reason},
		Finality: conversation.FinalityNone,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: append claim_expired event: %w", err)
	}
	o.bus.PublishEvent(*ev)

	g.Seq = float64(ev.Seq) + 0.1
	o.bus.PublishGuidance(*g)
	return nil
}

// Snapshot returns the full current state of a conversation.
func (o *Orchestrator) Snapshot(ctx context.Context, convID int64) (*eventlog.Snapshot, error) {
	return o.store.Snapshot(ctx, convID)
}

// ReadRange returns events in (fromSeq, toSeq].
func (o *Orchestrator) ReadRange(ctx context.Context, convID int64, fromSeq int64, toSeq *int64) ([]conversation.Event, error) {
	return o.store.ReadRange(ctx, convID, fromSeq, toSeq)
}

// List returns conversations in creation order.
func (o *Orchestrator) List(ctx context.Context, opts eventlog.ListOptions) ([]*conversation.Conversation, error) {
	return o.store.List(ctx, opts)
}

// Subscribe opens a bus subscription to a conversation's stream.
func (o *Orchestrator) Subscribe(ctx context.Context, convID int64, sinceSeq int64, includeGuidance bool) (*bus.Subscription, error) {
	return o.bus.Subscribe(ctx, convID, sinceSeq, includeGuidance)
}

// Close releases the store and bus.
func (o *Orchestrator) Close() error {
	o.bus.Close()
	return o.store.Close()
}
