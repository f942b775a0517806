// Package host is the Agent Host & Lifecycle component: it
// tracks which agents are ensured running per conversation, persists that
// registry so a restart can resume them, and deduplicates concurrent
// ensure calls for the same conversation via an in-flight promise.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/conversation"
)

// Factory builds a running Runtime for one (conversation, agentMeta) pair.
// The concrete Handler (echo/scripted/assistant/bridge proxy) is chosen
// from agentMeta.Class.
type Factory func(meta conversation.AgentMeta, transport agentrt.AgentTransport, convID int64) (*agentrt.Runtime, error)

// Registry persists which agents are ensured running per conversation, so
// Host.ResumeAll can recreate them after a process restart.
type Registry interface {
	// Record marks agentIDs as ensured for convID.
	Record(ctx context.Context, convID int64, agentIDs []string) error
	// Forget removes agentIDs from convID's recorded set.
	Forget(ctx context.Context, convID int64, agentIDs []string) error
	// All returns every (conversation, agentIDs) pair currently recorded.
	All(ctx context.Context) (map[int64][]string, error)
}

// runningAgent pairs a live Runtime with the metadata it was started
// from, so Ensure can tell what's already running without re-deriving it.
type runningAgent struct {
	meta conversation.AgentMeta
	rt   *agentrt.Runtime
}

// Host maintains the set of ensured-running agents per conversation.
type Host struct {
	factory   Factory
	transport agentrt.AgentTransport
	registry  Registry
	log       *slog.Logger

	mu       sync.Mutex
	running  map[int64]map[string]*runningAgent // convID -> agentID -> runningAgent
	inflight map[int64]chan struct{}            // convID -> in-flight Ensure gate
}

// New constructs a Host. registry may be nil, in which case ResumeAll is a
// no-op and ensured agents are not persisted across restarts.
func New(factory Factory, transport agentrt.AgentTransport, registry Registry, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		factory:   factory,
		transport: transport,
		registry:  registry,
		log:       log,
		running:   make(map[int64]map[string]*runningAgent),
		inflight:  make(map[int64]chan struct{}),
	}
}

// Ensure starts any agent in roster (or, if agentIDs is empty, every
// non-"user" agent in roster) not already running for convID. Concurrent
// Ensure calls for the same conversation serialize behind a single
// in-flight gate so a racing pair never double-starts an agent.
func (h *Host) Ensure(ctx context.Context, convID int64, roster []conversation.AgentMeta, agentIDs []string) error {
	gate := h.acquireGate(convID)
	defer h.releaseGate(convID, gate)

	wanted := selectAgents(roster, agentIDs)

	h.mu.Lock()
	if h.running[convID] == nil {
		h.running[convID] = make(map[string]*runningAgent)
	}
	started := make([]string, 0, len(wanted))
	for _, meta := range wanted {
		if meta.ID == "user" {
			continue
		}
		if _, ok := h.running[convID][meta.ID]; ok {
			continue
		}
		rt, err := h.factory(meta, h.transport, convID)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("host: ensure %s: %w", meta.ID, err)
		}
		rt.Start(ctx)
		h.running[convID][meta.ID] = &runningAgent{meta: meta, rt: rt}
		started = append(started, meta.ID)
	}
	h.mu.Unlock()

	if h.registry != nil && len(started) > 0 {
		if err := h.registry.Record(ctx, convID, started); err != nil {
			h.log.Error("host: failed to persist ensured agents", "conversation", convID, "err", err)
		}
	}
	return nil
}

// Stop stops and unregisters the given agents (or all running agents for
// convID if agentIDs is empty).
func (h *Host) Stop(ctx context.Context, convID int64, agentIDs []string) error {
	h.mu.Lock()
	agents, ok := h.running[convID]
	if !ok {
		h.mu.Unlock()
		return nil
	}

	targets := agentIDs
	if len(targets) == 0 {
		targets = make([]string, 0, len(agents))
		for id := range agents {
			targets = append(targets, id)
		}
	}

	stopped := make([]string, 0, len(targets))
	for _, id := range targets {
		ra, ok := agents[id]
		if !ok {
			continue
		}
		ra.rt.Stop()
		delete(agents, id)
		stopped = append(stopped, id)
	}
	if len(agents) == 0 {
		delete(h.running, convID)
	}
	h.mu.Unlock()

	if h.registry != nil && len(stopped) > 0 {
		if err := h.registry.Forget(ctx, convID, stopped); err != nil {
			h.log.Error("host: failed to forget stopped agents", "conversation", convID, "err", err)
		}
	}
	return nil
}

// RunningInfo describes one currently-ensured agent.
type RunningInfo struct {
	AgentID string
	Class   string
	Phase   agentrt.Phase
}

// List returns current runtime info for convID's ensured agents.
func (h *Host) List(convID int64) []RunningInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	agents := h.running[convID]
	out := make([]RunningInfo, 0, len(agents))
	for id, ra := range agents {
		out = append(out, RunningInfo{AgentID: id, Class: ra.meta.Class, Phase: ra.rt.Phase()})
	}
	return out
}

// ResumeAll reads the persisted registry and re-ensures every recorded
// (conversation, agentIDs) set, for process-restart recovery. roster supplies each conversation's current agent metadata
// (typically read from the event store's conversation snapshot).
func (h *Host) ResumeAll(ctx context.Context, rosterFor func(convID int64) ([]conversation.AgentMeta, error)) error {
	if h.registry == nil {
		return nil
	}

	all, err := h.registry.All(ctx)
	if err != nil {
		return fmt.Errorf("host: resumeAll: %w", err)
	}

	for convID, agentIDs := range all {
		roster, err := rosterFor(convID)
		if err != nil {
			h.log.Error("host: resumeAll: failed to load roster", "conversation", convID, "err", err)
			continue
		}
		if err := h.Ensure(ctx, convID, roster, agentIDs); err != nil {
			h.log.Error("host: resumeAll: failed to ensure", "conversation", convID, "err", err)
		}
	}
	return nil
}

func (h *Host) acquireGate(convID int64) chan struct{} {
	for {
		h.mu.Lock()
		existing, busy := h.inflight[convID]
		if !busy {
			gate := make(chan struct{})
			h.inflight[convID] = gate
			h.mu.Unlock()
			return gate
		}
		h.mu.Unlock()
		<-existing
	}
}

func (h *Host) releaseGate(convID int64, gate chan struct{}) {
	h.mu.Lock()
	if h.inflight[convID] == gate {
		delete(h.inflight, convID)
	}
	h.mu.Unlock()
	close(gate)
}

func selectAgents(roster []conversation.AgentMeta, agentIDs []string) []conversation.AgentMeta {
	if len(agentIDs) == 0 {
		return roster
	}
	want := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		want[id] = true
	}
	out := make([]conversation.AgentMeta, 0, len(agentIDs))
	for _, meta := range roster {
		if want[meta.ID] {
			out = append(out, meta)
		}
	}
	return out
}
