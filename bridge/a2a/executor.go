// Package a2a bridges the A2A protocol's message/stream and tasks/* surface
// to internal conversations. One A2A task corresponds to one
// conversation; each user-role message is appended as one external turn
// with finality=turn.
package a2a

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"

	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/host"
	"github.com/agentweave/conductor/orchestrator"
)

// DefaultExternalAgentID is the roster id standing in for the A2A caller
// inside the internal conversation.
const DefaultExternalAgentID = "external"

// Executor implements a2asrv.AgentExecutor, bridging A2A tasks to Conductor
// conversations.
//
// Event translation:
//   - new task: emit TaskStateSubmitted, then TaskStateWorking
//   - each internal agent event: emit a TaskArtifactUpdateEvent
//   - internal turn closes without conversation finality: TaskStateInputRequired
//   - conversation reaches finality: TaskStateCompleted, after the closing
//     event has been durably appended
type Executor struct {
	orch            *orchestrator.Orchestrator
	agentHost       *host.Host
	internalAgent   conversation.AgentMeta
	externalAgentID string
	log             *slog.Logger

	mu       sync.Mutex
	byTaskID map[a2a.TaskID]int64
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithAgentHost wires an Agent Host so a new task starts the internal
// agent immediately instead of leaving it to resumeAll.
func WithAgentHost(h *host.Host) Option {
	return func(e *Executor) { e.agentHost = h }
}

// WithExternalAgentID overrides DefaultExternalAgentID.
func WithExternalAgentID(id string) Option {
	return func(e *Executor) { e.externalAgentID = id }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// NewExecutor constructs an Executor. internalAgent describes the
// scenario/assistant agent every new task is paired with.
func NewExecutor(orch *orchestrator.Orchestrator, internalAgent conversation.AgentMeta, opts ...Option) *Executor {
	e := &Executor{
		orch:            orch,
		internalAgent:   internalAgent,
		externalAgentID: DefaultExternalAgentID,
		log:             slog.Default(),
		byTaskID:        make(map[a2a.TaskID]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ a2asrv.AgentExecutor = (*Executor)(nil)

// Execute implements a2asrv.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	msg := reqCtx.Message
	if msg == nil {
		return fmt.Errorf("a2a bridge: message not provided")
	}

	convID, isNew, err := e.conversationFor(ctx, reqCtx)
	if err != nil {
		return fmt.Errorf("a2a bridge: resolve conversation: %w", err)
	}

	if isNew {
		if err := queue.Write(ctx, a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateSubmitted, nil)); err != nil {
			return fmt.Errorf("a2a bridge: write submitted event: %w", err)
		}
	}

	if err := queue.Write(ctx, a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)); err != nil {
		return fmt.Errorf("a2a bridge: write working event: %w", err)
	}

	payload := payloadFromParts(msg.Parts)
	ev, err := e.orch.Append(ctx, convID, eventlog.AppendInput{
		Type:            conversation.EventMessage,
		AgentID:         e.externalAgentID,
		Payload:         payload,
		Finality:        conversation.FinalityTurn,
	})
	if err != nil {
		return e.writeFailed(ctx, reqCtx, queue, fmt.Errorf("append message: %w", err))
	}

	return e.streamReplies(ctx, reqCtx, queue, convID, ev.Seq)
}

// Cancel implements a2asrv.AgentExecutor.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	e.mu.Lock()
	delete(e.byTaskID, reqCtx.TaskID)
	e.mu.Unlock()

	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	return queue.Write(ctx, event)
}

// conversationFor resolves the internal conversation backing an A2A task,
// creating one when reqCtx.StoredTask is nil (a brand new task).
func (e *Executor) conversationFor(ctx context.Context, reqCtx *a2asrv.RequestContext) (int64, bool, error) {
	e.mu.Lock()
	convID, ok := e.byTaskID[reqCtx.TaskID]
	e.mu.Unlock()
	if ok {
		return convID, false, nil
	}

	if reqCtx.StoredTask != nil {
		return 0, false, fmt.Errorf("unknown task %s for existing stored task", reqCtx.TaskID)
	}

	conv, err := e.orch.CreateConversation(ctx, conversation.Metadata{
		Title:           fmt.Sprintf("a2a task %s", reqCtx.TaskID),
		StartingAgentID: e.internalAgent.ID,
		Agents:          []conversation.AgentMeta{e.internalAgent, {ID: e.externalAgentID}},
	})
	if err != nil {
		return 0, false, err
	}

	if e.agentHost != nil {
		if err := e.agentHost.Ensure(ctx, conv.ID, conv.Metadata.Agents, nil); err != nil {
			e.log.Error("a2a bridge: failed to start internal agent", "conversation", conv.ID, "err", err)
		}
	}

	e.mu.Lock()
	e.byTaskID[reqCtx.TaskID] = conv.ID
	e.mu.Unlock()
	return conv.ID, true, nil
}

// streamReplies subscribes from sinceSeq and translates internal events into
// A2A artifact/status frames until the turn closes, the conversation reaches
// finality, or ctx is done.
func (e *Executor) streamReplies(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, convID int64, sinceSeq int64) error {
	sub, err := e.orch.Subscribe(ctx, convID, sinceSeq, false)
	if err != nil {
		return e.writeFailed(ctx, reqCtx, queue, fmt.Errorf("subscribe: %w", err))
	}
	defer sub.Close()

	var artifactID a2a.ArtifactID

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			ev := env.Event
			if ev == nil || ev.AgentID == e.externalAgentID {
				continue
			}

			parts := partsFromPayload(ev.Payload)
			if len(parts) > 0 {
				var artEvent *a2a.TaskArtifactUpdateEvent
				if artifactID == "" {
					artEvent = a2a.NewArtifactEvent(reqCtx, parts...)
					artifactID = artEvent.Artifact.ID
				} else {
					artEvent = a2a.NewArtifactUpdateEvent(reqCtx, artifactID, parts...)
				}
				if err := queue.Write(ctx, artEvent); err != nil {
					return fmt.Errorf("a2a bridge: write artifact event: %w", err)
				}
			}

			if ev.ClosesConversation() {
				if artifactID != "" {
					closeEvent := a2a.NewArtifactUpdateEvent(reqCtx, artifactID)
					closeEvent.LastChunk = true
					if err := queue.Write(ctx, closeEvent); err != nil {
						return fmt.Errorf("a2a bridge: write artifact close: %w", err)
					}
				}
				completed := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCompleted, nil)
				completed.Final = true
				return queue.Write(ctx, completed)
			}

			if ev.ClosesTurn() {
				e.mu.Lock()
				e.byTaskID[reqCtx.TaskID] = convID
				e.mu.Unlock()
				inputRequired := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateInputRequired, nil)
				inputRequired.Final = true
				return queue.Write(ctx, inputRequired)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Executor) writeFailed(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, cause error) error {
	msg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: cause.Error()})
	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, msg)
	ev.Final = true
	if writeErr := queue.Write(ctx, ev); writeErr != nil {
		return fmt.Errorf("write failed event: %w (original: %w)", writeErr, cause)
	}
	return nil
}
