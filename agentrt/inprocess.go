package agentrt

import (
	"context"
	"time"

	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/orchestrator"
)

// InProcessTransport implements AgentTransport directly against an
// Orchestrator, for agents that run in the same process as the server —
// the common case for echo/scripted/assistant agents started by the Agent
// Host. It has no network hop, so "reconnect" only matters
// for its Stream's queue-overflow disconnects.
type InProcessTransport struct {
	orch *orchestrator.Orchestrator
	// userQueries receives prompts and is answered by whatever surface owns
	// human interaction (CLI, web UI); wired in by the caller.
	userQueries UserQueryHandler
	attachments AttachmentResolver
}

// UserQueryHandler answers createUserQuery-style prompts.
type UserQueryHandler func(ctx context.Context, convID int64, prompt string, timeout time.Duration) (string, error)

// AttachmentResolver resolves an attachment name to its stored bytes.
type AttachmentResolver func(ctx context.Context, convID int64, name string) (conversation.Attachment, error)

// NewInProcessTransport wires a transport directly to orch. queries and
// attachments may be nil; calls to QueryUser/GetAttachment then fail with
// conversation.ErrInvalidParams.
func NewInProcessTransport(orch *orchestrator.Orchestrator, queries UserQueryHandler, attachments AttachmentResolver) *InProcessTransport {
	return &InProcessTransport{orch: orch, userQueries: queries, attachments: attachments}
}

var _ AgentTransport = (*InProcessTransport)(nil)

func (t *InProcessTransport) PostMessage(ctx context.Context, convID int64, agentID string, payload conversation.Payload, finality conversation.Finality, clientRequestID string) (*conversation.Event, error) {
	return t.orch.Append(ctx, convID, eventlog.AppendInput{
		Type:            conversation.EventMessage,
		AgentID:         agentID,
		Payload:         payload,
		Finality:        finality,
		ClientRequestID: clientRequestID,
	})
}

func (t *InProcessTransport) PostTrace(ctx context.Context, convID int64, agentID string, payload conversation.Payload, clientRequestID string) (*conversation.Event, error) {
	return t.orch.Append(ctx, convID, eventlog.AppendInput{
		Type:            conversation.EventTrace,
		AgentID:         agentID,
		Payload:         payload,
		Finality:        conversation.FinalityNone,
		ClientRequestID: clientRequestID,
	})
}

func (t *InProcessTransport) Subscribe(ctx context.Context, convID int64, sinceSeq int64) (Stream, error) {
	sub, err := t.orch.Subscribe(ctx, convID, sinceSeq, true)
	if err != nil {
		return nil, err
	}
	return &inProcessStream{sub: sub}, nil
}

func (t *InProcessTransport) Snapshot(ctx context.Context, convID int64) (*conversation.Conversation, []conversation.Event, error) {
	snap, err := t.orch.Snapshot(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	return &snap.Conversation, snap.Events, nil
}

func (t *InProcessTransport) QueryUser(ctx context.Context, convID int64, prompt string, timeout time.Duration) (string, error) {
	if t.userQueries == nil {
		return "", conversation.ErrInvalidParams
	}
	return t.userQueries(ctx, convID, prompt, timeout)
}

func (t *InProcessTransport) GetAttachment(ctx context.Context, convID int64, name string) (conversation.Attachment, error) {
	if t.attachments == nil {
		return conversation.Attachment{}, conversation.ErrInvalidParams
	}
	return t.attachments(ctx, convID, name)
}

// inProcessStream adapts a bus.Subscription to the Stream interface,
// translating bus.Envelope to StreamItem and auto-closing once a
// conversation-finality event arrives.
type inProcessStream struct {
	sub    *bus.Subscription
	closed bool
}

func (s *inProcessStream) Next(ctx context.Context) (StreamItem, bool) {
	if s.closed {
		return StreamItem{}, false
	}
	select {
	case env, ok := <-s.sub.C():
		if !ok {
			s.closed = true
			return StreamItem{}, false
		}
		item := StreamItem{Event: env.Event, Guidance: env.Guidance}
		if env.Event != nil && env.Event.ClosesConversation() {
			s.Close()
		}
		return item, true
	case <-s.sub.Done():
		s.closed = true
		return StreamItem{}, false
	case <-ctx.Done():
		return StreamItem{}, false
	}
}

func (s *inProcessStream) LastSeq() int64 { return s.sub.LastSeq() }

func (s *inProcessStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.sub.Close()
}

var _ Stream = (*inProcessStream)(nil)
