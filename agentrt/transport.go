// Package agentrt is the transport-agnostic agent runtime:
// every concrete agent — echo, scripted, assistant, MCP proxy, A2A proxy —
// is a thin Handler plugged into the same cooperative Runtime loop.
package agentrt

import (
	"context"
	"time"

	"github.com/agentweave/conductor/conversation"
)

// AgentTransport is the narrow capability set an agent depends on, so
// agents and the transport never reference each other directly.
type AgentTransport interface {
	// PostMessage appends a durable message event authored by agentID.
	PostMessage(ctx context.Context, convID int64, agentID string, payload conversation.Payload, finality conversation.Finality, clientRequestID string) (*conversation.Event, error)

	// PostTrace appends an ephemeral trace event (finality=none, always).
	PostTrace(ctx context.Context, convID int64, agentID string, payload conversation.Payload, clientRequestID string) (*conversation.Event, error)

	// Subscribe opens an event+guidance stream for a conversation starting
	// strictly after sinceSeq.
	Subscribe(ctx context.Context, convID int64, sinceSeq int64) (Stream, error)

	// Snapshot returns the full current state of a conversation.
	Snapshot(ctx context.Context, convID int64) (*conversation.Conversation, []conversation.Event, error)

	// QueryUser asks a human for input and blocks up to timeout, returning
	// their reply text or conversation.ErrTimeout.
	QueryUser(ctx context.Context, convID int64, prompt string, timeout time.Duration) (string, error)

	// GetAttachment resolves an attachment reference to its bytes.
	GetAttachment(ctx context.Context, convID int64, name string) (conversation.Attachment, error)
}

// StreamItem is one item delivered by a Stream: either an Event or
// Guidance, mirroring bus.Envelope without importing the bus package (the
// transport implementation adapts bus.Envelope to this shape).
type StreamItem struct {
	Event    *conversation.Event
	Guidance *conversation.Guidance
}

// Stream is a live, resumable event+guidance feed for one conversation.
type Stream interface {
	// Next blocks for the next item, or returns false when the stream has
	// ended (conversation finality delivered, explicit Close, or ctx done).
	Next(ctx context.Context) (StreamItem, bool)

	// LastSeq is the highest event seq delivered so far, for resume.
	LastSeq() int64

	// Close ends the stream; idempotent.
	Close()
}
