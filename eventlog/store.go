// Package eventlog implements the Event Store & Log component: atomic
// append with monotonic, gap-free sequencing, finality enforcement, and
// range/snapshot reads. Two backends are provided — MemoryStore
// (ephemeral, DB_PATH=":memory:") and SQLiteStore (durable, DB_PATH=<file>)
// — behind the same Store interface.
package eventlog

import (
	"context"
	"time"

	"github.com/agentweave/conductor/conversation"
)

// AppendInput is the caller-supplied part of a new event; the store fills
// in Turn, EventInTurn, Seq, and Timestamp.
type AppendInput struct {
	Type            conversation.EventType
	AgentID         string
	Payload         conversation.Payload
	Finality        conversation.Finality
	ClientRequestID string
}

// Snapshot is the read-model returned for a conversation.
type Snapshot struct {
	Conversation conversation.Conversation
	Events       []conversation.Event
}

// ListOptions pages through conversations.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the Event Store & Log contract.
type Store interface {
	// CreateConversation starts a new, active conversation with the given
	// metadata (starting agent, roster, scheduler policy).
	CreateConversation(ctx context.Context, meta conversation.Metadata) (*conversation.Conversation, error)

	// Append assigns turn/event/seq atomically under a per-conversation
	// critical section and persists the event, or returns a conversation.Error
	// of kind ClosedConversation, NoOpenTurn, WrongAuthor, or — if
	// in.ClientRequestID has already been appended for in.AgentID —
	// DuplicateRequest, whose Data field carries the existing event.
	Append(ctx context.Context, convID int64, in AppendInput) (*conversation.Event, error)

	// ReadRange returns events with fromSeq < seq <= toSeq (toSeq nil means
	// "through the current end"), gap-free, in seq order.
	ReadRange(ctx context.Context, convID int64, fromSeq int64, toSeq *int64) ([]conversation.Event, error)

	// Snapshot returns the full current state of a conversation.
	Snapshot(ctx context.Context, convID int64) (*Snapshot, error)

	// List returns conversations in creation order, most recent last.
	List(ctx context.Context, opts ListOptions) ([]*conversation.Conversation, error)

	// Close releases any resources (file handles, connections).
	Close() error
}

// clock is overridable in tests; production uses time.Now.
var nowFunc = time.Now
