// Package conversation defines the data model shared across Conductor's
// components: the event log, turn state machine, scheduler, subscription
// bus, agent runtime, and the transport/bridge layers that sit on top of
// them.
package conversation

import "time"

// EventType identifies the kind of payload an Event carries.
type EventType string

const (
	// EventMessage is a durable, user-or-agent-visible message.
	EventMessage EventType = "message"
	// EventTrace is ephemeral progress narration emitted mid-turn.
	EventTrace EventType = "trace"
	// EventSystem is scheduler- or host-originated bookkeeping, never
	// authored by an agent directly (e.g. claim_expired).
	EventSystem EventType = "system"
)

// Finality describes how an event affects turn and conversation lifecycle.
type Finality string

const (
	// FinalityNone means more events are expected in this turn.
	FinalityNone Finality = "none"
	// FinalityTurn closes the current turn; a new turn may open next.
	FinalityTurn Finality = "turn"
	// FinalityConversation closes the turn and the conversation forever.
	FinalityConversation Finality = "conversation"
)

// Status is the lifecycle state of a Conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Attachment is an opaque blob carried inside a message payload.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Payload is the type-dependent body of an Event. Text is the common case
// for message/trace/system events; Attachments ride alongside it.
type Payload struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Data        any          `json:"data,omitempty"`
}

// Event is the unit of the append-only log.
type Event struct {
	Conversation    int64     `json:"conversation"`
	Turn            int       `json:"turn"`
	EventInTurn     int       `json:"event"`
	Seq             int64     `json:"seq"`
	Type            EventType `json:"type"`
	AgentID         string    `json:"agentId"`
	Payload         Payload   `json:"payload"`
	Finality        Finality  `json:"finality"`
	Timestamp       time.Time `json:"ts"`
	ClientRequestID string    `json:"clientRequestId,omitempty"`
}

// ClosesTurn reports whether this event ends the turn it belongs to.
func (e *Event) ClosesTurn() bool {
	return e.Finality == FinalityTurn || e.Finality == FinalityConversation
}

// ClosesConversation reports whether this event terminates the conversation.
func (e *Event) ClosesConversation() bool {
	return e.Finality == FinalityConversation
}

// AgentMeta describes a participant. Identity is the ID; everything else is
// descriptive metadata consumed by the scheduler and agent host.
type AgentMeta struct {
	ID     string         `json:"id"`
	Class  string         `json:"class,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Metadata is the descriptive, mutable-at-creation part of a Conversation.
type Metadata struct {
	Title           string      `json:"title,omitempty"`
	StartingAgentID string      `json:"startingAgentId,omitempty"`
	Agents          []AgentMeta `json:"agents"`
	SchedulerPolicy string      `json:"schedulerPolicy,omitempty"` // "alternation" | "competition"
}

// AgentByID looks up an agent descriptor by id, or returns false.
func (m Metadata) AgentByID(id string) (AgentMeta, bool) {
	for _, a := range m.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentMeta{}, false
}

// NonUserAgents returns agents other than the literal "user" id, in
// metadata order. Used by the default scheduler policy for tie-breaking.
func (m Metadata) NonUserAgents() []AgentMeta {
	out := make([]AgentMeta, 0, len(m.Agents))
	for _, a := range m.Agents {
		if a.ID != "user" {
			out = append(out, a)
		}
	}
	return out
}

// Conversation is the top-level aggregate: status, metadata, and a pointer
// to the open turn (if any). The event log itself lives in the Store; this
// struct is the read-model returned by snapshot/list.
type Conversation struct {
	ID            int64     `json:"id"`
	Status        Status    `json:"status"`
	Metadata      Metadata  `json:"metadata"`
	LastClosedSeq int64     `json:"lastClosedSeq"`
	OpenTurn      *int      `json:"openTurn,omitempty"`
	OpenTurnAgent string    `json:"openTurnAgent,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// GuidanceKind distinguishes a targeted continuation from an open call for
// claims under the competition policy.
type GuidanceKind string

const (
	GuidanceStartTurn    GuidanceKind = "start_turn"
	GuidanceContinueTurn GuidanceKind = "continue_turn"
	GuidanceClaimLost    GuidanceKind = "claim_lost"
	GuidanceClaimExpired GuidanceKind = "claim_expired"
)

// Guidance is the scheduler's instruction to an agent to act. It is derived
// from closed events, not persisted as part of the log.
type Guidance struct {
	Conversation int64        `json:"conversation"`
	Seq          float64      `json:"seq"` // closedEvent.Seq + 0.1, for stream ordering
	NextAgentID  string       `json:"nextAgentId,omitempty"`
	Kind         GuidanceKind `json:"kind"`
	DeadlineMs   int          `json:"deadlineMs,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// TurnClaim reserves the right to open a turn under the competition policy.
type TurnClaim struct {
	Conversation int64
	Turn         int
	AgentID      string
	ExpiresAt    time.Time
}
