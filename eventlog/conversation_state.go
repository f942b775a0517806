package eventlog

import (
	"fmt"
	"sync"

	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/turn"
)

// conversationState holds the in-memory bookkeeping shared by every Store
// backend: the turn machine, the cached event tail, and the idempotency
// index. SQLiteStore embeds one of these per conversation as a write-through
// cache so both backends share exactly one implementation of the append
// append algorithm.
type conversationState struct {
	mu      sync.Mutex
	conv    conversation.Conversation
	machine *turn.Machine
	events  []conversation.Event
	// requestIndex maps "agentID\x00clientRequestID" to the seq of the
	// event that was appended for it, for the DuplicateRequest check.
	requestIndex map[string]int64
}

func newConversationState(conv conversation.Conversation) *conversationState {
	return &conversationState{
		conv:         conv,
		machine:      turn.New(),
		requestIndex: make(map[string]int64),
	}
}

func requestKey(agentID, clientRequestID string) string {
	return agentID + "\x00" + clientRequestID
}

// persistFunc writes a newly-assigned event to durable storage (a no-op for
// the pure in-memory backend). It runs inside the conversationState's lock,
// so it must not re-enter the store.
type persistFunc func(conversation.Event) error

// appendLocked runs the full append algorithm: validate
// against the turn machine, assign turn/event/seq, persist, update state.
// Caller must already hold cs.mu.
func (cs *conversationState) appendLocked(in AppendInput, persist persistFunc) (*conversation.Event, error) {
	if cs.conv.Status == conversation.StatusCompleted {
		return nil, conversation.ErrClosedConversation
	}

	if in.ClientRequestID != "" {
		if seq, ok := cs.requestIndex[requestKey(in.AgentID, in.ClientRequestID)]; ok {
			existing := cs.findBySeq(seq)
			if existing == nil {
				return nil, fmt.Errorf("internal: indexed request seq %d missing", seq)
			}
			return nil, conversation.DuplicateRequestError(existing)
		}
	}

	switch in.Type {
	case conversation.EventTrace:
		if err := cs.machine.RequireOpenTurn(in.AgentID); err != nil {
			return nil, err
		}
	case conversation.EventSystem:
		// System events (e.g. claim_expired) are scheduler-originated
		// bookkeeping appended between turns; they carry no author to
		// check and never open or close a turn of their own.
	default:
		if err := cs.machine.CheckAuthor(in.AgentID); err != nil {
			return nil, err
		}
	}

	turnNum := cs.machine.NextTurn()
	eventInTurn := 1
	if open, ok := cs.machine.OpenTurn(); ok && open == turnNum {
		eventInTurn = cs.countInTurn(turnNum) + 1
	}

	ev := conversation.Event{
		Conversation:    cs.conv.ID,
		Turn:            turnNum,
		EventInTurn:     eventInTurn,
		Seq:             int64(len(cs.events)) + 1,
		Type:            in.Type,
		AgentID:         in.AgentID,
		Payload:         in.Payload,
		Finality:        in.Finality,
		Timestamp:       nowFunc().UTC(),
		ClientRequestID: in.ClientRequestID,
	}

	if persist != nil {
		if err := persist(ev); err != nil {
			return nil, err
		}
	}

	cs.events = append(cs.events, ev)
	if in.Type != conversation.EventSystem {
		cs.machine.Apply(in.AgentID, in.Finality)
	}
	cs.conv.LastClosedSeq = cs.lastClosedSeqLocked()
	if open, ok := cs.machine.OpenTurn(); ok {
		t := open
		cs.conv.OpenTurn = &t
		cs.conv.OpenTurnAgent = cs.machine.OpenAgent()
	} else {
		cs.conv.OpenTurn = nil
		cs.conv.OpenTurnAgent = ""
	}
	if ev.ClosesConversation() {
		cs.conv.Status = conversation.StatusCompleted
	}

	if in.ClientRequestID != "" {
		cs.requestIndex[requestKey(in.AgentID, in.ClientRequestID)] = ev.Seq
	}

	out := ev
	return &out, nil
}

func (cs *conversationState) countInTurn(turnNum int) int {
	count := 0
	for i := len(cs.events) - 1; i >= 0; i-- {
		if cs.events[i].Turn != turnNum {
			break
		}
		count++
	}
	return count
}

func (cs *conversationState) lastClosedSeqLocked() int64 {
	for i := len(cs.events) - 1; i >= 0; i-- {
		if cs.events[i].ClosesTurn() {
			return cs.events[i].Seq
		}
	}
	return cs.conv.LastClosedSeq
}

func (cs *conversationState) findBySeq(seq int64) *conversation.Event {
	idx := int(seq) - 1
	if idx < 0 || idx >= len(cs.events) {
		return nil
	}
	ev := cs.events[idx]
	return &ev
}

func (cs *conversationState) readRangeLocked(fromSeq int64, toSeq *int64) []conversation.Event {
	var out []conversation.Event
	for _, ev := range cs.events {
		if ev.Seq <= fromSeq {
			continue
		}
		if toSeq != nil && ev.Seq > *toSeq {
			break
		}
		out = append(out, ev)
	}
	return out
}

func (cs *conversationState) snapshotLocked() Snapshot {
	events := make([]conversation.Event, len(cs.events))
	copy(events, cs.events)
	return Snapshot{Conversation: cs.conv, Events: events}
}
