// Package turn implements the per-conversation turn state machine: Idle /
// Open(agent, turn) / Completed, with the single-writer-per-turn and
// finality-terminal invariants.
//
// The state itself is trivial; what matters is that every transition is
// computed from one event under the Store's per-conversation lock, so the
// Machine is deliberately not safe for concurrent use — callers serialize
// access the same way a guarded task status field would, except here the
// lock lives one level up, in the event store.
package turn

import "github.com/agentweave/conductor/conversation"

// Phase is the coarse state of the machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseOpen      Phase = "open"
	PhaseCompleted Phase = "completed"
)

// Machine tracks the open turn (if any) for one conversation.
type Machine struct {
	phase    Phase
	agentID  string
	turn     int
	closedTurns int
}

// New returns a fresh Idle machine.
func New() *Machine {
	return &Machine{phase: PhaseIdle}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// OpenAgent returns the agent holding the open turn, or "" if Idle/Completed.
func (m *Machine) OpenAgent() string { return m.agentID }

// OpenTurn returns the open turn number and whether one is open.
func (m *Machine) OpenTurn() (int, bool) {
	if m.phase != PhaseOpen {
		return 0, false
	}
	return m.turn, true
}

// ClosedTurns returns how many turns have closed so far.
func (m *Machine) ClosedTurns() int { return m.closedTurns }

// NextTurn computes the turn number an append should use: the currently
// open turn if one exists, otherwise one past the last closed turn.
func (m *Machine) NextTurn() int {
	if m.phase == PhaseOpen {
		return m.turn
	}
	return m.closedTurns + 1
}

// CheckAuthor validates that agentID may write into the conversation's
// current state: if a turn is open, only its author may append to it.
func (m *Machine) CheckAuthor(agentID string) error {
	if m.phase == PhaseCompleted {
		return conversation.ErrClosedConversation
	}
	if m.phase == PhaseOpen && m.agentID != agentID {
		return conversation.ErrWrongAuthor
	}
	return nil
}

// RequireOpenTurn validates that a trace event is bracketed by an open turn
// of the same agent.
func (m *Machine) RequireOpenTurn(agentID string) error {
	if m.phase != PhaseOpen {
		return conversation.ErrNoOpenTurn
	}
	if m.agentID != agentID {
		return conversation.ErrWrongAuthor
	}
	return nil
}

// Apply advances the machine given the finality of an event just appended
// for agentID. It assumes CheckAuthor/RequireOpenTurn already passed.
func (m *Machine) Apply(agentID string, finality conversation.Finality) {
	if m.phase != PhaseOpen {
		m.phase = PhaseOpen
		m.agentID = agentID
		m.turn = m.closedTurns + 1
	}

	switch finality {
	case conversation.FinalityTurn:
		m.closedTurns++
		m.phase = PhaseIdle
		m.agentID = ""
	case conversation.FinalityConversation:
		m.closedTurns++
		m.phase = PhaseCompleted
		m.agentID = ""
	}
}

// Restore rehydrates a machine from persisted state (used after a store
// replays events on startup, or loads a snapshot).
func Restore(closedTurns int, openAgent string, openTurn int, completed bool) *Machine {
	m := &Machine{closedTurns: closedTurns}
	switch {
	case completed:
		m.phase = PhaseCompleted
	case openAgent != "":
		m.phase = PhaseOpen
		m.agentID = openAgent
		m.turn = openTurn
	default:
		m.phase = PhaseIdle
	}
	return m
}
