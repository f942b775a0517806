// Package guidance computes who should act next after an event closes a
// turn or opens a conversation. Guidance is derived, not
// persisted: a Scheduler looks at the just-closed event and the
// conversation's roster and returns zero or one Guidance describing what
// the bus should announce next.
//
// Two policies are provided. DefaultPolicy implements strict alternation:
// the next non-"user" agent in roster order after whoever just closed a
// turn. CompetitionPolicy instead opens a bounded-time claim window that
// any eligible agent may win, re-announcing (up to a retry limit) if the
// window lapses unclaimed.
package guidance

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentweave/conductor/conversation"
)

// Policy names a conversation's Metadata.SchedulerPolicy value.
const (
	PolicyAlternation = "alternation"
	PolicyCompetition = "competition"
)

// DefaultClaimWindow is how long a competition-policy claim stays open
// before the scheduler retries with a new claim_expired guidance.
const DefaultClaimWindow = 5 * time.Second

// DefaultMaxClaimRetries bounds how many times a claim window can lapse
// before the scheduler gives up and leaves the conversation idle.
const DefaultMaxClaimRetries = 3

// Scheduler decides the next Guidance after ev has been durably appended.
// ev is the just-appended event; conv is the conversation's state as of
// immediately after ev (i.e. conv.OpenTurn/OpenTurnAgent already reflect
// ev's effect). Decide returns (nil, nil) when no guidance is warranted
// (e.g. a non-finality trace event, or a conversation that just closed).
type Scheduler interface {
	Decide(conv conversation.Conversation, ev conversation.Event) (*conversation.Guidance, error)

	// Expire is called by the orchestrator's claim-timeout timer when a
	// competition-policy claim window lapses unclaimed. attempt is the
	// 1-based count of windows that have lapsed for this turn so far.
	// It returns the retry guidance, or (nil, nil) once attempt exceeds
	// the policy's retry limit (conversation is left idle).
	Expire(conv conversation.Conversation, turn int, attempt int) (*conversation.Guidance, error)
}

// NewScheduler selects a Scheduler for the named policy, defaulting to
// alternation when policy is empty or unrecognized.
func NewScheduler(policy string) Scheduler {
	switch policy {
	case PolicyCompetition:
		return &CompetitionPolicy{ClaimWindow: DefaultClaimWindow, MaxRetries: DefaultMaxClaimRetries}
	default:
		return &DefaultPolicy{}
	}
}

// guidanceSeq derives the stream-ordering seq for guidance following a
// closed event.
func guidanceSeq(ev conversation.Event) float64 {
	return float64(ev.Seq) + 0.1
}

// nextInRoster returns the agent after afterID in roster order, wrapping
// around, skipping "user". If afterID is "" or not found, it returns the
// first non-user agent.
func nextInRoster(conv conversation.Conversation, afterID string) (string, bool) {
	roster := conv.Metadata.NonUserAgents()
	if len(roster) == 0 {
		return "", false
	}
	if afterID == "" {
		return roster[0].ID, true
	}
	for i, a := range roster {
		if a.ID == afterID {
			return roster[(i+1)%len(roster)].ID, true
		}
	}
	return roster[0].ID, true
}

// DefaultPolicy implements strict alternation: after a turn closes,
// guidance targets exactly one agent (the one after the closer in roster
// order), deterministically.
type DefaultPolicy struct{}

var _ Scheduler = (*DefaultPolicy)(nil)

func (p *DefaultPolicy) Decide(conv conversation.Conversation, ev conversation.Event) (*conversation.Guidance, error) {
	if !ev.ClosesTurn() || ev.ClosesConversation() {
		return nil, nil
	}

	next, ok := nextInRoster(conv, ev.AgentID)
	if !ok {
		return nil, fmt.Errorf("guidance: conversation %d has no eligible agents", conv.ID)
	}
	if next == ev.AgentID {
		// Only one non-user agent in the roster: there is no "other" agent
		// to alternate to. Emit nothing and await the user's next post
		// rather than bouncing the turn back to its own closer.
		return nil, nil
	}

	return &conversation.Guidance{
		Conversation: conv.ID,
		Seq:          guidanceSeq(ev),
		NextAgentID:  next,
		Kind:         conversation.GuidanceStartTurn,
	}, nil
}

func (p *DefaultPolicy) Expire(conversation.Conversation, int, int) (*conversation.Guidance, error) {
	// Alternation never opens a claim window, so nothing ever expires.
	return nil, nil
}

// CompetitionPolicy opens an untargeted claim window after a turn closes:
// guidance carries no NextAgentID, and any eligible agent may race to open
// the next turn (the orchestrator arbitrates the race via the turn
// machine's single-writer rule). If the window lapses, Expire is invoked
// by the orchestrator's timer and either re-announces (claim_expired) or,
// past MaxRetries, gives up.
type CompetitionPolicy struct {
	ClaimWindow time.Duration
	MaxRetries  int

	mu     sync.Mutex
	claims map[claimKey]time.Time // conversation+turn -> deadline, for diagnostics
}

var _ Scheduler = (*CompetitionPolicy)(nil)

type claimKey struct {
	conv int64
	turn int
}

func (p *CompetitionPolicy) Decide(conv conversation.Conversation, ev conversation.Event) (*conversation.Guidance, error) {
	if !ev.ClosesTurn() || ev.ClosesConversation() {
		return nil, nil
	}
	if len(conv.Metadata.NonUserAgents()) == 0 {
		return nil, fmt.Errorf("guidance: conversation %d has no eligible agents", conv.ID)
	}

	deadline := time.Now().Add(p.window())
	p.recordClaim(conv.ID, ev.Turn+1, deadline)

	return &conversation.Guidance{
		Conversation: conv.ID,
		Seq:          guidanceSeq(ev),
		Kind:         conversation.GuidanceStartTurn,
		DeadlineMs:   int(p.window().Milliseconds()),
	}, nil
}

func (p *CompetitionPolicy) Expire(conv conversation.Conversation, turn int, attempt int) (*conversation.Guidance, error) {
	if attempt > p.maxRetries() {
		p.clearClaim(conv.ID, turn)
		return nil, nil
	}

	deadline := time.Now().Add(p.window())
	p.recordClaim(conv.ID, turn, deadline)

	// Seq is left unset: the caller appends a claim_expired system event
	// through the store first and stamps Seq from that event's real,
	// gap-free position before publishing this guidance.
	return &conversation.Guidance{
		Conversation: conv.ID,
		Kind:         conversation.GuidanceClaimExpired,
		DeadlineMs:   int(p.window().Milliseconds()),
		Reason:       fmt.Sprintf("claim window lapsed (attempt %d)", attempt),
	}, nil
}

func (p *CompetitionPolicy) window() time.Duration {
	if p.ClaimWindow <= 0 {
		return DefaultClaimWindow
	}
	return p.ClaimWindow
}

func (p *CompetitionPolicy) maxRetries() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxClaimRetries
	}
	return p.MaxRetries
}

func (p *CompetitionPolicy) recordClaim(convID int64, turn int, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claims == nil {
		p.claims = make(map[claimKey]time.Time)
	}
	p.claims[claimKey{conv: convID, turn: turn}] = deadline
}

func (p *CompetitionPolicy) clearClaim(convID int64, turn int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claims, claimKey{conv: convID, turn: turn})
}

// ClaimDeadline reports the currently-open claim deadline for a turn, for
// tests and diagnostics.
func (p *CompetitionPolicy) ClaimDeadline(convID int64, turn int) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.claims[claimKey{conv: convID, turn: turn}]
	return d, ok
}
