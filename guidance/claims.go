package guidance

import (
	"sync"
	"time"

	"github.com/agentweave/conductor/conversation"
)

// ClaimRegistry arbitrates competition-policy races: the first agent to
// call Acquire for a (conversation, turn) wins the right to open the turn;
// later callers for the same key lose until the claim expires or is
// released. It is a standalone complement to the turn machine's
// single-writer rule, which rejects a second writer once a turn is
// actually open; the orchestrator does not consult it, so races are
// settled by that rule at append time.
type ClaimRegistry struct {
	mu     sync.Mutex
	claims map[claimKey]conversation.TurnClaim
}

// NewClaimRegistry returns an empty registry.
func NewClaimRegistry() *ClaimRegistry {
	return &ClaimRegistry{claims: make(map[claimKey]conversation.TurnClaim)}
}

// Acquire attempts to win the claim for (convID, turn) on behalf of
// agentID, valid until expiresAt. It succeeds if no claim is held, the
// holder is agentID already, or the previous holder's claim has expired.
func (r *ClaimRegistry) Acquire(convID int64, turn int, agentID string, expiresAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := claimKey{conv: convID, turn: turn}
	existing, held := r.claims[key]
	if held && existing.AgentID != agentID && time.Now().Before(existing.ExpiresAt) {
		return false
	}

	r.claims[key] = conversation.TurnClaim{
		Conversation: convID,
		Turn:         turn,
		AgentID:      agentID,
		ExpiresAt:    expiresAt,
	}
	return true
}

// Holder returns the current claim holder for (convID, turn), if any and
// unexpired.
func (r *ClaimRegistry) Holder(convID int64, turn int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.claims[claimKey{conv: convID, turn: turn}]
	if !ok || time.Now().After(claim.ExpiresAt) {
		return "", false
	}
	return claim.AgentID, true
}

// Release drops a claim, e.g. once the turn it guarded has actually
// opened and the race is moot.
func (r *ClaimRegistry) Release(convID int64, turn int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, claimKey{conv: convID, turn: turn})
}
