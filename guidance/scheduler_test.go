package guidance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentweave/conductor/conversation"
)

func testConv(policy string) conversation.Conversation {
	return conversation.Conversation{
		ID: 1,
		Metadata: conversation.Metadata{
			Agents: []conversation.AgentMeta{
				{ID: "user"}, {ID: "alice"}, {ID: "bob"}, {ID: "carol"},
			},
			SchedulerPolicy: policy,
		},
	}
}

func TestDefaultPolicy_AlternatesToNextAgent(t *testing.T) {
	p := &DefaultPolicy{}
	conv := testConv(PolicyAlternation)

	g, err := p.Decide(conv, conversation.Event{AgentID: "alice", Turn: 1, Seq: 5, Finality: conversation.FinalityTurn})
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "bob", g.NextAgentID)
	assert.Equal(t, conversation.GuidanceStartTurn, g.Kind)
	assert.Equal(t, 5.1, g.Seq)
}

func TestDefaultPolicy_WrapsAroundRoster(t *testing.T) {
	p := &DefaultPolicy{}
	conv := testConv(PolicyAlternation)

	g, err := p.Decide(conv, conversation.Event{AgentID: "carol", Turn: 3, Seq: 9, Finality: conversation.FinalityTurn})
	require.NoError(t, err)
	assert.Equal(t, "alice", g.NextAgentID)
}

func TestDefaultPolicy_NoGuidanceOnNonClosingEvent(t *testing.T) {
	p := &DefaultPolicy{}
	conv := testConv(PolicyAlternation)

	g, err := p.Decide(conv, conversation.Event{AgentID: "alice", Finality: conversation.FinalityNone})
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestDefaultPolicy_NoGuidanceWhenConversationCloses(t *testing.T) {
	p := &DefaultPolicy{}
	conv := testConv(PolicyAlternation)

	g, err := p.Decide(conv, conversation.Event{AgentID: "alice", Finality: conversation.FinalityConversation})
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestDefaultPolicy_NoGuidanceWhenSoleAgentCloses(t *testing.T) {
	p := &DefaultPolicy{}
	conv := conversation.Conversation{
		ID: 1,
		Metadata: conversation.Metadata{
			Agents:          []conversation.AgentMeta{{ID: "user"}, {ID: "echo"}},
			SchedulerPolicy: PolicyAlternation,
		},
	}

	g, err := p.Decide(conv, conversation.Event{AgentID: "echo", Turn: 1, Seq: 5, Finality: conversation.FinalityTurn})
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestDefaultPolicy_ErrorsWithNoEligibleAgents(t *testing.T) {
	p := &DefaultPolicy{}
	conv := conversation.Conversation{ID: 1, Metadata: conversation.Metadata{Agents: []conversation.AgentMeta{{ID: "user"}}}}

	_, err := p.Decide(conv, conversation.Event{AgentID: "user", Finality: conversation.FinalityTurn})
	assert.Error(t, err)
}

func TestCompetitionPolicy_OpensUntargetedClaimWindow(t *testing.T) {
	p := &CompetitionPolicy{ClaimWindow: 50 * time.Millisecond, MaxRetries: 2}
	conv := testConv(PolicyCompetition)

	g, err := p.Decide(conv, conversation.Event{AgentID: "alice", Turn: 1, Seq: 5, Finality: conversation.FinalityTurn})
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Empty(t, g.NextAgentID)
	assert.Equal(t, conversation.GuidanceStartTurn, g.Kind)
	assert.Equal(t, 50, g.DeadlineMs)

	_, ok := p.ClaimDeadline(conv.ID, 2)
	assert.True(t, ok)
}

func TestCompetitionPolicy_ExpireRetriesThenGivesUp(t *testing.T) {
	p := &CompetitionPolicy{ClaimWindow: 10 * time.Millisecond, MaxRetries: 2}
	conv := testConv(PolicyCompetition)

	g1, err := p.Expire(conv, 2, 1)
	require.NoError(t, err)
	require.NotNil(t, g1)
	assert.Equal(t, conversation.GuidanceClaimExpired, g1.Kind)

	g2, err := p.Expire(conv, 2, 2)
	require.NoError(t, err)
	require.NotNil(t, g2)

	g3, err := p.Expire(conv, 2, 3)
	require.NoError(t, err)
	assert.Nil(t, g3)
}

func TestClaimRegistry_FirstAcquireWins(t *testing.T) {
	r := NewClaimRegistry()
	future := time.Now().Add(time.Minute)

	assert.True(t, r.Acquire(1, 2, "alice", future))
	assert.False(t, r.Acquire(1, 2, "bob", future))

	holder, ok := r.Holder(1, 2)
	require.True(t, ok)
	assert.Equal(t, "alice", holder)
}

func TestClaimRegistry_ExpiredClaimCanBeReacquired(t *testing.T) {
	r := NewClaimRegistry()
	past := time.Now().Add(-time.Second)

	assert.True(t, r.Acquire(1, 2, "alice", past))
	assert.True(t, r.Acquire(1, 2, "bob", time.Now().Add(time.Minute)))

	holder, ok := r.Holder(1, 2)
	require.True(t, ok)
	assert.Equal(t, "bob", holder)
}

func TestClaimRegistry_ReleaseClearsClaim(t *testing.T) {
	r := NewClaimRegistry()
	r.Acquire(1, 2, "alice", time.Now().Add(time.Minute))
	r.Release(1, 2)

	_, ok := r.Holder(1, 2)
	assert.False(t, ok)
}
