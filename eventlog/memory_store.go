package eventlog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentweave/conductor/conversation"
)

// MemoryStore is the ephemeral Store backend, selected by DB_PATH=":memory:".
// A map guarded by a single RWMutex holds the conversation index, with one
// conversationState (and its own mutex) per conversation for the hot
// append path.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]*conversationState
	order         []int64
	nextID        int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*conversationState),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateConversation(_ context.Context, meta conversation.Metadata) (*conversation.Conversation, error) {
	id := atomic.AddInt64(&s.nextID, 1)
	conv := conversation.Conversation{
		ID:        id,
		Status:    conversation.StatusActive,
		Metadata:  meta,
		CreatedAt: nowFunc().UTC(),
	}

	s.mu.Lock()
	s.conversations[id] = newConversationState(conv)
	s.order = append(s.order, id)
	s.mu.Unlock()

	out := conv
	return &out, nil
}

func (s *MemoryStore) getState(convID int64) (*conversationState, error) {
	s.mu.RLock()
	cs, ok := s.conversations[convID]
	s.mu.RUnlock()
	if !ok {
		return nil, conversation.ErrUnknownConversation
	}
	return cs, nil
}

func (s *MemoryStore) Append(_ context.Context, convID int64, in AppendInput) (*conversation.Event, error) {
	cs, err := s.getState(convID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.appendLocked(in, nil)
}

func (s *MemoryStore) ReadRange(_ context.Context, convID int64, fromSeq int64, toSeq *int64) ([]conversation.Event, error) {
	cs, err := s.getState(convID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.readRangeLocked(fromSeq, toSeq), nil
}

func (s *MemoryStore) Snapshot(_ context.Context, convID int64) (*Snapshot, error) {
	cs, err := s.getState(convID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	snap := cs.snapshotLocked()
	return &snap, nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	ids := make([]int64, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	start := opts.Offset
	if start > len(ids) {
		start = len(ids)
	}
	end := len(ids)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	out := make([]*conversation.Conversation, 0, end-start)
	for _, id := range ids[start:end] {
		cs, err := s.getState(id)
		if err != nil {
			continue
		}
		cs.mu.Lock()
		conv := cs.conv
		cs.mu.Unlock()
		out = append(out, &conv)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
