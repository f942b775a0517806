package jsonrpc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentweave/conductor/conversation"
)

// pendingQuery is one outstanding createUserQuery awaiting a
// respondToUserQuery call from some connected client.
type pendingQuery struct {
	convID int64
	reply  chan string
	once   sync.Once
}

func (q *pendingQuery) resolve(text string) bool {
	resolved := false
	q.once.Do(func() {
		q.reply <- text
		resolved = true
	})
	return resolved
}

// userQueryRegistry tracks in-flight human-input requests, broadcasting each new query as a
// "broadcast" notification so any connected client can answer it.
type userQueryRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
	notify  func(convID int64, notification any)
}

func newUserQueryRegistry(notify func(convID int64, notification any)) *userQueryRegistry {
	return &userQueryRegistry{pending: make(map[string]*pendingQuery), notify: notify}
}

// Ask registers a new query, broadcasts it, and blocks until Respond is
// called with its ID, ctx is canceled, or timeout elapses.
func (r *userQueryRegistry) Ask(ctx context.Context, convID int64, prompt string, timeout time.Duration) (string, error) {
	id := uuid.NewString()
	q := &pendingQuery{convID: convID, reply: make(chan string, 1)}

	r.mu.Lock()
	r.pending[id] = q
	r.mu.Unlock()
	defer r.forget(id)

	r.notify(convID, map[string]any{
		"type":          "userQuery",
		"queryId":       id,
		"conversationId": convID,
		"prompt":        prompt,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-q.reply:
		return reply, nil
	case <-timer.C:
		return "", conversation.ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond answers a pending query by ID. Returns false if no such query is
// outstanding (already answered, timed out, or unknown ID).
func (r *userQueryRegistry) Respond(queryID, text string) bool {
	r.mu.Lock()
	q, ok := r.pending[queryID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return q.resolve(text)
}

func (r *userQueryRegistry) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
