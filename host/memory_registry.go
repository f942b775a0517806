package host

import (
	"context"
	"sync"
)

// MemoryRegistry is a non-durable Registry, useful when DB_PATH is
// ":memory:" or in tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[int64]map[string]struct{}
}

// NewMemoryRegistry returns an empty in-memory Registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[int64]map[string]struct{})}
}

var _ Registry = (*MemoryRegistry)(nil)

func (m *MemoryRegistry) Record(_ context.Context, convID int64, agentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[convID] == nil {
		m.entries[convID] = make(map[string]struct{})
	}
	for _, id := range agentIDs {
		m.entries[convID][id] = struct{}{}
	}
	return nil
}

func (m *MemoryRegistry) Forget(_ context.Context, convID int64, agentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agents, ok := m.entries[convID]
	if !ok {
		return nil
	}
	for _, id := range agentIDs {
		delete(agents, id)
	}
	if len(agents) == 0 {
		delete(m.entries, convID)
	}
	return nil
}

func (m *MemoryRegistry) All(_ context.Context) (map[int64][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]string, len(m.entries))
	for convID, agents := range m.entries {
		ids := make([]string, 0, len(agents))
		for id := range agents {
			ids = append(ids, id)
		}
		out[convID] = ids
	}
	return out, nil
}
