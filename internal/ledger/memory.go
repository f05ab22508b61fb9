package ledger

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps flows and findings for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	flows    []Flow
	findings []Finding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendFlow(_ context.Context, f Flow) error {
	m.mu.Lock()
	m.flows = append(m.flows, f)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListFlows(context.Context) ([]Flow, error) {
	m.mu.RLock()
	out := slices.Clone(m.flows)
	m.mu.RUnlock()
	slices.Reverse(out)
	return out, nil
}

func (m *MemoryStore) GetFlow(_ context.Context, id string) (Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.flows {
		if m.flows[i].ID == id {
			return m.flows[i], nil
		}
	}
	return Flow{}, ErrNotFound
}

func (m *MemoryStore) AppendFinding(_ context.Context, f Finding) error {
	m.mu.Lock()
	m.findings = append(m.findings, f)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListFindings(context.Context) ([]Finding, error) {
	m.mu.RLock()
	out := slices.Clone(m.findings)
	m.mu.RUnlock()
	slices.Reverse(out)
	return out, nil
}
