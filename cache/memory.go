package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/casys-ai/pml-gateway/domain"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// Memory implements WorkflowCache in process memory. Used by tests and
// single-process deployments. State is stored serialised so callers
// never share mutable structs with the cache, matching Redis
// semantics.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates an in-memory workflow cache.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) get(workflowID string) ([]byte, bool) {
	entry, ok := m.entries[workflowID]
	if !ok {
		return nil, false
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, workflowID)
		return nil, false
	}
	return entry.data, true
}

// Save implements WorkflowCache.
func (m *Memory) Save(_ context.Context, state *domain.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[state.WorkflowID] = memoryEntry{data: data, expiresAt: m.now().Add(m.ttl)}
	return nil
}

// Get implements WorkflowCache.
func (m *Memory) Get(_ context.Context, workflowID string) (*domain.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.get(workflowID)
	if !ok {
		return nil, ErrNotFound
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Update implements WorkflowCache. The single mutex stands in for the
// store's compare-and-swap.
func (m *Memory) Update(_ context.Context, workflowID string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.get(workflowID)
	if !ok {
		return ErrNotFound
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if err := fn(&state); err != nil {
		return err
	}
	updated, err := json.Marshal(&state)
	if err != nil {
		return err
	}
	m.entries[workflowID] = memoryEntry{data: updated, expiresAt: m.now().Add(m.ttl)}
	return nil
}

// Delete implements WorkflowCache.
func (m *Memory) Delete(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, workflowID)
	return nil
}

// Extend implements WorkflowCache.
func (m *Memory) Extend(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[workflowID]
	if !ok || m.now().After(entry.expiresAt) {
		delete(m.entries, workflowID)
		return ErrNotFound
	}
	entry.expiresAt = m.now().Add(m.ttl)
	m.entries[workflowID] = entry
	return nil
}
