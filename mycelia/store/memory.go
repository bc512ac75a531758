package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-process StorageAdapter used by default sessions and by
// tests, grounded on the teacher's MemStore[S] (graph/store/memory.go): a
// mutex-guarded map, no durability across process restarts. Per the "Cross-
// session memoization" Open Question decision, MemStore does not answer
// GetResult for ids it never saw in this process — it has no notion of a
// prior session.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]CallRecord
	results map[string]StatusPayload
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]CallRecord),
		results: make(map[string]StatusPayload),
	}
}

func (m *MemStore) PutCall(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return nil // content-addressed: first writer wins, later ones are no-ops
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[rec.ID] = rec
	return nil
}

func (m *MemStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Outcome, payload StatusPayload) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = time.Now()
	m.records[id] = rec
	m.results[id] = payload
	return true, nil
}

func (m *MemStore) GetResult(ctx context.Context, id string) (Outcome, []byte, string, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return 0, nil, "", nil, ErrNotFound
	}
	payload := m.results[id]
	return rec.Status, payload.ResultBlob, payload.ForwardID, payload.ErrorBlob, nil
}
