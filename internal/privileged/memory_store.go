package privileged

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*ExecutionRecord // userID → records in creation order
}

// NewMemoryStore creates an in-memory execution record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*ExecutionRecord),
	}
}

func (s *MemoryStore) Record(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.UserID] = append(s.records[rec.UserID], cloneExecution(rec))
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[userID]
	if len(all) == 0 {
		return []*ExecutionRecord{}, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first
	result := make([]*ExecutionRecord, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, cloneExecution(all[i]))
	}
	return result, nil
}

func cloneExecution(rec *ExecutionRecord) *ExecutionRecord {
	r := *rec
	if rec.Parameters != nil {
		params := make(map[string]any, len(rec.Parameters))
		for k, v := range rec.Parameters {
			params[k] = v
		}
		r.Parameters = params
	}
	if rec.TimeLockUntil != nil {
		t := *rec.TimeLockUntil
		r.TimeLockUntil = &t
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		r.CompletedAt = &t
	}
	return &r
}
