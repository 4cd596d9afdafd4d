package anomaly

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	verdicts map[string][]*Verdict // userID → verdicts in record order
}

// NewMemoryStore creates an in-memory verdict audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		verdicts: make(map[string][]*Verdict),
	}
}

func (s *MemoryStore) Record(ctx context.Context, v *Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.verdicts[v.UserID] = append(s.verdicts[v.UserID], cloneVerdict(v))
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.verdicts[userID]
	if len(all) == 0 {
		return []*Verdict{}, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first
	result := make([]*Verdict, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, cloneVerdict(all[i]))
	}
	return result, nil
}

func cloneVerdict(v *Verdict) *Verdict {
	c := *v
	c.RiskFactors = append([]string{}, v.RiskFactors...)
	c.SecurityMeasures = append([]string{}, v.SecurityMeasures...)
	return &c
}
