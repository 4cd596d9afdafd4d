package behavior

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // userID → records in append order
}

// NewMemoryStore creates an in-memory behavior history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Record),
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := cloneRecord(rec)
	s.records[rec.UserID] = append(s.records[rec.UserID], r)
	return nil
}

func (s *MemoryStore) RecentWindow(ctx context.Context, userID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[userID]
	if len(all) == 0 {
		return []*Record{}, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Newest first
	result := make([]*Record, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, cloneRecord(all[i]))
	}
	return result, nil
}

func cloneRecord(rec *Record) *Record {
	r := *rec
	if rec.Latitude != nil {
		lat := *rec.Latitude
		r.Latitude = &lat
	}
	if rec.Longitude != nil {
		lon := *rec.Longitude
		r.Longitude = &lon
	}
	if rec.Typing != nil {
		tp := *rec.Typing
		r.Typing = &tp
	}
	if rec.Touch != nil {
		tp := *rec.Touch
		r.Touch = &tp
	}
	if rec.Session != nil {
		sp := *rec.Session
		r.Session = &sp
	}
	if rec.ContextData != nil {
		ctx := make(map[string]string, len(rec.ContextData))
		for k, v := range rec.ContextData {
			ctx[k] = v
		}
		r.ContextData = ctx
	}
	return &r
}
