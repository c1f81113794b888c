package requests

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process. Records handed out are copies.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, n NewRecord) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := n.record(uuid.NewString(), s.now().UTC())
	s.records[r.ID] = r
	return r.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, p Patch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.apply(r)
	r.UpdatedAt = s.now().UTC()
	return r.clone(), nil
}

func (s *MemoryStore) TryBeginProcessing(_ context.Context, id string, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.LLMStatus != StatusPending {
		return false, nil
	}
	r.LLMStatus = StatusProcessing
	t := startedAt.UTC()
	r.StartedAt = &t
	r.UpdatedAt = t
	return true, nil
}
