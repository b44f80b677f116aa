package store

import (
	"context"
	"sync"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	cols map[Collection]map[string]*model.Upl
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cols: map[Collection]map[string]*model.Upl{
			CollectionActive:  {},
			CollectionArchive: {},
		},
	}
}

func (s *MemoryStore) LoadAll(_ context.Context, col Collection) ([]*model.Upl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	upls := make([]*model.Upl, 0, len(s.cols[col]))
	for _, u := range s.cols[col] {
		upls = append(upls, u.Clone())
	}
	return upls, nil
}

func (s *MemoryStore) Insert(_ context.Context, col Collection, upl *model.Upl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cols[col][upl.ID]; ok {
		return apperr.AlreadyExists("UPL %s already stored in %s", upl.ID, col)
	}
	s.cols[col][upl.ID] = upl.Clone()
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, col Collection, id string) (*model.Upl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.cols[col][id]
	if !ok {
		return nil, apperr.NotFound("UPL %s not stored in %s", id, col)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, col Collection, upl *model.Upl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cols[col][upl.ID]; !ok {
		return apperr.NotFound("UPL %s not stored in %s", upl.ID, col)
	}
	s.cols[col][upl.ID] = upl.Clone()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, col Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cols[col], id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
