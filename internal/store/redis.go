package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stocklot/upl-registry/internal/model"
)

// MirroredStore wraps a primary Store and mirrors every written document
// into Redis with a TTL. Downstream services (cart, pricing, stock views)
// read current UPL snapshots from Redis without touching this process;
// FindByID is read-through for the same keys. The primary remains the
// source of truth — mirror failures are ignored.
type MirroredStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewMirroredStore creates a mirroring wrapper around a primary store.
func NewMirroredStore(primary Store, rdb *redis.Client, ttl time.Duration) *MirroredStore {
	return &MirroredStore{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *MirroredStore) LoadAll(ctx context.Context, col Collection) ([]*model.Upl, error) {
	return s.primary.LoadAll(ctx, col)
}

func (s *MirroredStore) Insert(ctx context.Context, col Collection, upl *model.Upl) error {
	if err := s.primary.Insert(ctx, col, upl); err != nil {
		return err
	}
	s.mirror(ctx, col, upl)
	return nil
}

func (s *MirroredStore) FindByID(ctx context.Context, col Collection, id string) (*model.Upl, error) {
	data, err := s.rdb.Get(ctx, uplKey(col, id)).Bytes()
	if err == nil {
		var u model.Upl
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.FindByID(ctx, col, id)
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, col, u)
	return u, nil
}

func (s *MirroredStore) Update(ctx context.Context, col Collection, upl *model.Upl) error {
	if err := s.primary.Update(ctx, col, upl); err != nil {
		return err
	}
	s.mirror(ctx, col, upl)
	return nil
}

func (s *MirroredStore) Remove(ctx context.Context, col Collection, id string) error {
	if err := s.primary.Remove(ctx, col, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, uplKey(col, id))
	return nil
}

func (s *MirroredStore) Close() error {
	s.rdb.Close()
	return s.primary.Close()
}

func (s *MirroredStore) mirror(ctx context.Context, col Collection, upl *model.Upl) {
	if data, err := json.Marshal(upl); err == nil {
		s.rdb.Set(ctx, uplKey(col, upl.ID), data, s.ttl)
	}
}

func uplKey(col Collection, id string) string {
	return fmt.Sprintf("upl:%s:%s", col, id)
}
