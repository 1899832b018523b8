package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/sor4chi/feed-worker/internal/kv"
	"github.com/sor4chi/feed-worker/internal/model"
)

// ListActive returns the guild's subscriptions via the index,
// repairing the index along the way.
//
// Ids whose record no longer exists are dropped and the index is
// rewritten to the surviving set. A missing or empty index is rebuilt
// lazily from a full prefix scan of the guild's records. The index is
// never trusted on its own: the individually keyed records are the
// source of truth.
func (s *Store) ListActive(ctx context.Context, guildID string) ([]model.Subscription, error) {
	ids, err := s.readIndex(ctx, guildID)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		subs, err := s.scanPrefix(ctx, guildPrefix(guildID))
		if err != nil {
			return nil, err
		}
		rebuilt := make([]string, 0, len(subs))
		for _, sub := range subs {
			rebuilt = append(rebuilt, sub.ID)
		}
		if err := s.writeIndex(ctx, guildID, rebuilt); err != nil {
			return nil, err
		}
		return subs, nil
	}

	var (
		subs      []model.Subscription
		surviving []string
		dropped   bool
	)
	for _, id := range ids {
		sub, err := s.Get(ctx, guildID, id)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			dropped = true
			continue
		}
		subs = append(subs, *sub)
		surviving = append(surviving, id)
	}

	if dropped {
		if err := s.writeIndex(ctx, guildID, surviving); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

// AddToIndex records id in the guild's index. Adding an id that is
// already present is a no-op that performs no write.
func (s *Store) AddToIndex(ctx context.Context, guildID, id string) error {
	ids, err := s.readIndex(ctx, guildID)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return s.writeIndex(ctx, guildID, append(ids, id))
}

// RemoveFromIndex drops id from the guild's index. Removing an id that
// is not present is a no-op that performs no write.
func (s *Store) RemoveFromIndex(ctx context.Context, guildID, id string) error {
	ids, err := s.readIndex(ctx, guildID)
	if err != nil {
		return err
	}
	i := slices.Index(ids, id)
	if i < 0 {
		return nil
	}
	return s.writeIndex(ctx, guildID, slices.Delete(ids, i, i+1))
}

func (s *Store) readIndex(ctx context.Context, guildID string) ([]string, error) {
	data, err := s.kv.Get(ctx, indexKey(guildID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get index: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		// A corrupt index is the same as a missing one; it will be
		// rebuilt from the records.
		return nil, nil
	}
	return ids, nil
}

func (s *Store) writeIndex(ctx context.Context, guildID string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := s.kv.Put(ctx, indexKey(guildID), data); err != nil {
		return fmt.Errorf("put index: %w", err)
	}
	return nil
}
