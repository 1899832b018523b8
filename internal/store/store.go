// Package store persists subscription records and the per-guild index
// on top of the key-value store.
//
// Records live at "sub:<guild>:<id>" and are the authoritative state.
// The index at "idx:<guild>" is only a read optimization; see index.go
// for how it is reconciled back to the records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sor4chi/feed-worker/internal/kv"
	"github.com/sor4chi/feed-worker/internal/model"
)

const (
	subPrefix   = "sub:"
	indexPrefix = "idx:"
)

func subKey(guildID, id string) string { return subPrefix + guildID + ":" + id }

func guildPrefix(guildID string) string { return subPrefix + guildID + ":" }

func indexKey(guildID string) string { return indexPrefix + guildID }

// Store provides CRUD for subscription records and maintains the
// per-guild index.
type Store struct {
	kv kv.Store
}

// New creates a Store over the given key-value store.
func New(kvs kv.Store) *Store {
	return &Store{kv: kvs}
}

// Get returns the subscription, or nil when it does not exist. A
// record that fails to deserialize is treated as absent rather than as
// an error, so a single corrupt value cannot block listing or the
// reconciliation sweep.
func (s *Store) Get(ctx context.Context, guildID, id string) (*model.Subscription, error) {
	return s.getByKey(ctx, subKey(guildID, id))
}

// Put writes the subscription record, replacing any previous version.
func (s *Store) Put(ctx context.Context, sub *model.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := s.kv.Put(ctx, subKey(sub.GuildID, sub.ID), data); err != nil {
		return fmt.Errorf("put subscription: %w", err)
	}
	return nil
}

// Delete removes the subscription record.
func (s *Store) Delete(ctx context.Context, guildID, id string) error {
	if err := s.kv.Delete(ctx, subKey(guildID, id)); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ScanAll returns every subscription record across all guilds, in key
// order. The sweep uses this flat scan rather than the per-guild
// indexes so it is immune to index drift. Corrupt records are skipped.
func (s *Store) ScanAll(ctx context.Context) ([]model.Subscription, error) {
	return s.scanPrefix(ctx, subPrefix)
}

func (s *Store) scanPrefix(ctx context.Context, prefix string) ([]model.Subscription, error) {
	keys, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}

	var subs []model.Subscription
	for _, key := range keys {
		sub, err := s.getByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			continue
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

func (s *Store) getByKey(ctx context.Context, key string) (*model.Subscription, error) {
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	var sub model.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		// Corrupt record: treat as absent.
		return nil, nil
	}
	return &sub, nil
}
