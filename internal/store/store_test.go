package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sor4chi/feed-worker/internal/kv"
	"github.com/sor4chi/feed-worker/internal/model"
)

func newTestStore(t *testing.T) (*Store, kv.Store) {
	t.Helper()
	kvs, err := kv.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = kvs.Close() })
	return New(kvs), kvs
}

func testSub(guildID, id string) *model.Subscription {
	return &model.Subscription{
		ID:        id,
		GuildID:   guildID,
		ChannelID: "chan-1",
		URL:       "https://example.com/feed",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		FeedTitle: "Example",
	}
}

func TestSubscriptionCRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sub := testSub("g1", "01A")
	if err := s.Put(ctx, sub); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "g1", "01A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(sub, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(ctx, "g1", "01A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.Get(ctx, "g1", "01A")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestGetMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	got, err := s.Get(ctx, "g1", "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	s, kvs := newTestStore(t)

	if err := kvs.Put(ctx, "sub:g1:bad", []byte("{not json")); err != nil {
		t.Fatalf("put corrupt: %v", err)
	}
	if err := s.Put(ctx, testSub("g1", "good")); err != nil {
		t.Fatalf("put good: %v", err)
	}

	got, err := s.Get(ctx, "g1", "bad")
	if err != nil {
		t.Fatalf("get corrupt: %v", err)
	}
	if got != nil {
		t.Errorf("expected corrupt record to read as absent, got %+v", got)
	}

	// The sweep sees the valid record and skips the corrupt one.
	subs, err := s.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "good" {
		t.Errorf("expected only the valid record, got %+v", subs)
	}
}

func TestScanAllSpansGuilds(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, pair := range [][2]string{{"g1", "01A"}, {"g1", "01B"}, {"g2", "01C"}} {
		if err := s.Put(ctx, testSub(pair[0], pair[1])); err != nil {
			t.Fatalf("put %v: %v", pair, err)
		}
	}

	subs, err := s.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	var got []string
	for _, sub := range subs {
		got = append(got, sub.ID)
	}
	if diff := cmp.Diff([]string{"01A", "01B", "01C"}, got); diff != "" {
		t.Errorf("scan mismatch (-want +got):\n%s", diff)
	}
}
