// Package subscription implements the subscribe, list, and unsubscribe
// flows. It trusts that callers have already been authenticated; guild
// and channel ids arrive as plain validated strings.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sor4chi/feed-worker/internal/feed"
	"github.com/sor4chi/feed-worker/internal/model"
	"github.com/sor4chi/feed-worker/internal/store"
)

// Prober validates a candidate feed URL before it is persisted.
type Prober interface {
	Probe(ctx context.Context, url string) feed.ProbeResult
}

// Service wires the probe and the subscription store together.
type Service struct {
	store  *store.Store
	prober Prober
	log    *slog.Logger
}

// New creates a Service.
func New(st *store.Store, prober Prober, log *slog.Logger) *Service {
	return &Service{store: st, prober: prober, log: log}
}

// Outcome is the structured result of a subscribe or unsubscribe call.
// The presentation layer renders it into a platform reply.
type Outcome struct {
	OK           bool
	Message      string
	Subscription *model.Subscription
}

// Subscribe validates rawURL, probes it, and persists a new
// subscription for the channel. The (guild, channel, url) triple must
// be unique among active subscriptions.
func (s *Service) Subscribe(ctx context.Context, guildID, channelID, rawURL string) (Outcome, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return Outcome{Message: "the URL must be an absolute http or https URL"}, nil
	}

	active, err := s.store.ListActive(ctx, guildID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range active {
		if sub.ChannelID == channelID && sub.URL == normalized {
			return Outcome{Message: "this channel already tracks that feed"}, nil
		}
	}

	probe := s.prober.Probe(ctx, normalized)
	if !probe.OK {
		return Outcome{Message: probe.Message}, nil
	}

	sub := &model.Subscription{
		ID:        ulid.Make().String(),
		GuildID:   guildID,
		ChannelID: channelID,
		URL:       normalized,
		CreatedAt: time.Now().UTC(),
		FeedTitle: feed.NormalizeTitle(probe.Title),
	}
	if err := s.store.Put(ctx, sub); err != nil {
		return Outcome{}, fmt.Errorf("save subscription: %w", err)
	}
	if err := s.store.AddToIndex(ctx, guildID, sub.ID); err != nil {
		return Outcome{}, fmt.Errorf("index subscription: %w", err)
	}

	s.log.Info("subscribed", "guild_id", guildID, "channel_id", channelID, "url", normalized, "id", sub.ID)
	return Outcome{OK: true, Subscription: sub}, nil
}

// List returns the guild's active subscriptions.
func (s *Service) List(ctx context.Context, guildID string) ([]model.Subscription, error) {
	return s.store.ListActive(ctx, guildID)
}

// Unsubscribe deletes the subscription and removes it from the index.
func (s *Service) Unsubscribe(ctx context.Context, guildID, id string) (Outcome, error) {
	sub, err := s.store.Get(ctx, guildID, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return Outcome{Message: "no such subscription"}, nil
	}

	if err := s.store.Delete(ctx, guildID, id); err != nil {
		return Outcome{}, fmt.Errorf("delete subscription: %w", err)
	}
	if err := s.store.RemoveFromIndex(ctx, guildID, id); err != nil {
		return Outcome{}, fmt.Errorf("deindex subscription: %w", err)
	}

	s.log.Info("unsubscribed", "guild_id", guildID, "id", id)
	return Outcome{OK: true, Subscription: sub}, nil
}

// NormalizeURL validates rawURL as an absolute http(s) URL and returns
// its canonical string form.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("not an absolute http(s) url: %q", rawURL)
	}
	return u.String(), nil
}
