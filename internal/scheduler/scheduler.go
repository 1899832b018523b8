// Package scheduler runs the periodic reconciliation cycle: fetch
// every subscribed feed, diff it against the stored watermark, and
// relay new items into their channels.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sor4chi/feed-worker/internal/feed"
	"github.com/sor4chi/feed-worker/internal/model"
	"github.com/sor4chi/feed-worker/internal/store"
	"github.com/sor4chi/feed-worker/internal/watermark"
)

// Discord rejects messages longer than 2000 characters.
const maxMessageLen = 2000

// Once a subscription keeps failing, it is only attempted every Nth
// cycle; the period grows with the error count up to this cap.
const maxBackoffPeriod = 16

// Notifier is the interface for delivering a message to a channel.
type Notifier interface {
	SendMessage(ctx context.Context, channelID, text string) error
}

// Scheduler periodically reconciles all subscriptions.
type Scheduler struct {
	store    *store.Store
	fetcher  *feed.Fetcher
	notifier Notifier
	log      *slog.Logger

	tick             time.Duration
	fetchTimeout     time.Duration
	backoffThreshold int
	cycle            uint64
}

// New creates a Scheduler with the default HTTP client.
func New(st *store.Store, notifier Notifier, log *slog.Logger) *Scheduler {
	return NewWithFetcher(st, feed.NewFetcher(http.DefaultClient), notifier, log)
}

// NewWithFetcher creates a Scheduler with a custom fetcher (useful for testing).
func NewWithFetcher(st *store.Store, f *feed.Fetcher, notifier Notifier, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:            st,
		fetcher:          f,
		notifier:         notifier,
		log:              log,
		tick:             5 * time.Minute,
		fetchTimeout:     10 * time.Second,
		backoffThreshold: 3,
	}
}

// SetTickInterval overrides the default 5-minute cycle interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetFetchTimeout overrides the per-feed fetch timeout.
func (s *Scheduler) SetFetchTimeout(d time.Duration) {
	s.fetchTimeout = d
}

// SetBackoffThreshold sets the error count at which a subscription
// starts being skipped on some cycles. Zero disables backoff.
func (s *Scheduler) SetBackoffThreshold(n int) {
	s.backoffThreshold = n
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.RunCycle(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle reconciles every subscription once. Subscriptions are
// enumerated by a flat scan of the record keys, so the sweep does not
// depend on the per-guild indexes, and are processed strictly
// sequentially: one failure never aborts the cycle for the others.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.cycle++

	subs, err := s.store.ScanAll(ctx)
	if err != nil {
		s.log.Error("scan subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		if s.shouldSkip(&sub) {
			s.log.Debug("backing off", "id", sub.ID, "error_count", sub.ErrorCount)
			continue
		}
		s.processSubscription(ctx, sub)
	}
}

// shouldSkip applies capped linear backoff to repeatedly failing
// subscriptions so a permanently broken feed is not hammered every
// cycle.
func (s *Scheduler) shouldSkip(sub *model.Subscription) bool {
	if s.backoffThreshold <= 0 || sub.ErrorCount < s.backoffThreshold {
		return false
	}
	period := sub.ErrorCount - s.backoffThreshold + 2
	if period > maxBackoffPeriod {
		period = maxBackoffPeriod
	}
	return s.cycle%uint64(period) != 0
}

func (s *Scheduler) processSubscription(ctx context.Context, sub model.Subscription) {
	s.log.Debug("checking feed", "id", sub.ID, "url", sub.URL)

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	parsed, err := s.fetcher.FetchFeed(fctx, sub.URL)
	cancel()
	if err != nil {
		s.fail(ctx, &sub, err)
		return
	}
	if parsed.Format == model.FormatUnknown {
		s.fail(ctx, &sub, errors.New("unsupported feed format"))
		return
	}

	changed := false
	if title := feed.NormalizeTitle(parsed.Title); title != "" && title != sub.FeedTitle {
		sub.FeedTitle = title
		changed = true
	}

	res := watermark.Diff(parsed.Items, sub.LastItemID, sub.LastItemDate)

	// Sends are strictly sequential, in chronological order, and the
	// in-memory watermark advances only past items actually delivered.
	// A failure mid-stream persists exactly how far we got, so the next
	// cycle re-sends at most the unsent remainder.
	sent := 0
	for _, item := range res.NewItems {
		if err := s.notifier.SendMessage(ctx, sub.ChannelID, formatMessage(item)); err != nil {
			s.fail(ctx, &sub, err)
			return
		}
		sub.LastItemID = item.ID
		if item.Date != nil {
			sub.LastItemDate = item.Date
		}
		changed = true
		sent++
	}

	// Quiet feed: keep the watermark fresh anyway. This also covers the
	// silent watermark set on a subscription's very first check.
	if len(res.NewItems) == 0 && res.Latest != nil {
		if sub.LastItemID != res.Latest.ID {
			sub.LastItemID = res.Latest.ID
			changed = true
		}
		if res.Latest.Date != nil && !equalTime(sub.LastItemDate, res.Latest.Date) {
			sub.LastItemDate = res.Latest.Date
			changed = true
		}
	}

	if sub.ErrorCount != 0 || sub.LastError != "" {
		sub.ErrorCount = 0
		sub.LastError = ""
		changed = true
	}

	if changed {
		if err := s.store.Put(ctx, &sub); err != nil {
			s.log.Error("update subscription", "id", sub.ID, "error", err)
			return
		}
	}

	if sent > 0 {
		s.log.Info("sent notifications", "id", sub.ID, "channel_id", sub.ChannelID, "count", sent)
	}
}

// fail records the error on the subscription and moves on. The next
// cycle retries automatically, subject to backoff.
func (s *Scheduler) fail(ctx context.Context, sub *model.Subscription, cause error) {
	sub.ErrorCount++
	sub.LastError = cause.Error()
	if err := s.store.Put(ctx, sub); err != nil {
		s.log.Error("record subscription error", "id", sub.ID, "error", err)
	}
	s.log.Error("process subscription", "id", sub.ID, "url", sub.URL, "error", cause)
}

// formatMessage builds the outgoing notification: the item title,
// followed by the link on a new line when present, truncated to the
// transport's message-size limit.
func formatMessage(item model.FeedItem) string {
	text := strings.TrimSpace(item.Title)
	if text == "" {
		text = feed.NoTitlePlaceholder
	}
	if item.Link != "" {
		text += "\n" + item.Link
	}

	runes := []rune(text)
	if len(runes) > maxMessageLen {
		text = string(runes[:maxMessageLen-1]) + "…"
	}
	return text
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
