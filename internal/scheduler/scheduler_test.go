package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sor4chi/feed-worker/internal/feed"
	"github.com/sor4chi/feed-worker/internal/kv"
	"github.com/sor4chi/feed-worker/internal/model"
	"github.com/sor4chi/feed-worker/internal/store"
)

// routeTransport serves canned responses keyed by request URL.
type routeTransport struct {
	bodies map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newRouteTransport() *routeTransport {
	return &routeTransport{
		bodies: map[string]string{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (rt *routeTransport) Do(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	rt.calls[url]++
	if err, ok := rt.errs[url]; ok {
		return nil, err
	}
	body, ok := rt.bodies[url]
	if !ok {
		return &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader("not found"))}, nil
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewBufferString(body))}, nil
}

type sentMessage struct {
	ChannelID string
	Text      string
}

// fakeNotifier records sends and can fail from the nth call on.
type fakeNotifier struct {
	sent     []sentMessage
	failFrom int // 1-based call number to start failing at, 0 = never
}

func (n *fakeNotifier) SendMessage(_ context.Context, channelID, text string) error {
	if n.failFrom > 0 && len(n.sent)+1 >= n.failFrom {
		return errors.New("delivery failed")
	}
	n.sent = append(n.sent, sentMessage{ChannelID: channelID, Text: text})
	return nil
}

type feedItem struct {
	id    string
	title string
	link  string
	date  string // RFC1123, empty for undated
}

func rssBody(title string, items ...feedItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>` + title + `</title>`)
	for _, it := range items {
		b.WriteString("<item>")
		if it.title != "" {
			fmt.Fprintf(&b, "<title>%s</title>", it.title)
		}
		if it.id != "" {
			fmt.Fprintf(&b, "<guid>%s</guid>", it.id)
		}
		if it.link != "" {
			fmt.Fprintf(&b, "<link>%s</link>", it.link)
		}
		if it.date != "" {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.date)
		}
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func day(d int) string {
	return time.Date(2024, 1, d, 10, 0, 0, 0, time.UTC).Format(time.RFC1123)
}

func dayTime(d int) *time.Time {
	t := time.Date(2024, 1, d, 10, 0, 0, 0, time.UTC)
	return &t
}

func newTestScheduler(t *testing.T, rt *routeTransport, n Notifier) (*Scheduler, *store.Store) {
	t.Helper()
	kvs, err := kv.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = kvs.Close() })
	st := store.New(kvs)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithFetcher(st, feed.NewFetcher(rt), n, log), st
}

func putSub(t *testing.T, st *store.Store, sub *model.Subscription) {
	t.Helper()
	if err := st.Put(context.Background(), sub); err != nil {
		t.Fatalf("put subscription: %v", err)
	}
}

func getSub(t *testing.T, st *store.Store, guildID, id string) *model.Subscription {
	t.Helper()
	sub, err := st.Get(context.Background(), guildID, id)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub == nil {
		t.Fatalf("subscription %s/%s missing", guildID, id)
	}
	return sub
}

func TestFirstCheckIsSilent(t *testing.T) {
	rt := newRouteTransport()
	rt.bodies["https://example.com/feed"] = rssBody("News",
		feedItem{id: "a", title: "A", link: "https://example.com/a", date: day(1)},
		feedItem{id: "b", title: "B", link: "https://example.com/b", date: day(2)},
	)
	n := &fakeNotifier{}
	sched, st := newTestScheduler(t, rt, n)

	putSub(t, st, &model.Subscription{ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://example.com/feed"})
	sched.RunCycle(context.Background())

	if len(n.sent) != 0 {
		t.Errorf("expected no notifications on first check, got %+v", n.sent)
	}

	sub := getSub(t, st, "g1", "s1")
	if sub.LastItemID != "b" {
		t.Errorf("watermark id = %q, want %q", sub.LastItemID, "b")
	}
	if sub.LastItemDate == nil || !sub.LastItemDate.Equal(*dayTime(2)) {
		t.Errorf("watermark date = %v, want %v", sub.LastItemDate, dayTime(2))
	}
	if sub.FeedTitle != "News" {
		t.Errorf("feed title = %q", sub.FeedTitle)
	}
}

func TestSendsNewItemsInOrder(t *testing.T) {
	rt := newRouteTransport()
	rt.bodies["https://example.com/feed"] = rssBody("News",
		feedItem{id: "c", title: "C", link: "https://example.com/c", date: day(3)},
		feedItem{id: "b", title: "B", link: "https://example.com/b", date: day(2)},
		feedItem{id: "a", title: "A", link: "https://example.com/a", date: day(1)},
	)
	n := &fakeNotifier{}
	sched, st := newTestScheduler(t, rt, n)

	putSub(t, st, &model.Subscription{
		ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://example.com/feed",
		FeedTitle: "News", LastItemID: "a", LastItemDate: dayTime(1),
		ErrorCount: 2, LastError: "stale failure",
	})
	sched.RunCycle(context.Background())

	want := []sentMessage{
		{ChannelID: "c1", Text: "B\nhttps://example.com/b"},
		{ChannelID: "c1", Text: "C\nhttps://example.com/c"},
	}
	if diff := cmp.Diff(want, n.sent); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}

	sub := getSub(t, st, "g1", "s1")
	if sub.LastItemID != "c" {
		t.Errorf("watermark id = %q, want %q", sub.LastItemID, "c")
	}
	if sub.ErrorCount != 0 || sub.LastError != "" {
		t.Errorf("error state not reset: count=%d last=%q", sub.ErrorCount, sub.LastError)
	}
}

func TestFetchFailureDoesNotAbortCycle(t *testing.T) {
	rt := newRouteTransport()
	rt.errs["https://bad.example.com/feed"] = errors.New("connection refused")
	rt.bodies["https://good.example.com/feed"] = rssBody("Good",
		feedItem{id: "b", title: "B", link: "https://good.example.com/b", date: day(2)},
	)
	n := &fakeNotifier{}
	sched, st := newTestScheduler(t, rt, n)

	putSub(t, st, &model.Subscription{ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://bad.example.com/feed"})
	putSub(t, st, &model.Subscription{
		ID: "s2", GuildID: "g1", ChannelID: "c1", URL: "https://good.example.com/feed",
		LastItemID: "a", LastItemDate: dayTime(1),
	})
	sched.RunCycle(context.Background())

	// The healthy subscription was still delivered.
	if len(n.sent) != 1 || n.sent[0].Text != "B\nhttps://good.example.com/b" {
		t.Errorf("unexpected sends %+v", n.sent)
	}

	failed := getSub(t, st, "g1", "s1")
	if failed.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", failed.ErrorCount)
	}
	if failed.LastError == "" {
		t.Error("expected last error recorded")
	}
}

func TestUnsupportedFormatCountsAsFailure(t *testing.T) {
	rt := newRouteTransport()
	rt.bodies["https://example.com/page"] = "<html><body>hi</body></html>"
	n := &fakeNotifier{}
	sched, st := newTestScheduler(t, rt, n)

	putSub(t, st, &model.Subscription{ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://example.com/page"})
	sched.RunCycle(context.Background())

	sub := getSub(t, st, "g1", "s1")
	if sub.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", sub.ErrorCount)
	}
	if len(n.sent) != 0 {
		t.Errorf("expected no sends, got %+v", n.sent)
	}
}

func TestDeliveryFailurePersistsPartialProgress(t *testing.T) {
	rt := newRouteTransport()
	rt.bodies["https://example.com/feed"] = rssBody("News",
		feedItem{id: "a", title: "A", link: "https://example.com/a", date: day(1)},
		feedItem{id: "b", title: "B", link: "https://example.com/b", date: day(2)},
		feedItem{id: "c", title: "C", link: "https://example.com/c", date: day(3)},
		feedItem{id: "d", title: "D", link: "https://example.com/d", date: day(4)},
	)
	n := &fakeNotifier{failFrom: 2}
	sched, st := newTestScheduler(t, rt, n)

	putSub(t, st, &model.Subscription{
		ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://example.com/feed",
		FeedTitle: "News", LastItemID: "a", LastItemDate: dayTime(1),
	})
	sched.RunCycle(context.Background())

	// Only "b" went out before the sink failed on "c".
	if len(n.sent) != 1 || n.sent[0].Text != "B\nhttps://example.com/b" {
		t.Fatalf("unexpected sends %+v", n.sent)
	}

	// The stored watermark covers exactly what was delivered, so the
	// next cycle resumes at "c" without repeating "b".
	sub := getSub(t, st, "g1", "s1")
	if sub.LastItemID != "b" {
		t.Errorf("watermark id = %q, want %q", sub.LastItemID, "b")
	}
	if sub.LastItemDate == nil || !sub.LastItemDate.Equal(*dayTime(2)) {
		t.Errorf("watermark date = %v, want %v", sub.LastItemDate, dayTime(2))
	}
	if sub.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", sub.ErrorCount)
	}

	// Recovery: the sink works again and only the remainder is sent.
	n.failFrom = 0
	sched.RunCycle(context.Background())

	want := []sentMessage{
		{ChannelID: "c1", Text: "B\nhttps://example.com/b"},
		{ChannelID: "c1", Text: "C\nhttps://example.com/c"},
		{ChannelID: "c1", Text: "D\nhttps://example.com/d"},
	}
	if diff := cmp.Diff(want, n.sent); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}
}

func TestBackoffSkipsRepeatedlyFailingSubscription(t *testing.T) {
	rt := newRouteTransport()
	rt.errs["https://bad.example.com/feed"] = errors.New("connection refused")
	n := &fakeNotifier{}
	sched, st := newTestScheduler(t, rt, n)
	sched.SetBackoffThreshold(3)

	putSub(t, st, &model.Subscription{
		ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://bad.example.com/feed",
		ErrorCount: 3, LastError: "connection refused",
	})

	// ErrorCount 3 at threshold 3 gives a period of 2: odd cycles skip,
	// even cycles retry.
	sched.RunCycle(context.Background())
	if got := rt.calls["https://bad.example.com/feed"]; got != 0 {
		t.Fatalf("cycle 1: expected skip, got %d fetches", got)
	}

	sched.RunCycle(context.Background())
	if got := rt.calls["https://bad.example.com/feed"]; got != 1 {
		t.Fatalf("cycle 2: expected retry, got %d fetches", got)
	}

	sub := getSub(t, st, "g1", "s1")
	if sub.ErrorCount != 4 {
		t.Errorf("error count = %d, want 4", sub.ErrorCount)
	}
}

func TestBackoffDisabledRetriesEveryCycle(t *testing.T) {
	rt := newRouteTransport()
	rt.errs["https://bad.example.com/feed"] = errors.New("connection refused")
	n := &fakeNotifier{}
	sched, st := newTestScheduler(t, rt, n)
	sched.SetBackoffThreshold(0)

	putSub(t, st, &model.Subscription{
		ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://bad.example.com/feed",
		ErrorCount: 50,
	})

	sched.RunCycle(context.Background())
	sched.RunCycle(context.Background())
	if got := rt.calls["https://bad.example.com/feed"]; got != 2 {
		t.Errorf("expected 2 fetches, got %d", got)
	}
}

func TestQuietFeedRefreshesTitle(t *testing.T) {
	rt := newRouteTransport()
	rt.bodies["https://example.com/feed"] = rssBody("Renamed Feed",
		feedItem{id: "a", title: "A", link: "https://example.com/a", date: day(1)},
	)
	n := &fakeNotifier{}
	sched, st := newTestScheduler(t, rt, n)

	putSub(t, st, &model.Subscription{
		ID: "s1", GuildID: "g1", ChannelID: "c1", URL: "https://example.com/feed",
		FeedTitle: "Old Name", LastItemID: "a", LastItemDate: dayTime(1),
	})
	sched.RunCycle(context.Background())

	if len(n.sent) != 0 {
		t.Errorf("expected no sends, got %+v", n.sent)
	}
	sub := getSub(t, st, "g1", "s1")
	if sub.FeedTitle != "Renamed Feed" {
		t.Errorf("feed title = %q, want %q", sub.FeedTitle, "Renamed Feed")
	}
}

func TestMessageTruncation(t *testing.T) {
	long := strings.Repeat("x", 3000)
	got := formatMessage(model.FeedItem{Title: long, Link: "https://example.com/a"})
	runes := []rune(got)
	if len(runes) != maxMessageLen {
		t.Fatalf("message length = %d runes, want %d", len(runes), maxMessageLen)
	}
	if runes[len(runes)-1] != '…' {
		t.Errorf("expected ellipsis terminator, got %q", string(runes[len(runes)-1]))
	}
}

func TestMessageUsesPlaceholderTitle(t *testing.T) {
	got := formatMessage(model.FeedItem{Link: "https://example.com/a"})
	want := feed.NoTitlePlaceholder + "\nhttps://example.com/a"
	if got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}
