// Package watermark computes which feed items are new relative to a
// subscription's last-seen watermark.
//
// Feeds are messy: publishers omit dates, reorder entries between
// polls, and rotate identifiers. Diff layers three strategies so that
// an imperfect watermark still never skips items silently, and bounds
// the worst-case backfill to a single item.
package watermark

import (
	"sort"
	"time"

	"github.com/sor4chi/feed-worker/internal/model"
)

// Result is the outcome of a diff: the items to notify, oldest first,
// and the chronologically latest item of the feed.
type Result struct {
	NewItems []model.FeedItem
	Latest   *model.FeedItem
}

// Diff determines which of items are new given the stored watermark.
// It is a pure function: identical inputs always yield identical output.
//
// Items are ordered oldest-first by date when any item carries one;
// undated feeds are assumed to already be in chronological order.
// Strategies, in order: locate lastID in the ordered list and take
// everything after it; else take items dated strictly after lastDate;
// else, if the latest item's id differs from lastID, take exactly that
// item. A first-ever diff (no watermark at all) reports nothing new so
// a fresh subscription never floods its channel with history.
func Diff(items []model.FeedItem, lastID string, lastDate *time.Time) Result {
	if len(items) == 0 {
		return Result{}
	}

	ordered := orderItems(items)
	latest := ordered[len(ordered)-1]

	if lastID == "" && lastDate == nil {
		return Result{Latest: &latest}
	}

	if lastID != "" {
		if idx := lastIndexByID(ordered, lastID); idx >= 0 {
			return Result{NewItems: append([]model.FeedItem(nil), ordered[idx+1:]...), Latest: &latest}
		}
	}

	// The id vanished (e.g. the publisher rotated guids); fall back to
	// the stored date, strictly greater than.
	if lastDate != nil {
		var fresh []model.FeedItem
		for _, it := range ordered {
			if it.Date != nil && it.Date.After(*lastDate) {
				fresh = append(fresh, it)
			}
		}
		if len(fresh) > 0 {
			return Result{NewItems: fresh, Latest: &latest}
		}
	}

	if latest.ID != lastID {
		return Result{NewItems: []model.FeedItem{latest}, Latest: &latest}
	}

	return Result{Latest: &latest}
}

// orderItems returns the items oldest-first. The sort is stable and a
// missing date counts as the zero time, so undated items keep their
// relative source position. When no item is dated at all the source
// order is kept as-is.
func orderItems(items []model.FeedItem) []model.FeedItem {
	ordered := append([]model.FeedItem(nil), items...)

	dated := false
	for _, it := range ordered {
		if it.Date != nil {
			dated = true
			break
		}
	}
	if !dated {
		return ordered
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return itemTime(ordered[i]).Before(itemTime(ordered[j]))
	})
	return ordered
}

func itemTime(it model.FeedItem) time.Time {
	if it.Date == nil {
		return time.Time{}
	}
	return *it.Date
}

func lastIndexByID(items []model.FeedItem, id string) int {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
