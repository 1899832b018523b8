// Package feed handles feed downloading, parsing, and probing.
package feed

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Songmu/go-httpdate"
	"github.com/mmcdole/gofeed"

	"github.com/sor4chi/feed-worker/internal/model"
)

// NoTitlePlaceholder substitutes for entries and feeds without a title.
const NoTitlePlaceholder = "(no title)"

// Parse turns a raw feed document into a normalized ParsedFeed.
//
// An unrecognized root element is not an error: the result carries
// FormatUnknown and no items, so callers can treat "not a feed" and
// "no items" uniformly. Only markup that cannot be parsed at all
// returns an error.
func Parse(raw string) (*model.ParsedFeed, error) {
	format := detectFormat(raw)
	if format == model.FormatUnknown {
		return &model.ParsedFeed{Format: model.FormatUnknown}, nil
	}

	parsed, err := gofeed.NewParser().ParseString(raw)
	if err != nil {
		if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
			return &model.ParsedFeed{Format: model.FormatUnknown}, nil
		}
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	out := &model.ParsedFeed{
		Format: format,
		Title:  strings.TrimSpace(parsed.Title),
	}
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		out.Items = append(out.Items, normalizeItem(item, format))
	}
	return out, nil
}

// NormalizeTitle collapses whitespace in a feed title and truncates it
// to a length safe for storage and display.
func NormalizeTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > 256 {
		s = string(runes[:256])
	}
	return s
}

// detectFormat inspects the root element of the document.
// Detection mirrors the priority order used by gofeed's type sniffer:
// an rss root, an atom feed root, an RDF root, otherwise unknown.
func detectFormat(raw string) model.Format {
	dec := xml.NewDecoder(strings.NewReader(raw))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return model.FormatUnknown
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(se.Name.Local) {
		case "rss":
			return model.FormatRSS
		case "feed":
			return model.FormatAtom
		case "rdf":
			return model.FormatRDF
		default:
			return model.FormatUnknown
		}
	}
}

func normalizeItem(item *gofeed.Item, format model.Format) model.FeedItem {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = NoTitlePlaceholder
	}

	// gofeed already applies the atom link selection rule (the entry
	// whose rel is "alternate", else the first in source order ends up
	// in Links).
	link := strings.TrimSpace(item.Link)
	if link == "" && len(item.Links) > 0 {
		link = strings.TrimSpace(item.Links[0])
	}

	// Identity precedence: guid/entry-id, else link, else title.
	id := strings.TrimSpace(item.GUID)
	if id == "" {
		id = link
	}
	if id == "" {
		id = title
	}

	summary := strings.TrimSpace(item.Description)
	if summary == "" && format == model.FormatAtom {
		summary = strings.TrimSpace(item.Content)
	}

	return model.FeedItem{
		ID:      id,
		Title:   title,
		Link:    link,
		Date:    itemDate(item, format),
		Summary: summary,
	}
}

// itemDate resolves the entry date: published-then-updated for rss/rdf,
// updated-then-published for atom. Unparseable dates yield nil rather
// than an error.
func itemDate(item *gofeed.Item, format model.Format) *time.Time {
	first, second := item.PublishedParsed, item.UpdatedParsed
	firstRaw, secondRaw := item.Published, item.Updated
	if format == model.FormatAtom {
		first, second = second, first
		firstRaw, secondRaw = secondRaw, firstRaw
	}

	for _, t := range []*time.Time{first, second} {
		if t != nil && !t.IsZero() {
			u := t.UTC()
			return &u
		}
	}

	// gofeed leaves formats it does not know as raw strings; give them
	// one more chance with a lenient parser.
	for _, raw := range []string{firstRaw, secondRaw} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if t, err := httpdate.Str2Time(raw, time.UTC); err == nil && !t.IsZero() {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
