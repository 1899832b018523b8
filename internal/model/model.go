// Package model defines the domain types used across the application.
package model

import "time"

// Format identifies the syndication format of a parsed document.
type Format string

// Recognized feed formats.
const (
	FormatRSS     Format = "rss"
	FormatAtom    Format = "atom"
	FormatRDF     Format = "rdf"
	FormatUnknown Format = "unknown"
)

// Subscription is one feed tracked for one channel in one guild.
//
// The (GuildID, ChannelID, URL) triple is unique among active
// subscriptions, and ID never changes after creation. The watermark
// fields (LastItemID, LastItemDate) only move forward in feed order.
type Subscription struct {
	ID           string     `json:"id"`
	GuildID      string     `json:"guildId"`
	ChannelID    string     `json:"channelId"`
	URL          string     `json:"url"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastItemID   string     `json:"lastItemId,omitempty"`
	LastItemDate *time.Time `json:"lastItemDate,omitempty"`
	FeedTitle    string     `json:"feedTitle,omitempty"`
	ErrorCount   int        `json:"errorCount"`
	LastError    string     `json:"lastError,omitempty"`
}

// FeedItem is a single entry extracted from a feed document.
// It is transient and never persisted.
type FeedItem struct {
	ID      string
	Title   string
	Link    string
	Date    *time.Time
	Summary string
}

// ParsedFeed is the normalized result of parsing a feed document.
// Items appear in source order, which is not necessarily chronological.
type ParsedFeed struct {
	Format Format
	Title  string
	Items  []FeedItem
}
