// Package model defines the domain types used across the application.
package model

import "time"

// SourceType identifies the protocol used to fetch a source.
type SourceType string

// Supported source types.
const (
	SourceTypeRSS    SourceType = "rss"
	SourceTypeReddit SourceType = "reddit"
)

// Source represents a user's subscription to a feed or subreddit.
// For reddit sources URL holds the normalized "/r/<name>" form.
type Source struct {
	ID            string
	UserID        string
	Type          SourceType
	URL           string
	Name          string
	Category      string
	IsActive      bool
	LastFetchedAt *time.Time
	CreatedAt     time.Time
}

// Article is one captured piece of content owned by a user.
// SourceID is nil for manually captured articles. URL, when set, is
// the deduplication key within a user's library.
type Article struct {
	ID          string
	SourceID    *string
	UserID      string
	Title       string
	Content     *string
	URL         *string
	Author      *string
	PublishedAt *time.Time
	CapturedAt  time.Time
	Metadata    map[string]any
	Tags        []string
}

// FetchResult describes the outcome of fetching a single source.
// It is never persisted.
type FetchResult struct {
	SourceID      string
	SourceName    string
	SourceType    SourceType
	ArticlesAdded int
	Success       bool
	Error         string
}

// FetchSummary aggregates the results of one orchestration run over
// all of a user's active sources.
type FetchSummary struct {
	TotalSources       int
	SourcesProcessed   int
	SourcesFailed      int
	TotalArticlesAdded int
	Duration           time.Duration
	Results            []FetchResult
}
