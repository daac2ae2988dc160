package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"argos/internal/model"
)

const (
	// Cap on the fetched feed document size.
	maxFeedBody = 5 * 1024 * 1024

	// Cap on entries processed per run, protects against unbounded
	// or malformed feeds.
	maxFeedEntries = 100
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RSSFetcher pulls articles from RSS/Atom feeds.
type RSSFetcher struct {
	client    HTTPClient
	gateway   *Gateway
	parser    *gofeed.Parser
	userAgent string
	log       *slog.Logger
}

// NewRSSFetcher creates an RSSFetcher using the given HTTP client.
func NewRSSFetcher(client HTTPClient, gateway *Gateway, userAgent string, log *slog.Logger) *RSSFetcher {
	return &RSSFetcher{
		client:    client,
		gateway:   gateway,
		parser:    gofeed.NewParser(),
		userAgent: userAgent,
		log:       log,
	}
}

// FetchSource downloads and parses the source's feed and persists its
// entries, returning only the newly stored articles. Network failures
// yield an empty result and a log line: an unreachable feed must not
// fail the batch. A document gofeed cannot parse at all is returned
// as an error so the run records the source as failed.
func (f *RSSFetcher) FetchSource(ctx context.Context, src model.Source) ([]model.Article, error) {
	f.log.Info("fetching rss feed", "source_id", src.ID, "url", src.URL)

	body, err := f.download(ctx, src.URL)
	if err != nil {
		f.log.Warn("fetch rss feed", "source_id", src.ID, "url", src.URL, "error", err)
		return nil, nil
	}

	feed, err := f.parser.ParseString(body)
	if err != nil {
		f.log.Warn("parse rss feed", "source_id", src.ID, "url", src.URL, "error", err)
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := feed.Items
	if len(entries) > maxFeedEntries {
		entries = entries[:maxFeedEntries]
	}

	var added []model.Article
	for _, item := range entries {
		article := f.parseEntry(item, src)
		if article == nil {
			continue
		}
		if saved := f.gateway.SaveArticle(ctx, article); saved != nil {
			added = append(added, *saved)
		}
	}

	f.gateway.TouchSource(ctx, src.ID)

	f.log.Info("rss fetch complete", "source_id", src.ID, "url", src.URL,
		"new_articles", len(added), "entries_processed", len(entries), "entries_total", len(feed.Items))
	return added, nil
}

func (f *RSSFetcher) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// parseEntry normalizes one feed entry into an article. Entries
// without a title are skipped.
func (f *RSSFetcher) parseEntry(item *gofeed.Item, src model.Source) *model.Article {
	title := stripHTML(item.Title)
	if title == "" {
		return nil
	}

	article := &model.Article{
		SourceID: &src.ID,
		UserID:   src.UserID,
		Title:    truncate(title, maxContentLength),
		Metadata: map[string]any{},
	}

	if item.Link != "" {
		link := item.Link
		article.URL = &link
	}

	if content := extractEntryContent(item); content != "" {
		content = truncate(content, maxContentLength)
		article.Content = &content
	}

	if author := extractEntryAuthor(item); author != "" {
		article.Author = &author
	}

	// Best-effort timestamp: published, then updated.
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		article.PublishedAt = &t
	} else if item.UpdatedParsed != nil {
		t := item.UpdatedParsed.UTC()
		article.PublishedAt = &t
	}

	if src.Category != "" {
		article.Tags = []string{strings.ToLower(src.Category)}
	}

	return article
}

// extractEntryContent picks the richest available body: full content
// first, then the summary/description.
func extractEntryContent(item *gofeed.Item) string {
	if item.Content != "" {
		return stripHTML(item.Content)
	}
	if item.Description != "" {
		return stripHTML(item.Description)
	}
	return ""
}

func extractEntryAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}
