package capture

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	readability "github.com/go-shiori/go-readability"
)

// extracted holds what could be pulled out of a captured page. Only
// Title is required; everything else is opportunistic.
type extracted struct {
	Title       string
	Content     string
	Author      string
	SiteName    string
	PublishedAt *time.Time
}

var (
	titleTagRe    = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
	titleSuffixRe = regexp.MustCompile(`\s*[|\-–—]\s*[^|\-–—]+$`)
	h1TagRe       = regexp.MustCompile(`(?i)<h1[^>]*>([^<]+)</h1>`)

	metaDateRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<meta[^>]+(?:property|name)=["'](?:article:published_time|og:published_time|date|pubdate|publishdate)["'][^>]+content=["']([^"']+)["']`),
		regexp.MustCompile(`(?i)<meta[^>]+content=["']([^"']+)["'][^>]+(?:property|name)=["'](?:article:published_time|og:published_time|date|pubdate|publishdate)["']`),
		regexp.MustCompile(`(?i)<time[^>]+datetime=["']([^"']+)["']`),
	}
)

// extractContent runs readability over the page. A missing title
// falls back to scraping <title> or <h1> directly, mirroring what
// readability itself would have used.
func extractContent(html string, pageURL *url.URL) extracted {
	var out extracted

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil {
		out.Title = strings.TrimSpace(article.Title)
		out.Content = strings.TrimSpace(article.TextContent)
		out.Author = strings.TrimSpace(article.Byline)
		out.SiteName = strings.TrimSpace(article.SiteName)
	}

	if out.Title == "" {
		out.Title = fallbackTitle(html)
	}

	out.PublishedAt = extractPublishedAt(html)

	return out
}

// fallbackTitle scrapes a title from raw HTML, cleaning the common
// " | Site Name" suffix from <title>.
func fallbackTitle(html string) string {
	if m := titleTagRe.FindStringSubmatch(html); m != nil {
		title := strings.TrimSpace(m[1])
		return titleSuffixRe.ReplaceAllString(title, "")
	}
	if m := h1TagRe.FindStringSubmatch(html); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// extractPublishedAt looks for a publish date in the page's meta tags
// and parses whatever format it finds.
func extractPublishedAt(html string) *time.Time {
	for _, re := range metaDateRes {
		m := re.FindStringSubmatch(html)
		if m == nil {
			continue
		}
		t, err := dateparse.ParseAny(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		utc := t.UTC()
		return &utc
	}
	return nil
}

// pageDomain returns the registrable domain for tagging, with a
// leading "www." stripped.
func pageDomain(pageURL *url.URL) string {
	domain := strings.ToLower(pageURL.Hostname())
	return strings.TrimPrefix(domain, "www.")
}
