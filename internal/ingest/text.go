package ingest

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Cap on stored article content, protects against hostile feeds.
const maxContentLength = 50000

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// stripHTML removes markup, decodes HTML entities and collapses
// whitespace.
func stripHTML(s string) string {
	if s == "" {
		return s
	}
	clean := htmlTagRe.ReplaceAllString(s, "")
	clean = html.UnescapeString(clean)
	clean = whitespaceRe.ReplaceAllString(clean, " ")
	return strings.TrimSpace(clean)
}

// truncate caps s at max bytes, marking the cut with an ellipsis. The
// cut never splits a rune, so the result stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
