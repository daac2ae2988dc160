// Package capture saves a single article from an arbitrary
// user-supplied URL. Unlike subscription fetching, the URL is fully
// untrusted, so it passes SSRF validation before any network call and
// the fetch is pinned to the addresses resolved at validation time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"argos/internal/ingest"
	"argos/internal/model"
	"argos/internal/ratelimit"
	"argos/internal/storage"
	"argos/internal/urlcheck"
)

const (
	captureTimeout = 30 * time.Second

	// Many sites serve bots a challenge page; a browser UA keeps the
	// success rate reasonable.
	captureUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// Cap on the fetched page size.
	maxPageBody = 10 * 1024 * 1024

	// Per-user capture budget.
	rateLimitMax    = 20
	rateLimitWindow = time.Minute
)

// Service captures articles from arbitrary URLs.
type Service struct {
	store     storage.Storage
	gateway   *ingest.Gateway
	validator *urlcheck.Validator
	limiter   *ratelimit.Limiter
	log       *slog.Logger

	// newClient builds the HTTP client used for the page fetch,
	// overridable in tests.
	newClient func(host string, pins []netip.Addr) *http.Client
}

// New creates a capture Service.
func New(store storage.Storage, gateway *ingest.Gateway, validator *urlcheck.Validator,
	limiter *ratelimit.Limiter, log *slog.Logger) *Service {
	return &Service{
		store:     store,
		gateway:   gateway,
		validator: validator,
		limiter:   limiter,
		log:       log,
		newClient: func(host string, pins []netip.Addr) *http.Client {
			return pinnedClient(host, pins, captureTimeout)
		},
	}
}

// Capture fetches the page at rawURL, extracts its content and stores
// it as an article owned by userID. Capturing a URL the user already
// has returns the existing article unchanged.
//
// Bad input (disallowed destination, unextractable page, upstream
// 403/404) returns a *model.ValidationError whose message is safe to
// show the user; an exhausted capture budget returns a
// *model.RateLimitError; anything else is a server-side failure.
func (s *Service) Capture(ctx context.Context, rawURL, userID string) (*model.Article, error) {
	if s.limiter != nil {
		allowed, _ := s.limiter.Allow("capture:"+userID, rateLimitMax, rateLimitWindow, 1)
		if !allowed {
			s.log.Warn("capture rate limit exceeded", "user", userID)
			return nil, &model.RateLimitError{RetryAfter: rateLimitWindow}
		}
	}

	check := s.validator.Validate(ctx, rawURL)
	if !check.Safe {
		s.log.Warn("capture blocked", "user", userID, "url", rawURL, "reason", check.Reason)
		return nil, model.NewValidationError("URL not allowed: %s", check.Reason)
	}

	s.log.Info("capturing article", "user", userID, "url", rawURL)

	existing, err := s.store.GetArticleByURL(ctx, userID, rawURL)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("check existing article: %w", err)
	}
	if existing != nil {
		s.log.Info("article already captured", "user", userID, "article_id", existing.ID)
		return existing, nil
	}

	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, model.NewValidationError("invalid URL format")
	}

	html, err := s.fetchPage(ctx, pageURL, check.ResolvedIPs)
	if err != nil {
		return nil, err
	}

	content := extractContent(html, pageURL)
	if content.Title == "" {
		return nil, model.NewValidationError("could not extract content from page")
	}

	article := s.buildArticle(content, rawURL, pageURL, userID)

	saved := s.gateway.SaveArticle(ctx, article)
	if saved == nil {
		// Either a concurrent capture won the insert race, or the
		// write genuinely failed.
		if existing, err := s.store.GetArticleByURL(ctx, userID, rawURL); err == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("save captured article")
	}

	s.log.Info("article captured", "user", userID, "article_id", saved.ID)
	return saved, nil
}

func (s *Service) fetchPage(ctx context.Context, pageURL *url.URL, pins []netip.Addr) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", captureUserAgent)

	client := s.newClient(pageURL.Hostname(), pins)
	client.CheckRedirect = s.checkRedirect
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return "", model.NewValidationError("access denied (403), site may block automated access")
	case resp.StatusCode == http.StatusNotFound:
		return "", model.NewValidationError("page not found (404)")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// checkRedirect re-validates every redirect target. The initial URL
// was checked and pinned before the request, but a redirect points
// wherever the remote server likes, so each hop passes the same
// destination check before it is followed.
func (s *Service) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	check := s.validator.Validate(req.Context(), req.URL.String())
	if !check.Safe {
		return fmt.Errorf("redirect to disallowed URL: %s", check.Reason)
	}
	return nil
}

func (s *Service) buildArticle(content extracted, rawURL string, pageURL *url.URL, userID string) *model.Article {
	domain := pageDomain(pageURL)

	article := &model.Article{
		SourceID: nil, // manual capture has no source
		UserID:   userID,
		Title:    content.Title,
		URL:      &rawURL,
		Tags:     []string{"manual", domain},
		Metadata: map[string]any{
			"manual_capture": true,
			"domain":         domain,
		},
		PublishedAt: content.PublishedAt,
	}

	if content.Content != "" {
		article.Content = &content.Content
	}
	if content.Author != "" {
		article.Author = &content.Author
	}
	if content.SiteName != "" {
		article.Metadata["sitename"] = content.SiteName
	}

	return article
}
