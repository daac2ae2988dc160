package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/h2non/gock"

	"argos/internal/ingest"
	"argos/internal/model"
	"argos/internal/ratelimit"
	"argos/internal/storage"
	"argos/internal/urlcheck"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
<title>Why Our Cache Misses Doubled | Example Engineering</title>
<meta property="og:site_name" content="Example Engineering">
<meta property="article:published_time" content="2024-08-12T10:00:00Z">
</head>
<body>
<article>
<h1>Why Our Cache Misses Doubled</h1>
<p>Last month our cache hit rate dropped from 95 percent to 60 percent
overnight. This post walks through how we found the regression, what the
root cause turned out to be, and the guardrails we added afterwards.</p>
<p>The first clue was in the eviction metrics. Evictions spiked at the
same minute a routine deploy went out, which pointed at a configuration
change rather than a traffic change. From there it took one bisect of
the release to find the culprit.</p>
<p>The fix itself was a one-liner, restoring the TTL that a refactor had
silently dropped. The interesting part is everything around it.</p>
</article>
</body>
</html>`

type fakeResolver struct {
	ips map[string][]netip.Addr
}

func (f *fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if ips, ok := f.ips[host]; ok {
		return ips, nil
	}
	return nil, errors.New("no such host")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService wires a Service against an in-memory store, a fake
// resolver that maps blog.example.com to a public address, and a
// gock-intercepted HTTP client.
func newTestService(t *testing.T) (*Service, storage.Storage) {
	t.Helper()

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := discardLogger()
	resolver := &fakeResolver{ips: map[string][]netip.Addr{
		"blog.example.com": {netip.MustParseAddr("93.184.216.34")},
		"intranet.corp":    {netip.MustParseAddr("10.0.0.5")},
	}}
	validator := urlcheck.NewWithResolver(resolver, log)
	gateway := ingest.NewGateway(store, log)

	svc := New(store, gateway, validator, ratelimit.New(), log)
	svc.newClient = func(_ string, _ []netip.Addr) *http.Client {
		client := &http.Client{}
		gock.InterceptClient(client)
		return client
	}
	t.Cleanup(gock.Off)

	return svc, store
}

// noFetchService asserts that no page fetch is ever attempted.
func noFetchService(t *testing.T) (*Service, storage.Storage) {
	t.Helper()
	svc, store := newTestService(t)
	svc.newClient = func(_ string, _ []netip.Addr) *http.Client {
		t.Fatal("unexpected outbound request")
		return nil
	}
	return svc, store
}

func TestCapture(t *testing.T) {
	gock.New("https://blog.example.com").
		Get("/cache-misses").
		Reply(200).
		BodyString(samplePage)

	svc, _ := newTestService(t)
	rawURL := "https://blog.example.com/cache-misses"

	article, err := svc.Capture(context.Background(), rawURL, "user-1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	if article.Title != "Why Our Cache Misses Doubled" {
		t.Errorf("Title = %q", article.Title)
	}
	if article.URL == nil || *article.URL != rawURL {
		t.Errorf("URL = %v", article.URL)
	}
	if article.SourceID != nil {
		t.Errorf("SourceID = %v, want nil for a manual capture", article.SourceID)
	}
	if article.Content == nil || !strings.Contains(*article.Content, "eviction metrics") {
		t.Errorf("Content = %v", article.Content)
	}

	wantTags := []string{"manual", "blog.example.com"}
	if len(article.Tags) != 2 || article.Tags[0] != wantTags[0] || article.Tags[1] != wantTags[1] {
		t.Errorf("Tags = %v, want %v", article.Tags, wantTags)
	}
	if article.Metadata["manual_capture"] != true || article.Metadata["domain"] != "blog.example.com" {
		t.Errorf("Metadata = %v", article.Metadata)
	}
	if article.Metadata["sitename"] != "Example Engineering" {
		t.Errorf("sitename = %v", article.Metadata["sitename"])
	}

	wantPublished := time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)
	if article.PublishedAt == nil || !article.PublishedAt.Equal(wantPublished) {
		t.Errorf("PublishedAt = %v, want %v", article.PublishedAt, wantPublished)
	}
}

func TestCaptureIdempotent(t *testing.T) {
	gock.New("https://blog.example.com").
		Get("/cache-misses").
		Reply(200).
		BodyString(samplePage)

	svc, _ := newTestService(t)
	rawURL := "https://blog.example.com/cache-misses"

	first, err := svc.Capture(context.Background(), rawURL, "user-1")
	if err != nil {
		t.Fatalf("first capture: %v", err)
	}

	// The second capture must return the stored article without
	// another fetch; gock has no pending mock left, so a request
	// would fail loudly.
	second, err := svc.Capture(context.Background(), rawURL, "user-1")
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second capture ID = %s, want %s", second.ID, first.ID)
	}
}

func TestCaptureBlockedDestination(t *testing.T) {
	svc, _ := noFetchService(t)

	tests := []struct {
		name string
		url  string
	}{
		{name: "metadata endpoint", url: "http://169.254.169.254/latest/meta-data/"},
		{name: "loopback", url: "http://127.0.0.1:8080/admin"},
		{name: "private range via dns", url: "http://intranet.corp/wiki"},
		{name: "bad scheme", url: "ftp://blog.example.com/file"},
		{name: "blocked port", url: "https://blog.example.com:6379/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Capture(context.Background(), tt.url, "user-1")
			if !model.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), "URL not allowed") {
				t.Errorf("error = %q", err)
			}
		})
	}
}

func TestCaptureUpstreamErrors(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		wantValidation bool
		wantMsg        string
	}{
		{name: "forbidden", status: 403, wantValidation: true, wantMsg: "access denied (403)"},
		{name: "not found", status: 404, wantValidation: true, wantMsg: "page not found (404)"},
		{name: "server error", status: 500, wantValidation: false, wantMsg: "unexpected status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gock.New("https://blog.example.com").
				Get("/gone").
				Reply(tt.status).
				BodyString("nope")

			svc, _ := newTestService(t)
			_, err := svc.Capture(context.Background(), "https://blog.example.com/gone", "user-1")
			if err == nil {
				t.Fatal("expected error")
			}
			if model.IsValidation(err) != tt.wantValidation {
				t.Fatalf("IsValidation = %v, want %v (err: %v)", model.IsValidation(err), tt.wantValidation, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestCaptureRedirectToBlockedDestination(t *testing.T) {
	// The landing URL is safe, but the server answers with a redirect
	// into a blocked range. The hop must be rejected before it is
	// followed.
	gock.New("https://blog.example.com").
		Get("/moved").
		Reply(302).
		SetHeader("Location", "http://169.254.169.254/latest/meta-data/")

	svc, _ := newTestService(t)
	_, err := svc.Capture(context.Background(), "https://blog.example.com/moved", "user-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "redirect to disallowed URL") {
		t.Errorf("error = %q", err)
	}
}

func TestCaptureFollowsSafeRedirect(t *testing.T) {
	gock.New("https://blog.example.com").
		Get("/old-path").
		Reply(301).
		SetHeader("Location", "https://blog.example.com/cache-misses")
	gock.New("https://blog.example.com").
		Get("/cache-misses").
		Reply(200).
		BodyString(samplePage)

	svc, _ := newTestService(t)
	article, err := svc.Capture(context.Background(), "https://blog.example.com/old-path", "user-1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if article.Title != "Why Our Cache Misses Doubled" {
		t.Errorf("Title = %q", article.Title)
	}
}

func TestCaptureUnextractablePage(t *testing.T) {
	gock.New("https://blog.example.com").
		Get("/empty").
		Reply(200).
		BodyString("<html><body><div></div></body></html>")

	svc, _ := newTestService(t)
	_, err := svc.Capture(context.Background(), "https://blog.example.com/empty", "user-1")
	if !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "could not extract content") {
		t.Errorf("error = %q", err)
	}
}

func TestCaptureRateLimited(t *testing.T) {
	svc, _ := noFetchService(t)

	// Exhaust the per-user budget out of band.
	for i := 0; i < rateLimitMax; i++ {
		svc.limiter.Allow("capture:user-1", rateLimitMax, rateLimitWindow, 1)
	}

	_, err := svc.Capture(context.Background(), "https://blog.example.com/post", "user-1")
	var rlErr *model.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rlErr.RetryAfter != rateLimitWindow {
		t.Errorf("RetryAfter = %v, want %v", rlErr.RetryAfter, rateLimitWindow)
	}

	// Another user is unaffected.
	gock.New("https://blog.example.com").
		Get("/post").
		Reply(200).
		BodyString(samplePage)
	svc2, _ := newTestService(t)
	if _, err := svc2.Capture(context.Background(), "https://blog.example.com/post", "user-2"); err != nil {
		t.Errorf("capture for other user: %v", err)
	}
}

func TestFallbackTitle(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "title tag with site suffix",
			html: `<title>The Post | Some Site</title>`,
			want: "The Post",
		},
		{
			name: "title tag with dash suffix",
			html: `<title>The Post - Some Site</title>`,
			want: "The Post",
		},
		{
			name: "h1 fallback",
			html: `<body><h1 class="headline">Big News</h1></body>`,
			want: "Big News",
		},
		{
			name: "nothing usable",
			html: `<body><p>text</p></body>`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fallbackTitle(tt.html); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractPublishedAt(t *testing.T) {
	tests := []struct {
		name string
		html string
		want *time.Time
	}{
		{
			name: "article published_time",
			html: `<meta property="article:published_time" content="2024-08-12T10:00:00Z">`,
			want: timePtr(time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)),
		},
		{
			name: "content attribute first",
			html: `<meta content="2024-08-12" name="pubdate">`,
			want: timePtr(time.Date(2024, 8, 12, 0, 0, 0, 0, time.UTC)),
		},
		{
			name: "time element",
			html: `<time datetime="2024-08-12T10:00:00Z">August 12</time>`,
			want: timePtr(time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)),
		},
		{
			name: "unparseable date ignored",
			html: `<meta property="article:published_time" content="someday soon">`,
			want: nil,
		},
		{
			name: "no date",
			html: `<p>plain page</p>`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractPublishedAt(tt.html)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("got %v, want nil", got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPageDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://www.example.com/post", want: "example.com"},
		{in: "https://Blog.Example.com/post", want: "blog.example.com"},
		{in: "http://example.com:8080/", want: "example.com"},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.in)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.in, err)
		}
		if got := pageDomain(u); got != tt.want {
			t.Errorf("pageDomain(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
