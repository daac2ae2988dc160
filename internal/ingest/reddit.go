package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"argos/internal/model"
)

const (
	redditBaseURL = "https://www.reddit.com"

	// Page size for the hot listing.
	maxRedditPosts = 25

	// Top-level comments appended to each article.
	maxRedditComments = 5

	// Individual comment bodies are capped to bound article size.
	maxCommentLength = 500

	// Minimum spacing between per-post requests. This is protocol
	// courtesy towards Reddit's implicit rate limit, unrelated to
	// our own request limiter.
	redditRequestDelay = 1 * time.Second

	// Pause after an upstream 429 before giving up on this run.
	redditCooldown = 60 * time.Second
)

// Subreddit names as Reddit accepts them in /r/<name> form.
var (
	subredditRe     = regexp.MustCompile(`^/?r/([a-zA-Z0-9_]{3,21})$`)
	subredditNameRe = regexp.MustCompile(`^[a-z0-9_]{3,21}$`)
	redditURLRe     = regexp.MustCompile(`^(?:https?://)?(?:www\.)?reddit\.com(/r/\w+)`)
)

// NormalizeSubredditURL converts the accepted subreddit spellings
// (full Reddit URL, "r/name", "/r/name", bare name) into the
// canonical "/r/<name>" form stored on a source.
func NormalizeSubredditURL(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if m := redditURLRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimPrefix(s, "r/")
	if !subredditNameRe.MatchString(s) {
		return "", fmt.Errorf("invalid subreddit: %q", raw)
	}
	return "/r/" + s, nil
}

// RedditFetcher pulls hot posts and their top comments from subreddit
// JSON listings.
type RedditFetcher struct {
	client    HTTPClient
	gateway   *Gateway
	userAgent string
	log       *slog.Logger

	baseURL      string
	requestDelay time.Duration
	cooldown     time.Duration
}

// NewRedditFetcher creates a RedditFetcher. The userAgent must be a
// descriptive client identifier; Reddit throttles anonymous ones
// aggressively.
func NewRedditFetcher(client HTTPClient, gateway *Gateway, userAgent string, log *slog.Logger) *RedditFetcher {
	return &RedditFetcher{
		client:       client,
		gateway:      gateway,
		userAgent:    userAgent,
		log:          log,
		baseURL:      redditBaseURL,
		requestDelay: redditRequestDelay,
		cooldown:     redditCooldown,
	}
}

// FetchSource fetches the subreddit's hot listing and persists its
// posts, returning only the newly stored articles. Upstream failures
// yield an empty result and a log line, never an error.
func (f *RedditFetcher) FetchSource(ctx context.Context, src model.Source) ([]model.Article, error) {
	subreddit := parseSubreddit(src.URL)
	if subreddit == "" {
		f.log.Warn("invalid subreddit url", "source_id", src.ID, "url", src.URL)
		return nil, nil
	}

	f.log.Info("fetching subreddit", "source_id", src.ID, "subreddit", subreddit)

	posts, err := f.fetchPosts(ctx, subreddit)
	if err != nil {
		f.log.Warn("fetch subreddit listing", "source_id", src.ID, "subreddit", subreddit, "error", err)
		return nil, nil
	}
	if len(posts) == 0 {
		return nil, nil
	}

	var added []model.Article
	for _, post := range posts {
		article := f.processPost(ctx, post, subreddit, src)
		if article != nil {
			if saved := f.gateway.SaveArticle(ctx, article); saved != nil {
				added = append(added, *saved)
			}
		}

		if err := sleepCtx(ctx, f.requestDelay); err != nil {
			return added, nil
		}
	}

	f.gateway.TouchSource(ctx, src.ID)

	f.log.Info("reddit fetch complete", "source_id", src.ID, "subreddit", subreddit,
		"new_articles", len(added), "posts", len(posts))
	return added, nil
}

// parseSubreddit extracts the subreddit name from the normalized
// "/r/<name>" source URL.
func parseSubreddit(url string) string {
	m := subredditRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(url)))
	if m == nil {
		return ""
	}
	return m[1]
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Permalink   string  `json:"permalink"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	IsSelf      bool    `json:"is_self"`
	Stickied    bool    `json:"stickied"`
}

type redditComment struct {
	Body   string `json:"body"`
	Author string `json:"author"`
	Score  int    `json:"score"`
}

type redditListing struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// fetchPosts retrieves one page of the subreddit's hot listing.
// 403 and 404 mean the subreddit is private, deleted or banned; both
// are an empty result, not a failure. 429 pauses for the cooldown and
// gives up on this run.
func (f *RedditFetcher) fetchPosts(ctx context.Context, subreddit string) ([]redditPost, error) {
	url := fmt.Sprintf("%s/r/%s/hot.json?limit=%d", f.baseURL, subreddit, maxRedditPosts)

	body, status, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
	case http.StatusForbidden:
		f.log.Warn("subreddit is private or quarantined", "subreddit", subreddit)
		return nil, nil
	case http.StatusNotFound:
		f.log.Warn("subreddit not found", "subreddit", subreddit)
		return nil, nil
	case http.StatusTooManyRequests:
		f.log.Warn("reddit rate limit hit, backing off", "subreddit", subreddit)
		_ = sleepCtx(ctx, f.cooldown)
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected status %d", status)
	}

	var listing redditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	var posts []redditPost
	for _, child := range listing.Data.Children {
		if child.Kind != "t3" { // t3 = link/post
			continue
		}
		var post redditPost
		if err := json.Unmarshal(child.Data, &post); err != nil {
			continue
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// fetchComments retrieves the post's top-scored top-level comments.
// Failures are non-fatal: the article is stored without comments.
func (f *RedditFetcher) fetchComments(ctx context.Context, subreddit, postID string) []redditComment {
	url := fmt.Sprintf("%s/r/%s/comments/%s.json?limit=%d&sort=top", f.baseURL, subreddit, postID, maxRedditComments)

	body, status, err := f.get(ctx, url)
	if err != nil || status != http.StatusOK {
		f.log.Debug("fetch comments", "subreddit", subreddit, "post_id", postID, "status", status, "error", err)
		return nil
	}

	// The comments endpoint returns [post listing, comment listing].
	var pages []redditListing
	if err := json.Unmarshal(body, &pages); err != nil || len(pages) < 2 {
		return nil
	}

	var comments []redditComment
	for _, child := range pages[1].Data.Children {
		if child.Kind != "t1" { // t1 = comment
			continue
		}
		var c redditComment
		if err := json.Unmarshal(child.Data, &c); err != nil {
			continue
		}
		if c.Body != "" && c.Author != "" {
			comments = append(comments, c)
		}
	}

	sort.SliceStable(comments, func(i, j int) bool { return comments[i].Score > comments[j].Score })
	if len(comments) > maxRedditComments {
		comments = comments[:maxRedditComments]
	}
	return comments
}

// processPost turns a listing post into an article, fetching its top
// comments when it has any. Stickied posts are skipped: they are
// almost always mod announcements.
func (f *RedditFetcher) processPost(ctx context.Context, post redditPost, subreddit string, src model.Source) *model.Article {
	if post.Stickied || post.Title == "" {
		return nil
	}

	var comments []redditComment
	if post.ID != "" && post.NumComments > 0 {
		comments = f.fetchComments(ctx, subreddit, post.ID)
	}

	article := &model.Article{
		SourceID: &src.ID,
		UserID:   src.UserID,
		Title:    post.Title,
		Tags:     []string{"r/" + subreddit},
		Metadata: map[string]any{
			"reddit": map[string]any{
				"score":        post.Score,
				"num_comments": post.NumComments,
				"author":       post.Author,
				"permalink":    post.Permalink,
				"subreddit":    subreddit,
				"is_self":      post.IsSelf,
				"post_id":      post.ID,
			},
		},
	}

	if post.Permalink != "" {
		url := "https://reddit.com" + post.Permalink
		article.URL = &url
	}

	if content := buildRedditContent(post.Selftext, comments); content != "" {
		content = truncate(content, maxContentLength)
		article.Content = &content
	}

	author := "u/" + orDeleted(post.Author)
	article.Author = &author

	if post.CreatedUTC > 0 {
		t := time.Unix(int64(post.CreatedUTC), 0).UTC()
		article.PublishedAt = &t
	}

	if src.Category != "" {
		article.Tags = append(article.Tags, strings.ToLower(src.Category))
	}

	return article
}

// buildRedditContent assembles the article body: the post's selftext
// followed by a quoted block of top comments.
func buildRedditContent(selftext string, comments []redditComment) string {
	var b strings.Builder

	if text := strings.TrimSpace(selftext); text != "" {
		b.WriteString(text)
	}

	if len(comments) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n---\n")
		}
		b.WriteString("**Top Comments:**\n")
		for _, c := range comments {
			body := truncate(c.Body, maxCommentLength)
			fmt.Fprintf(&b, "\n> %s\n> — u/%s (%d points)\n", body, c.Author, c.Score)
		}
	}

	return b.String()
}

func (f *RedditFetcher) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func orDeleted(author string) string {
	if author == "" {
		return "[deleted]"
	}
	return author
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
