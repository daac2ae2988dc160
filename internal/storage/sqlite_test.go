package storage

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"argos/internal/model"
)

var ignoreSourceFields = cmpopts.IgnoreFields(model.Source{}, "ID", "CreatedAt", "LastFetchedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestSourceCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	tests := []struct {
		name string
		src  model.Source
	}{
		{
			name: "rss source",
			src: model.Source{
				UserID:   "user-1",
				Type:     model.SourceTypeRSS,
				URL:      "https://example.com/feed.xml",
				Name:     "Example Feed",
				Category: "tech",
				IsActive: true,
			},
		},
		{
			name: "reddit source without category",
			src: model.Source{
				UserID:   "user-1",
				Type:     model.SourceTypeReddit,
				URL:      "/r/golang",
				Name:     "r/golang",
				IsActive: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.src
			if err := s.CreateSource(ctx, &src); err != nil {
				t.Fatalf("create: %v", err)
			}
			if src.ID == "" {
				t.Fatal("expected non-empty ID")
			}

			got, err := s.GetSource(ctx, src.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(&tt.src, got, ignoreSourceFields); diff != "" {
				t.Errorf("source mismatch (-want +got):\n%s", diff)
			}
			if got.LastFetchedAt != nil {
				t.Error("expected nil LastFetchedAt on a fresh source")
			}
		})
	}
}

func TestCreateSourceDuplicateURL(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	src := model.Source{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://example.com/feed", Name: "A", IsActive: true}
	if err := s.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := model.Source{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://example.com/feed", Name: "B", IsActive: true}
	err := s.CreateSource(ctx, &dup)
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same URL for a different user is fine.
	other := model.Source{UserID: "user-2", Type: model.SourceTypeRSS, URL: "https://example.com/feed", Name: "C", IsActive: true}
	if err := s.CreateSource(ctx, &other); err != nil {
		t.Fatalf("create for other user: %v", err)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	s := newTestDB(t)
	_, err := s.GetSource(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveSources(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	for _, src := range []model.Source{
		{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://a.example/feed", Name: "A", IsActive: true},
		{UserID: "user-1", Type: model.SourceTypeReddit, URL: "/r/golang", Name: "B", IsActive: false},
		{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://c.example/feed", Name: "C", IsActive: true},
		{UserID: "user-2", Type: model.SourceTypeRSS, URL: "https://d.example/feed", Name: "D", IsActive: true},
	} {
		src := src
		if err := s.CreateSource(ctx, &src); err != nil {
			t.Fatalf("create %s: %v", src.Name, err)
		}
	}

	active, err := s.ListActiveSources(ctx, "user-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}

	var names []string
	for _, src := range active {
		names = append(names, src.Name)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"A", "C"}, names); diff != "" {
		t.Errorf("active sources mismatch (-want +got):\n%s", diff)
	}

	all, err := s.ListSources(ctx, "user-1")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestListActiveUserIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	for _, src := range []model.Source{
		{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://a.example/feed", Name: "A", IsActive: true},
		{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://b.example/feed", Name: "B", IsActive: true},
		{UserID: "user-2", Type: model.SourceTypeRSS, URL: "https://c.example/feed", Name: "C", IsActive: true},
		{UserID: "user-3", Type: model.SourceTypeRSS, URL: "https://d.example/feed", Name: "D", IsActive: false},
	} {
		src := src
		if err := s.CreateSource(ctx, &src); err != nil {
			t.Fatalf("create %s: %v", src.Name, err)
		}
	}

	got, err := s.ListActiveUserIDs(ctx)
	if err != nil {
		t.Fatalf("list active users: %v", err)
	}
	if diff := cmp.Diff([]string{"user-1", "user-2"}, got); diff != "" {
		t.Errorf("user ids mismatch (-want +got):\n%s", diff)
	}
}

func TestTouchSource(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	src := model.Source{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://a.example/feed", Name: "A", IsActive: true}
	if err := s.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.TouchSource(ctx, src.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := s.GetSource(ctx, src.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastFetchedAt == nil {
		t.Fatal("expected LastFetchedAt to be set")
	}
	if time.Since(*got.LastFetchedAt) > time.Minute {
		t.Errorf("LastFetchedAt = %v, want recent", got.LastFetchedAt)
	}
}

func TestInsertArticleAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	a := model.Article{
		UserID:   "user-1",
		Title:    "First",
		URL:      strPtr("https://example.com/post"),
		Content:  strPtr("body text"),
		Author:   strPtr("Alice"),
		Metadata: map[string]any{"reddit": map[string]any{"score": float64(10)}},
		Tags:     []string{"tech"},
	}
	if err := s.InsertArticle(ctx, &a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected non-empty ID")
	}

	dup := model.Article{UserID: "user-1", Title: "Second", URL: strPtr("https://example.com/post")}
	err := s.InsertArticle(ctx, &dup)
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := s.GetArticleByURL(ctx, "user-1", "https://example.com/post")
	if err != nil {
		t.Fatalf("get by url: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("got article %s, want %s", got.ID, a.ID)
	}
	if diff := cmp.Diff(a.Metadata, got.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(a.Tags, got.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertArticleNilURLNotConstrained(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	// Manual captures without a URL must never trip the dedup index.
	for i := 0; i < 2; i++ {
		a := model.Article{UserID: "user-1", Title: "Untitled note"}
		if err := s.InsertArticle(ctx, &a); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	articles, err := s.ListArticles(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("len = %d, want 2", len(articles))
	}
}

func TestGetArticleByURLNotFound(t *testing.T) {
	s := newTestDB(t)
	_, err := s.GetArticleByURL(context.Background(), "user-1", "https://nope.example/")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListArticlesLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	for _, url := range []string{"https://e.com/1", "https://e.com/2", "https://e.com/3"} {
		a := model.Article{UserID: "user-1", Title: url, URL: strPtr(url)}
		if err := s.InsertArticle(ctx, &a); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	articles, err := s.ListArticles(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("len = %d, want 2", len(articles))
	}
}

func TestDeleteSourceCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	src := model.Source{UserID: "user-1", Type: model.SourceTypeRSS, URL: "https://a.example/feed", Name: "A", IsActive: true}
	if err := s.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create source: %v", err)
	}

	owned := model.Article{UserID: "user-1", SourceID: &src.ID, Title: "Owned", URL: strPtr("https://a.example/1")}
	if err := s.InsertArticle(ctx, &owned); err != nil {
		t.Fatalf("insert owned: %v", err)
	}
	manual := model.Article{UserID: "user-1", Title: "Manual", URL: strPtr("https://elsewhere.example/1")}
	if err := s.InsertArticle(ctx, &manual); err != nil {
		t.Fatalf("insert manual: %v", err)
	}

	if err := s.DeleteSource(ctx, src.ID); err != nil {
		t.Fatalf("delete source: %v", err)
	}

	if _, err := s.GetSource(ctx, src.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected source gone, got %v", err)
	}

	articles, err := s.ListArticles(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(articles) != 1 || articles[0].Title != "Manual" {
		t.Errorf("expected only the manual article to survive, got %d articles", len(articles))
	}
}
