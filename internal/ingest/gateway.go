// Package ingest pulls content from a user's subscribed sources and
// commits it to storage. It contains the per-protocol fetchers, the
// persistence gateway they share, and the orchestrator that runs all
// of a user's sources.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"argos/internal/model"
	"argos/internal/storage"
)

// Gateway is the idempotent write path shared by every fetcher.
type Gateway struct {
	store storage.Storage
	log   *slog.Logger
}

// NewGateway creates a Gateway on top of the given storage.
func NewGateway(store storage.Storage, log *slog.Logger) *Gateway {
	return &Gateway{store: store, log: log}
}

// SaveArticle persists a new article and returns it. It returns nil
// when the article is a duplicate of an existing (user, url) row or
// when persistence fails; both are normal outcomes for a batch and
// must not abort it. The storage uniqueness constraint is the source
// of truth for deduplication: the pre-check only short-circuits the
// common case, and a lost insert race is absorbed the same way.
func (g *Gateway) SaveArticle(ctx context.Context, a *model.Article) *model.Article {
	if a.URL != nil {
		existing, err := g.store.GetArticleByURL(ctx, a.UserID, *a.URL)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			g.log.Error("duplicate pre-check failed", "user", a.UserID, "url", *a.URL, "error", err)
			return nil
		}
		if existing != nil {
			return nil
		}
	}

	if err := g.store.InsertArticle(ctx, a); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			g.log.Debug("duplicate article skipped", "user", a.UserID, "url", strPtrOr(a.URL, ""))
			return nil
		}
		g.log.Error("save article", "user", a.UserID, "title", a.Title, "error", err)
		return nil
	}

	return a
}

// TouchSource updates the source's last_fetched_at timestamp. The
// update is best-effort: a missed freshness marker must never fail an
// ingestion run, so errors are only logged.
func (g *Gateway) TouchSource(ctx context.Context, sourceID string) {
	if err := g.store.TouchSource(ctx, sourceID); err != nil {
		g.log.Error("update source last_fetched_at", "source_id", sourceID, "error", err)
	}
}

func strPtrOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
