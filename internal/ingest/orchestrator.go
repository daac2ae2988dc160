package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"argos/internal/model"
	"argos/internal/storage"
)

// SourceFetcher is the capability shared by all protocol fetchers:
// given a source, persist its new content and return what was added.
type SourceFetcher interface {
	FetchSource(ctx context.Context, src model.Source) ([]model.Article, error)
}

// Orchestrator runs all of a user's active sources through the
// fetcher matching each source's type.
type Orchestrator struct {
	store    storage.Storage
	fetchers map[model.SourceType]SourceFetcher
	log      *slog.Logger
}

// NewOrchestrator creates an Orchestrator dispatching to the given
// protocol fetchers.
func NewOrchestrator(store storage.Storage, rss, reddit SourceFetcher, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store: store,
		fetchers: map[model.SourceType]SourceFetcher{
			model.SourceTypeRSS:    rss,
			model.SourceTypeReddit: reddit,
		},
		log: log,
	}
}

// RunForUser fetches every active source the user owns, sequentially
// and in listing order. A fault in one source never aborts the run:
// it becomes a failed FetchResult and the remaining sources are still
// processed. Zero active sources is not an error.
func (o *Orchestrator) RunForUser(ctx context.Context, userID string) (model.FetchSummary, error) {
	start := time.Now()

	o.log.Info("starting fetch run", "user", userID)

	sources, err := o.store.ListActiveSources(ctx, userID)
	if err != nil {
		return model.FetchSummary{}, fmt.Errorf("list active sources: %w", err)
	}

	results := make([]model.FetchResult, 0, len(sources))
	for _, src := range sources {
		results = append(results, o.fetchOne(ctx, src))
	}

	summary := model.FetchSummary{
		TotalSources: len(sources),
		SourcesProcessed: lo.CountBy(results, func(r model.FetchResult) bool {
			return r.Success
		}),
		SourcesFailed: lo.CountBy(results, func(r model.FetchResult) bool {
			return !r.Success
		}),
		TotalArticlesAdded: lo.SumBy(results, func(r model.FetchResult) int {
			return r.ArticlesAdded
		}),
		Duration: time.Since(start),
		Results:  results,
	}

	o.log.Info("fetch run complete", "user", userID,
		"sources_processed", summary.SourcesProcessed,
		"sources_failed", summary.SourcesFailed,
		"articles_added", summary.TotalArticlesAdded,
		"duration", summary.Duration.String())

	return summary, nil
}

// fetchOne dispatches a single source to its protocol fetcher. Any
// fault that escapes the fetcher's own handling, including a panic,
// is converted into a failed result for that source.
func (o *Orchestrator) fetchOne(ctx context.Context, src model.Source) (result model.FetchResult) {
	result = model.FetchResult{
		SourceID:   src.ID,
		SourceName: src.Name,
		SourceType: src.Type,
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("fetcher panic", "source_id", src.ID, "source", src.Name, "panic", r)
			result.Success = false
			result.Error = fmt.Sprintf("internal fault: %v", r)
		}
	}()

	fetcher, ok := o.fetchers[src.Type]
	if !ok {
		o.log.Warn("unknown source type", "source_id", src.ID, "type", string(src.Type))
		result.Error = "unknown source type: " + string(src.Type)
		return result
	}

	articles, err := fetcher.FetchSource(ctx, src)
	if err != nil {
		o.log.Error("fetch source", "source_id", src.ID, "source", src.Name, "error", err)
		result.Error = err.Error()
		return result
	}

	result.ArticlesAdded = len(articles)
	result.Success = true
	return result
}
