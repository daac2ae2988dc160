// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"argos/internal/model"
)

// Storage is the interface for all persistence operations.
//
// InsertArticle must report a (user_id, url) uniqueness violation as
// model.ErrDuplicate so callers can treat a lost insert race as a
// benign duplicate rather than a failure.
type Storage interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListSources(ctx context.Context, userID string) ([]model.Source, error)
	ListActiveSources(ctx context.Context, userID string) ([]model.Source, error)
	ListActiveUserIDs(ctx context.Context) ([]string, error)
	TouchSource(ctx context.Context, id string) error
	DeleteSource(ctx context.Context, id string) error

	InsertArticle(ctx context.Context, a *model.Article) error
	GetArticleByURL(ctx context.Context, userID, url string) (*model.Article, error)
	ListArticles(ctx context.Context, userID string, limit int) ([]model.Article, error)

	Close() error
}
