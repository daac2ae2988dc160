package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"argos/internal/model"
	"argos/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSource inserts a new source and populates its ID and CreatedAt.
// A (user_id, url) collision is reported as model.ErrDuplicate.
func (s *SQLite) CreateSource(ctx context.Context, src *model.Source) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, user_id, type, url, name, category, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.UserID, string(src.Type), src.URL, src.Name,
		nullString(src.Category), boolToInt(src.IsActive), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("source %s for user %s: %w", src.URL, src.UserID, model.ErrDuplicate)
		}
		return fmt.Errorf("insert source: %w", err)
	}
	src.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, url, name, category, is_active, last_fetched_at, created_at
		 FROM sources WHERE id = ?`, id,
	)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	return src, err
}

// ListSources returns all sources belonging to the given user.
func (s *SQLite) ListSources(ctx context.Context, userID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, url, name, category, is_active, last_fetched_at, created_at
		 FROM sources WHERE user_id = ? ORDER BY created_at, id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// ListActiveSources returns the user's active sources in creation order.
func (s *SQLite) ListActiveSources(ctx context.Context, userID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, url, name, category, is_active, last_fetched_at, created_at
		 FROM sources WHERE user_id = ? AND is_active = 1 ORDER BY created_at, id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// ListActiveUserIDs returns the distinct set of users that have at
// least one active source.
func (s *SQLite) ListActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM sources WHERE is_active = 1 ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchSource sets last_fetched_at to the current time.
func (s *SQLite) TouchSource(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_fetched_at = ? WHERE id = ?`, now, id,
	)
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	return nil
}

// DeleteSource removes a source and all articles it produced.
func (s *SQLite) DeleteSource(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM articles WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete articles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return tx.Commit()
}

// InsertArticle inserts a new article and populates its ID and
// CapturedAt. A (user_id, url) collision is reported as
// model.ErrDuplicate.
func (s *SQLite) InsertArticle(ctx context.Context, a *model.Article) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	metadata, err := json.Marshal(orEmptyMap(a.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tags, err := json.Marshal(orEmptySlice(a.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO articles (id, source_id, user_id, title, content, url, author, published_at, captured_at, metadata, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SourceID, a.UserID, a.Title, a.Content, a.URL, a.Author,
		formatTimePtr(a.PublishedAt), now.Format(timeLayout), string(metadata), string(tags),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("article for user %s: %w", a.UserID, model.ErrDuplicate)
		}
		return fmt.Errorf("insert article: %w", err)
	}
	a.CapturedAt, _ = time.Parse(timeLayout, now.Format(timeLayout))
	return nil
}

// GetArticleByURL returns the user's article with the given URL, or
// model.ErrNotFound.
func (s *SQLite) GetArticleByURL(ctx context.Context, userID, url string) (*model.Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, user_id, title, content, url, author, published_at, captured_at, metadata, tags
		 FROM articles WHERE user_id = ? AND url = ?`, userID, url,
	)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	return a, err
}

// ListArticles returns the user's articles, most recently captured
// first. A limit of 0 means no limit.
func (s *SQLite) ListArticles(ctx context.Context, userID string, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, user_id, title, content, url, author, published_at, captured_at, metadata, tags
		 FROM articles WHERE user_id = ? ORDER BY captured_at DESC, id LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// isUniqueViolation matches the sqlite UNIQUE constraint error. The
// driver does not expose a typed error for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var typeStr string
	var isActive int
	var category, lastFetched, created sql.NullString
	err := row.Scan(&src.ID, &src.UserID, &typeStr, &src.URL, &src.Name,
		&category, &isActive, &lastFetched, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Type = model.SourceType(typeStr)
	src.IsActive = isActive == 1
	if category.Valid {
		src.Category = category.String
	}
	if lastFetched.Valid {
		t, _ := time.Parse(timeLayout, lastFetched.String)
		src.LastFetchedAt = &t
	}
	if created.Valid {
		src.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &src, nil
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

func scanArticle(row scannable) (*model.Article, error) {
	var a model.Article
	var sourceID, content, urlStr, author, published sql.NullString
	var captured, metadata, tags string
	err := row.Scan(&a.ID, &sourceID, &a.UserID, &a.Title, &content, &urlStr,
		&author, &published, &captured, &metadata, &tags)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan article: %w", err)
	}
	if sourceID.Valid {
		a.SourceID = &sourceID.String
	}
	if content.Valid {
		a.Content = &content.String
	}
	if urlStr.Valid {
		a.URL = &urlStr.String
	}
	if author.Valid {
		a.Author = &author.String
	}
	if published.Valid {
		t, _ := time.Parse(timeLayout, published.String)
		a.PublishedAt = &t
	}
	a.CapturedAt, _ = time.Parse(timeLayout, captured)
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &a, nil
}
