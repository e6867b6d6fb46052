package newsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/timelinelabs/timeline-anchor/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNoScript indicates that no anchor script has been stored yet.
var ErrNoScript = errors.New("newsstore: no scripts stored")

// Article is one news record as consumed by the script composer.
type Article struct {
	ID          int64
	Title       string
	Summary     string
	PublishedAt time.Time
}

// Store wraps the SQLite-backed article and script tables.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config, creating the schema on
// first use.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("news store opened", slog.String("path", cfg.Path))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    summary TEXT NOT NULL,
    published_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at);
CREATE TABLE IF NOT EXISTS scripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    anchor TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertArticle stores one article record.
func (s *Store) InsertArticle(ctx context.Context, title, summary string, publishedAt time.Time) (int64, error) {
	query, args, err := sq.Insert("articles").
		Columns("title", "summary", "published_at").
		Values(title, summary, publishedAt.UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert article: %w", err)
	}
	return result.LastInsertId()
}

// RecentArticles returns articles published within the trailing window,
// newest first.
func (s *Store) RecentArticles(ctx context.Context, window time.Duration) ([]Article, error) {
	cutoff := s.clock().Add(-window).UTC().Format(time.RFC3339Nano)
	query, args, err := sq.Select("id", "title", "summary", "published_at").
		From("articles").
		Where(sq.GtOrEq{"published_at": cutoff}).
		OrderBy("published_at DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent articles: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		var a Article
		var published string
		if err := rows.Scan(&a.ID, &a.Title, &a.Summary, &published); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, published); err == nil {
			a.PublishedAt = ts
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// SaveScript records a generated anchor script.
func (s *Store) SaveScript(ctx context.Context, runID, anchor string) error {
	query, args, err := sq.Insert("scripts").
		Columns("run_id", "anchor", "created_at").
		Values(runID, anchor, s.clock().UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save script: %w", err)
	}
	return nil
}

// LatestScript returns the most recently stored anchor script.
func (s *Store) LatestScript(ctx context.Context) (string, error) {
	query, args, err := sq.Select("anchor").
		From("scripts").
		OrderBy("id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return "", err
	}
	var anchor string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&anchor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoScript
		}
		return "", fmt.Errorf("query latest script: %w", err)
	}
	return anchor, nil
}
