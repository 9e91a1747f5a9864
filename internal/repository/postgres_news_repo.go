package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/fanlive/internal/model"
)

// PostgresNewsSourceRepo はPostgreSQLを使用したニュースソースリポジトリ。
type PostgresNewsSourceRepo struct {
	db *sql.DB
}

// NewPostgresNewsSourceRepo はPostgresNewsSourceRepoを生成する。
func NewPostgresNewsSourceRepo(db *sql.DB) *PostgresNewsSourceRepo {
	return &PostgresNewsSourceRepo{db: db}
}

// ListDueForFetch はフェッチ対象のニュースソースを取得する。
func (r *PostgresNewsSourceRepo) ListDueForFetch(ctx context.Context) ([]*model.NewsSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, artist_id, feed_url, title, etag, last_modified, fetch_status,
		        consecutive_errors, error_message, next_fetch_at, created_at, updated_at
		 FROM news_sources
		 WHERE next_fetch_at <= now()
		   AND fetch_status = 'active'
		 ORDER BY next_fetch_at ASC
		 FOR UPDATE SKIP LOCKED`,
	)
	if err != nil {
		return nil, fmt.Errorf("フェッチ対象ニュースソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.NewsSource
	for rows.Next() {
		src := &model.NewsSource{}
		var artistID, etag, lastModified, errorMessage sql.NullString
		if err := rows.Scan(
			&src.ID, &artistID, &src.FeedURL, &src.Title, &etag, &lastModified,
			&src.FetchStatus, &src.ConsecutiveErrors, &errorMessage, &src.NextFetchAt,
			&src.CreatedAt, &src.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ニュースソースの読み取りに失敗しました: %w", err)
		}
		src.ArtistID = nullStringValue(artistID)
		src.ETag = nullStringValue(etag)
		src.LastModified = nullStringValue(lastModified)
		src.ErrorMessage = nullStringValue(errorMessage)
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ニュースソースの走査に失敗しました: %w", err)
	}
	return sources, nil
}

// UpdateFetchState はニュースソースのフェッチ状態を更新する。
func (r *PostgresNewsSourceRepo) UpdateFetchState(ctx context.Context, src *model.NewsSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE news_sources SET
		    title = $2,
		    fetch_status = $3,
		    consecutive_errors = $4,
		    error_message = $5,
		    next_fetch_at = $6,
		    etag = $7,
		    last_modified = $8,
		    updated_at = now()
		 WHERE id = $1`,
		src.ID,
		src.Title,
		src.FetchStatus,
		src.ConsecutiveErrors,
		nullString(src.ErrorMessage),
		src.NextFetchAt,
		nullString(src.ETag),
		nullString(src.LastModified),
	)
	if err != nil {
		return fmt.Errorf("ニュースソースのフェッチ状態更新に失敗しました: %w", err)
	}
	return nil
}

// PostgresNewsArticleRepo はPostgreSQLを使用したニュース記事リポジトリ。
type PostgresNewsArticleRepo struct {
	db *sql.DB
}

// NewPostgresNewsArticleRepo はPostgresNewsArticleRepoを生成する。
func NewPostgresNewsArticleRepo(db *sql.DB) *PostgresNewsArticleRepo {
	return &PostgresNewsArticleRepo{db: db}
}

const selectArticleColumns = `SELECT id, source_id, guid_or_id, title, link, content, summary, author,
		        published_at, fetched_at, content_hash, created_at, updated_at
		 FROM news_articles`

func (r *PostgresNewsArticleRepo) findOne(ctx context.Context, where string, args ...any) (*model.NewsArticle, error) {
	a := &model.NewsArticle{}
	var guidOrID, link, content, summary, author, contentHash sql.NullString
	var publishedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, selectArticleColumns+" WHERE "+where+" LIMIT 1", args...).Scan(
		&a.ID, &a.SourceID, &guidOrID, &a.Title, &link, &content, &summary, &author,
		&publishedAt, &a.FetchedAt, &contentHash, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ニュース記事の取得に失敗しました: %w", err)
	}

	a.GuidOrID = nullStringValue(guidOrID)
	a.Link = nullStringValue(link)
	a.Content = nullStringValue(content)
	a.Summary = nullStringValue(summary)
	a.Author = nullStringValue(author)
	a.ContentHash = nullStringValue(contentHash)
	a.PublishedAt = nullTimeValue(publishedAt)
	return a, nil
}

// FindBySourceAndGUID はsource_idとguid_or_idで記事を検索する。
func (r *PostgresNewsArticleRepo) FindBySourceAndGUID(ctx context.Context, sourceID, guid string) (*model.NewsArticle, error) {
	return r.findOne(ctx, "source_id = $1 AND guid_or_id = $2", sourceID, guid)
}

// FindBySourceAndLink はsource_idとlinkで記事を検索する。
func (r *PostgresNewsArticleRepo) FindBySourceAndLink(ctx context.Context, sourceID, link string) (*model.NewsArticle, error) {
	return r.findOne(ctx, "source_id = $1 AND link = $2", sourceID, link)
}

// FindByContentHash はsource_idとcontent_hashで記事を検索する。
func (r *PostgresNewsArticleRepo) FindByContentHash(ctx context.Context, sourceID, contentHash string) (*model.NewsArticle, error) {
	return r.findOne(ctx, "source_id = $1 AND content_hash = $2", sourceID, contentHash)
}

// Create は新規記事を作成する。
func (r *PostgresNewsArticleRepo) Create(ctx context.Context, a *model.NewsArticle) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO news_articles (id, source_id, guid_or_id, title, link, content, summary, author,
		                            published_at, fetched_at, content_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.SourceID, nullString(a.GuidOrID), a.Title,
		nullString(a.Link), nullString(a.Content), nullString(a.Summary),
		nullString(a.Author), nullTime(a.PublishedAt), a.FetchedAt,
		nullString(a.ContentHash), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ニュース記事の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は既存記事を上書き更新する。
func (r *PostgresNewsArticleRepo) Update(ctx context.Context, a *model.NewsArticle) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE news_articles SET
		    guid_or_id = $2, title = $3, link = $4, content = $5,
		    summary = $6, author = $7, published_at = $8,
		    content_hash = $9, updated_at = $10
		 WHERE id = $1`,
		a.ID, nullString(a.GuidOrID), a.Title, nullString(a.Link),
		nullString(a.Content), nullString(a.Summary), nullString(a.Author),
		nullTime(a.PublishedAt), nullString(a.ContentHash), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ニュース記事の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ NewsSourceRepository  = (*PostgresNewsSourceRepo)(nil)
	_ NewsArticleRepository = (*PostgresNewsArticleRepo)(nil)
)
