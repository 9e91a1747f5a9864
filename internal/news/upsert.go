package news

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
	"github.com/hitoshi/fanlive/internal/security"
)

// ArticleUpserter は記事の同一性判定とUPSERTを行う。
//
// 同一性判定の優先順位:
//  1. (source_id, guid_or_id)
//  2. (source_id, link)
//  3. hash(title + published + summary)
type ArticleUpserter struct {
	repo      repository.NewsArticleRepository
	sanitizer *security.Sanitizer
	now       func() time.Time
}

// NewArticleUpserter はArticleUpserterを生成する。
func NewArticleUpserter(repo repository.NewsArticleRepository, sanitizer *security.Sanitizer) *ArticleUpserter {
	return &ArticleUpserter{repo: repo, sanitizer: sanitizer, now: time.Now}
}

// UpsertArticles はフィードから取得した記事を保存し、挿入数と更新数を返す。
// 1件でも失敗した場合はそこで中断してエラーを返す。
func (u *ArticleUpserter) UpsertArticles(ctx context.Context, sourceID string, articles []model.ParsedArticle) (inserted, updated int, err error) {
	now := u.now()

	for _, parsed := range articles {
		content := u.sanitizer.Article(parsed.Content)
		summary := u.sanitizer.Article(parsed.Summary)
		title := u.sanitizer.Text(parsed.Title)
		hash := ContentHash(title, parsed.PublishedAt, summary)

		existing, err := u.findExisting(ctx, sourceID, parsed, hash)
		if err != nil {
			return inserted, updated, fmt.Errorf("記事の同一性判定に失敗しました: %w", err)
		}

		if existing != nil {
			existing.GuidOrID = parsed.GuidOrID
			existing.Title = title
			existing.Link = parsed.Link
			existing.Content = content
			existing.Summary = summary
			existing.Author = parsed.Author
			existing.ContentHash = hash
			existing.UpdatedAt = now
			if parsed.PublishedAt != nil {
				existing.PublishedAt = parsed.PublishedAt
			}
			if err := u.repo.Update(ctx, existing); err != nil {
				return inserted, updated, fmt.Errorf("記事の更新に失敗しました: %w", err)
			}
			updated++
			continue
		}

		article := &model.NewsArticle{
			ID:          uuid.New().String(),
			SourceID:    sourceID,
			GuidOrID:    parsed.GuidOrID,
			Title:       title,
			Link:        parsed.Link,
			Content:     content,
			Summary:     summary,
			Author:      parsed.Author,
			PublishedAt: parsed.PublishedAt,
			FetchedAt:   now,
			ContentHash: hash,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if article.PublishedAt == nil {
			t := now
			article.PublishedAt = &t
		}
		if err := u.repo.Create(ctx, article); err != nil {
			return inserted, updated, fmt.Errorf("記事の挿入に失敗しました: %w", err)
		}
		inserted++
	}
	return inserted, updated, nil
}

func (u *ArticleUpserter) findExisting(ctx context.Context, sourceID string, parsed model.ParsedArticle, hash string) (*model.NewsArticle, error) {
	if parsed.GuidOrID != "" {
		a, err := u.repo.FindBySourceAndGUID(ctx, sourceID, parsed.GuidOrID)
		if err != nil || a != nil {
			return a, err
		}
	}
	if parsed.Link != "" {
		a, err := u.repo.FindBySourceAndLink(ctx, sourceID, parsed.Link)
		if err != nil || a != nil {
			return a, err
		}
	}
	return u.repo.FindByContentHash(ctx, sourceID, hash)
}

// ContentHash はtitle + published + summaryのSHA-256ハッシュを返す。
func ContentHash(title string, publishedAt *time.Time, summary string) string {
	pub := ""
	if publishedAt != nil {
		pub = publishedAt.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(title + "|" + pub + "|" + summary))
	return hex.EncodeToString(sum[:])
}
