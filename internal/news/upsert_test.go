package news

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/security"
)

// memoryArticleRepo はテスト用のインメモリ記事リポジトリ。
type memoryArticleRepo struct {
	articles map[string]*model.NewsArticle
}

func newMemoryArticleRepo() *memoryArticleRepo {
	return &memoryArticleRepo{articles: make(map[string]*model.NewsArticle)}
}

func (r *memoryArticleRepo) find(match func(*model.NewsArticle) bool) *model.NewsArticle {
	for _, a := range r.articles {
		if match(a) {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (r *memoryArticleRepo) FindBySourceAndGUID(_ context.Context, sourceID, guid string) (*model.NewsArticle, error) {
	return r.find(func(a *model.NewsArticle) bool { return a.SourceID == sourceID && a.GuidOrID == guid }), nil
}

func (r *memoryArticleRepo) FindBySourceAndLink(_ context.Context, sourceID, link string) (*model.NewsArticle, error) {
	return r.find(func(a *model.NewsArticle) bool { return a.SourceID == sourceID && a.Link == link }), nil
}

func (r *memoryArticleRepo) FindByContentHash(_ context.Context, sourceID, hash string) (*model.NewsArticle, error) {
	return r.find(func(a *model.NewsArticle) bool { return a.SourceID == sourceID && a.ContentHash == hash }), nil
}

func (r *memoryArticleRepo) Create(_ context.Context, a *model.NewsArticle) error {
	cp := *a
	r.articles[a.ID] = &cp
	return nil
}

func (r *memoryArticleRepo) Update(ctx context.Context, a *model.NewsArticle) error {
	return r.Create(ctx, a)
}

func TestArticleUpserter_IdentityPriority(t *testing.T) {
	repo := newMemoryArticleRepo()
	u := NewArticleUpserter(repo, security.NewSanitizer())
	ctx := context.Background()
	pub := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first := []model.ParsedArticle{
		{GuidOrID: "g1", Title: "A", Link: "https://n.example.com/a"},
		{Title: "B", Link: "https://n.example.com/b"},
		{Title: "C", Summary: "c", PublishedAt: &pub},
	}
	ins, upd, err := u.UpsertArticles(ctx, "src", first)
	if err != nil || ins != 3 || upd != 0 {
		t.Fatalf("first: ins=%d upd=%d err=%v", ins, upd, err)
	}

	second := []model.ParsedArticle{
		{GuidOrID: "g1", Title: "A2", Link: "https://n.example.com/a-moved"},
		{Title: "B2", Link: "https://n.example.com/b"},
		{Title: "C", Summary: "c", PublishedAt: &pub},
	}
	ins, upd, err = u.UpsertArticles(ctx, "src", second)
	if err != nil || ins != 0 || upd != 3 {
		t.Fatalf("second: ins=%d upd=%d err=%v", ins, upd, err)
	}
	if len(repo.articles) != 3 {
		t.Errorf("articles = %d, want 3", len(repo.articles))
	}

	// 別ソースは同一記事とみなさない
	ins, _, err = u.UpsertArticles(ctx, "other", second[:1])
	if err != nil || ins != 1 {
		t.Errorf("other source: ins=%d err=%v", ins, err)
	}
}

func TestArticleUpserter_MissingPublishedAtUsesFetchTime(t *testing.T) {
	repo := newMemoryArticleRepo()
	u := NewArticleUpserter(repo, security.NewSanitizer())
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }

	if _, _, err := u.UpsertArticles(context.Background(), "src", []model.ParsedArticle{{GuidOrID: "g", Title: "t"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, a := range repo.articles {
		if a.PublishedAt == nil || !a.PublishedAt.Equal(now) {
			t.Errorf("PublishedAt = %v, want %v", a.PublishedAt, now)
		}
	}
}

func TestContentHash_Stable(t *testing.T) {
	pub := time.Date(2026, 3, 2, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	a := ContentHash("t", &pub, "s")
	utc := pub.UTC()
	b := ContentHash("t", &utc, "s")
	if a != b {
		t.Error("タイムゾーンが違っても同じ時刻なら同じハッシュになるべき")
	}
	if ContentHash("t", nil, "s") == a {
		t.Error("公開日時の有無でハッシュが変わるべき")
	}
}
