package news

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/security"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Artist News</title>
<item>
  <title>Comeback announced</title>
  <link>https://news.example.com/1</link>
  <guid>news-1</guid>
  <description>&lt;p&gt;Big news&lt;/p&gt;&lt;script&gt;x()&lt;/script&gt;</description>
  <pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate>
</item>
<item>
  <title>Tour dates</title>
  <link>https://news.example.com/2</link>
</item>
</channel></rss>`

type mockSourceRepo struct {
	mu      sync.Mutex
	due     []*model.NewsSource
	listErr error
	updates []model.NewsSource
}

func (m *mockSourceRepo) ListDueForFetch(context.Context) ([]*model.NewsSource, error) {
	return m.due, m.listErr
}

func (m *mockSourceRepo) UpdateFetchState(_ context.Context, src *model.NewsSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, *src)
	return nil
}

func (m *mockSourceRepo) last() model.NewsSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[len(m.updates)-1]
}

type mockMetrics struct {
	results  map[string]int
	upserted int
}

func (m *mockMetrics) IncNewsFetch(result string) {
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
}

func (m *mockMetrics) AddNewsArticlesUpserted(n int) { m.upserted += n }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestFetcher(t *testing.T, repo *mockSourceRepo, articles *memoryArticleRepo, client *http.Client) (*Fetcher, *mockMetrics) {
	t.Helper()
	var buf bytes.Buffer
	f := NewFetcher(repo, NewArticleUpserter(articles, security.NewSanitizer()), client, newTestLogger(&buf), FetcherConfig{Interval: 15 * time.Minute})
	f.validateURL = func(string) error { return nil }
	m := &mockMetrics{}
	f.SetMetrics(m)
	return f, m
}

func TestFetcher_Fetch_StoresArticlesAndValidators(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Mar 2026 10:00:00 GMT")
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	repo := &mockSourceRepo{}
	articles := newMemoryArticleRepo()
	f, metrics := newTestFetcher(t, repo, articles, server.Client())

	src := &model.NewsSource{ID: "src-1", FeedURL: server.URL, FetchStatus: model.FetchStatusActive, ConsecutiveErrors: 2}
	if err := f.Fetch(context.Background(), src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(articles.articles) != 2 {
		t.Fatalf("articles = %d, want 2", len(articles.articles))
	}
	saved := repo.last()
	if saved.ETag != `"v1"` || saved.LastModified == "" {
		t.Errorf("validators not stored: %+v", saved)
	}
	if saved.Title != "Artist News" || saved.ConsecutiveErrors != 0 {
		t.Errorf("source = %+v", saved)
	}
	if metrics.results[MetricOK] != 1 || metrics.upserted != 2 {
		t.Errorf("metrics = %+v", metrics)
	}
	for _, a := range articles.articles {
		if bytes.Contains([]byte(a.Summary), []byte("script")) {
			t.Errorf("summary not sanitized: %q", a.Summary)
		}
	}
}

func TestFetcher_Fetch_ConditionalGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("If-None-Match = %q", r.Header.Get("If-None-Match"))
		}
		if r.Header.Get("If-Modified-Since") == "" {
			t.Error("If-Modified-Since がない")
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	repo := &mockSourceRepo{}
	f, metrics := newTestFetcher(t, repo, newMemoryArticleRepo(), server.Client())

	src := &model.NewsSource{ID: "src-1", FeedURL: server.URL, ETag: `"v1"`, LastModified: "Mon, 02 Mar 2026 10:00:00 GMT"}
	if err := f.Fetch(context.Background(), src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics.results[MetricNotModified] != 1 {
		t.Errorf("metrics = %v", metrics.results)
	}
}

func TestFetcher_Fetch_StatusHandling(t *testing.T) {
	tests := []struct {
		status     int
		wantStatus model.FetchStatus
		wantErrors int
	}{
		{http.StatusNotFound, model.FetchStatusStopped, 0},
		{http.StatusGone, model.FetchStatusStopped, 0},
		{http.StatusForbidden, model.FetchStatusStopped, 0},
		{http.StatusTooManyRequests, model.FetchStatusActive, 1},
		{http.StatusBadGateway, model.FetchStatusActive, 1},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		repo := &mockSourceRepo{}
		f, _ := newTestFetcher(t, repo, newMemoryArticleRepo(), server.Client())
		src := &model.NewsSource{ID: "src-1", FeedURL: server.URL, FetchStatus: model.FetchStatusActive}
		if err := f.Fetch(context.Background(), src); err != nil {
			t.Errorf("status %d: unexpected error: %v", tt.status, err)
		}
		saved := repo.last()
		if saved.FetchStatus != tt.wantStatus || saved.ConsecutiveErrors != tt.wantErrors {
			t.Errorf("status %d: source = %+v", tt.status, saved)
		}
		server.Close()
	}
}

func TestFetcher_Fetch_ParseFailureCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a feed"))
	}))
	defer server.Close()

	repo := &mockSourceRepo{}
	f, metrics := newTestFetcher(t, repo, newMemoryArticleRepo(), server.Client())

	src := &model.NewsSource{ID: "src-1", FeedURL: server.URL, FetchStatus: model.FetchStatusActive}
	if err := f.Fetch(context.Background(), src); err != nil {
		t.Fatalf("パース失敗はエラーを返さない: %v", err)
	}
	if repo.last().ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", repo.last().ConsecutiveErrors)
	}
	if metrics.results[MetricParseError] != 1 {
		t.Errorf("metrics = %v", metrics.results)
	}
}

func TestFetcher_Fetch_BlockedURLStopsSource(t *testing.T) {
	repo := &mockSourceRepo{}
	var buf bytes.Buffer
	f := NewFetcher(repo, NewArticleUpserter(newMemoryArticleRepo(), security.NewSanitizer()), http.DefaultClient, newTestLogger(&buf), FetcherConfig{})

	src := &model.NewsSource{ID: "src-1", FeedURL: "http://169.254.169.254/latest/meta-data", FetchStatus: model.FetchStatusActive}
	if err := f.Fetch(context.Background(), src); err == nil {
		t.Fatal("ブロック対象URLはエラーを返すべき")
	}
	if repo.last().FetchStatus != model.FetchStatusStopped {
		t.Errorf("FetchStatus = %s, want stopped", repo.last().FetchStatus)
	}
}

type recordingFetcher struct {
	mu    sync.Mutex
	seen  []string
	errOn string
}

func (r *recordingFetcher) Fetch(_ context.Context, src *model.NewsSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, src.ID)
	if src.ID == r.errOn {
		return errors.New("fetch failed")
	}
	return nil
}

func TestScheduler_RunOnce(t *testing.T) {
	repo := &mockSourceRepo{due: []*model.NewsSource{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	fetcher := &recordingFetcher{errOn: "b"}
	var buf bytes.Buffer
	s := NewScheduler(repo, fetcher, newTestLogger(&buf), 2)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fetcher.seen) != 3 {
		t.Errorf("fetched = %v, want all 3", fetcher.seen)
	}
	if !bytes.Contains(buf.Bytes(), []byte("ニュースソースのフェッチに失敗しました")) {
		t.Error("個別の失敗がログに記録されていない")
	}
}

func TestScheduler_RunOnce_ListError(t *testing.T) {
	repo := &mockSourceRepo{listErr: errors.New("db down")}
	var buf bytes.Buffer
	s := NewScheduler(repo, &recordingFetcher{}, newTestLogger(&buf), 2)
	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("一覧取得の失敗はエラーを返すべき")
	}
}
