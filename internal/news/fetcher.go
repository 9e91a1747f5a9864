// Package news はアーティスト関連ニュースのRSS/Atomフィードを定期取得する。
// スケジューラ、フェッチャー、記事のUPSERT、リトライ/バックオフ戦略を含む。
package news

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
	"github.com/hitoshi/fanlive/internal/security"
)

// フェッチ結果のメトリクスラベル。
const (
	MetricOK          = "ok"
	MetricNotModified = "not_modified"
	MetricStopped     = "stopped"
	MetricBackoff     = "backoff"
	MetricParseError  = "parse_error"
)

// Metrics はニュース取得のメトリクス記録先。
type Metrics interface {
	IncNewsFetch(result string)
	AddNewsArticlesUpserted(n int)
}

// Upserter は記事のUPSERT処理のインターフェース。
type Upserter interface {
	UpsertArticles(ctx context.Context, sourceID string, articles []model.ParsedArticle) (int, int, error)
}

// FetcherConfig はフェッチャーの設定。
type FetcherConfig struct {
	Interval    time.Duration // 成功時の次回フェッチまでの間隔
	MaxBodySize int64
}

// Fetcher は1つのニュースソースの条件付きGET、パース、記事保存を行う。
type Fetcher struct {
	sourceRepo  repository.NewsSourceRepository
	upserter    Upserter
	httpClient  *http.Client
	validateURL func(rawURL string) error
	metrics     Metrics
	logger      *slog.Logger
	config      FetcherConfig
	now         func() time.Time
}

// NewFetcher はFetcherを生成する。httpClient にはSSRF対策済みのクライアントを渡す。
func NewFetcher(
	sourceRepo repository.NewsSourceRepository,
	upserter Upserter,
	httpClient *http.Client,
	logger *slog.Logger,
	config FetcherConfig,
) *Fetcher {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 5 << 20
	}
	return &Fetcher{
		sourceRepo:  sourceRepo,
		upserter:    upserter,
		httpClient:  httpClient,
		validateURL: security.ValidateURL,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (f *Fetcher) SetMetrics(m Metrics) {
	f.metrics = m
}

// Fetch はソースをフェッチし、結果に応じてソースのフェッチ状態を更新する。
func (f *Fetcher) Fetch(ctx context.Context, src *model.NewsSource) error {
	start := time.Now()
	state := sourceState{now: f.now()}

	if err := f.validateURL(src.FeedURL); err != nil {
		state.stop(src, fmt.Sprintf("URL検証失敗: %s", err.Error()))
		f.record(MetricStopped)
		f.saveState(ctx, src)
		return fmt.Errorf("URL検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "FanLive/1.0 News Fetcher")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Error("HTTPリクエストに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.FeedURL),
			slog.String("error", err.Error()),
		)
		state.backoff(src, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		f.record(MetricBackoff)
		f.saveState(ctx, src)
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		f.logger.Info("ニュースソースは未変更です（304）",
			slog.String("source_id", src.ID),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
		state.success(src, f.config.Interval)
		f.record(MetricNotModified)
		return f.sourceRepo.UpdateFetchState(ctx, src)

	case FetchResultStop:
		reason := fmt.Sprintf("HTTPステータス %d によりフェッチを停止しました", resp.StatusCode)
		f.logger.Warn("ニュースソースのフェッチを停止します",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.FeedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		state.stop(src, reason)
		f.record(MetricStopped)
		return f.sourceRepo.UpdateFetchState(ctx, src)

	case FetchResultBackoff, FetchResultUnknown:
		f.logger.Warn("ニュースソースのフェッチにバックオフを適用します",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", src.ConsecutiveErrors+1),
		)
		state.backoff(src, fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode))
		f.record(MetricBackoff)
		return f.sourceRepo.UpdateFetchState(ctx, src)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodySize))
	if err != nil {
		state.backoff(src, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		f.record(MetricBackoff)
		return f.sourceRepo.UpdateFetchState(ctx, src)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		src.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		src.LastModified = lastMod
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.FeedURL),
			slog.String("error", err.Error()),
		)
		state.parseFailure(src, err.Error())
		f.record(MetricParseError)
		f.saveState(ctx, src)
		return nil
	}
	if parsed.Title != "" {
		src.Title = parsed.Title
	}

	articles := ConvertItems(parsed.Items)
	inserted, updated, err := f.upserter.UpsertArticles(ctx, src.ID, articles)
	if err != nil {
		f.logger.Error("記事のUPSERTに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		state.parseFailure(src, fmt.Sprintf("記事UPSERT失敗: %s", err.Error()))
		f.record(MetricParseError)
		f.saveState(ctx, src)
		return nil
	}

	state.success(src, f.config.Interval)
	if err := f.sourceRepo.UpdateFetchState(ctx, src); err != nil {
		return err
	}

	f.record(MetricOK)
	if f.metrics != nil {
		f.metrics.AddNewsArticlesUpserted(inserted + updated)
	}
	f.logger.Info("ニュースソースのフェッチが完了しました",
		slog.String("source_id", src.ID),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("articles_inserted", inserted),
		slog.Int("articles_updated", updated),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (f *Fetcher) record(result string) {
	if f.metrics != nil {
		f.metrics.IncNewsFetch(result)
	}
}

func (f *Fetcher) saveState(ctx context.Context, src *model.NewsSource) {
	if err := f.sourceRepo.UpdateFetchState(ctx, src); err != nil {
		f.logger.Error("ニュースソースの状態更新に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ConvertItems はgofeedの記事をParsedArticleに変換する。
func ConvertItems(items []*gofeed.Item) []model.ParsedArticle {
	out := make([]model.ParsedArticle, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		a := model.ParsedArticle{
			GuidOrID: item.GUID,
			Title:    item.Title,
			Link:     item.Link,
			Content:  item.Content,
			Summary:  item.Description,
		}
		if item.Author != nil {
			a.Author = item.Author.Name
		}
		if a.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			a.Author = item.Authors[0].Name
		}
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			a.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			a.PublishedAt = &t
		}
		if a.Content == "" {
			a.Content = item.Description
		}
		if a.Link == "" && (strings.HasPrefix(a.GuidOrID, "http://") || strings.HasPrefix(a.GuidOrID, "https://")) {
			a.Link = a.GuidOrID
		}
		out = append(out, a)
	}
	return out
}
