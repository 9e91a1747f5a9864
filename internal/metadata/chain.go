package metadata

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hitoshi/fanlive/internal/model"
)

// ChainFetcher は複数のFetcherを順に試し、最初に得られたメタデータを返す。
type ChainFetcher struct {
	fetchers []Fetcher
	logger   *slog.Logger
}

// NewChainFetcher はChainFetcherを生成する。
func NewChainFetcher(logger *slog.Logger, fetchers ...Fetcher) *ChainFetcher {
	return &ChainFetcher{fetchers: fetchers, logger: logger}
}

// FetchMetadata は各Fetcherを順に呼び出す。
// いずれかがメタデータを返せばそれを返す。全てがエラーの場合は最後のエラーを返し、
// 1つでもエラーなしで nil を返したものがあれば nil, nil を返す。
func (c *ChainFetcher) FetchMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error) {
	var lastErr error
	notFound := false
	for _, f := range c.fetchers {
		meta, err := f.FetchMetadata(ctx, videoID)
		if err != nil {
			c.logger.Warn("メタデータの取得に失敗したため次の取得元を試します",
				slog.String("video_id", videoID),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}
		if meta != nil {
			return meta, nil
		}
		notFound = true
	}
	if notFound {
		return nil, nil
	}
	return nil, lastErr
}

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32        // half-open状態で許可するリクエスト数
	Interval     time.Duration // closed状態でカウントをリセットする周期
	Timeout      time.Duration // open状態からhalf-openへ移行するまでの時間
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig はデフォルトのサーキットブレーカー設定を返す。
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// BreakerFetcher はFetcherをサーキットブレーカーで保護する。
// 外部ルックアップが連続して失敗した場合、一定時間は呼び出さずに gobreaker.ErrOpenState を返す。
type BreakerFetcher struct {
	next    Fetcher
	breaker *gobreaker.CircuitBreaker[*model.VideoMetadata]
}

// NewBreakerFetcher はBreakerFetcherを生成する。
func NewBreakerFetcher(next Fetcher, cfg BreakerConfig, logger *slog.Logger) *BreakerFetcher {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// 呼び出し元のキャンセルは外部サービスの障害として数えない
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &BreakerFetcher{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[*model.VideoMetadata](settings),
	}
}

// FetchMetadata はサーキットブレーカー経由でメタデータを取得する。
func (b *BreakerFetcher) FetchMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error) {
	return b.breaker.Execute(func() (*model.VideoMetadata, error) {
		return b.next.FetchMetadata(ctx, videoID)
	})
}

// State はサーキットブレーカーの現在の状態を返す。
func (b *BreakerFetcher) State() gobreaker.State {
	return b.breaker.State()
}

var (
	_ Fetcher = (*ChainFetcher)(nil)
	_ Fetcher = (*BreakerFetcher)(nil)
)
