// Package discovery はアーティストチャンネルからライブ配信を発見し、配信イベントとして保存する。
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/fanlive/internal/lock"
	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
)

// ErrDiscoveryInProgress は別のワーカーが同じプラットフォームの探索を実行中の場合のエラー。
var ErrDiscoveryInProgress = errors.New("discovery already in progress")

// StreamDiscoverer はチャンネルの配信一覧を取得する外部ソースのインターフェース。
type StreamDiscoverer interface {
	DiscoverChannelStreams(ctx context.Context, handle string) ([]model.DiscoveredStream, error)
}

// Upserter は発見した配信の保存処理のインターフェース。
type Upserter interface {
	Upsert(ctx context.Context, artistID string, stream model.DiscoveredStream) (*UpsertResult, error)
}

// Metrics は探索処理のメトリクス記録先。
type Metrics interface {
	IncDiscoveryChannelsProcessed()
	IncDiscoveryChannelsFailed()
	AddDiscoveryStreamsDiscovered(n int)
	IncDiscoveryStreamsUpserted()
	ObserveDiscoveryRun(d time.Duration)
}

// Config は探索処理の設定。
type Config struct {
	Platform       model.Platform
	MaxConcurrency int           // 同時に探索するチャンネル数の上限
	ChannelDelay   time.Duration // 各チャンネルの探索前に待つ時間
	LockTTL        time.Duration // 多重実行防止ロックの有効期間
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Platform:       model.PlatformYouTube,
		MaxConcurrency: 3,
		LockTTL:        10 * time.Minute,
	}
}

// Result は探索1回分の集計結果。
type Result struct {
	Total             int      `json:"total"`
	Upserted          int      `json:"upserted"`
	Failed            int      `json:"failed"`
	Errors            []string `json:"errors"`
	ChannelsProcessed int      `json:"channels_processed"`
	ChannelsFailed    int      `json:"channels_failed"`
	DurationMs        int64    `json:"duration_ms"`
}

// channelResult は1チャンネル分の結果。各ゴルーチンは自分の要素だけに書き込む。
type channelResult struct {
	attempted int
	upserted  int
	failed    int
	errors    []string
	crawled   bool
}

// Service は有効な全チャンネルを並列に探索する。
type Service struct {
	channelRepo repository.ArtistChannelRepository
	discoverer  StreamDiscoverer
	upserter    Upserter
	locker      lock.Locker
	metrics     Metrics
	logger      *slog.Logger
	config      Config
	now         func() time.Time
}

// NewService はServiceを生成する。locker と metrics は nil でもよい。
func NewService(
	channelRepo repository.ArtistChannelRepository,
	discoverer StreamDiscoverer,
	upserter Upserter,
	locker lock.Locker,
	metrics Metrics,
	logger *slog.Logger,
	config Config,
) *Service {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	if config.Platform == "" {
		config.Platform = model.PlatformYouTube
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 10 * time.Minute
	}
	return &Service{
		channelRepo: channelRepo,
		discoverer:  discoverer,
		upserter:    upserter,
		locker:      locker,
		metrics:     metrics,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// DiscoverAllChannels は有効な全チャンネルを最大 MaxConcurrency 並列で探索し、集計結果を返す。
//
// 1チャンネルの失敗は errors に記録して他のチャンネルの処理を継続する。
// 返却するエラーはチャンネル一覧の取得失敗やロック取得失敗など、探索全体が実行できない場合に限る。
func (s *Service) DiscoverAllChannels(ctx context.Context) (*Result, error) {
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "discovery:"+string(s.config.Platform), s.config.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("探索ロックの取得に失敗しました: %w", err)
		}
		if !ok {
			return nil, ErrDiscoveryInProgress
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("探索ロックの解放に失敗しました", slog.String("error", err.Error()))
			}
		}()
	}

	start := time.Now()
	channels, err := s.channelRepo.FindByPlatformAndIsActive(ctx, s.config.Platform)
	if err != nil {
		return nil, fmt.Errorf("有効チャンネルの取得に失敗しました: %w", err)
	}

	s.logger.Info("配信探索を開始します",
		slog.String("platform", string(s.config.Platform)),
		slog.Int("channel_count", len(channels)),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
	)

	results := make([]channelResult, len(channels))
	var g errgroup.Group
	g.SetLimit(s.config.MaxConcurrency)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = s.processChannel(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{Errors: []string{}}
	var crawled []*model.ArtistChannel
	for i, r := range results {
		result.Total += r.attempted
		result.Upserted += r.upserted
		result.Failed += r.failed
		result.Errors = append(result.Errors, r.errors...)
		result.ChannelsProcessed++
		if r.crawled {
			crawled = append(crawled, channels[i])
		} else {
			result.ChannelsFailed++
		}
	}

	s.saveChannels(ctx, crawled)

	elapsed := time.Since(start)
	result.DurationMs = elapsed.Milliseconds()
	if s.metrics != nil {
		s.metrics.ObserveDiscoveryRun(elapsed)
	}

	s.logger.Info("配信探索が完了しました",
		slog.Int("channel_count", len(channels)),
		slog.Int("total", result.Total),
		slog.Int("upserted", result.Upserted),
		slog.Int("failed", result.Failed),
		slog.Int("error_count", len(result.Errors)),
		slog.Float64("duration_ms", float64(elapsed.Milliseconds())),
	)
	return result, nil
}

// processChannel は1チャンネルを探索し、発見した配信を全てUPSERTする。
func (s *Service) processChannel(ctx context.Context, ch *model.ArtistChannel) channelResult {
	var r channelResult

	if s.config.ChannelDelay > 0 {
		select {
		case <-ctx.Done():
			r.errors = append(r.errors, fmt.Sprintf("channel %s: %v", ch.ChannelHandle, ctx.Err()))
			s.incChannelsFailed()
			return r
		case <-time.After(s.config.ChannelDelay):
		}
	}

	streams, err := s.discoverer.DiscoverChannelStreams(ctx, ch.ChannelHandle)
	if s.metrics != nil {
		s.metrics.IncDiscoveryChannelsProcessed()
	}
	if err != nil {
		s.logger.Warn("チャンネルの探索に失敗しました",
			slog.String("channel_id", ch.ID),
			slog.String("channel_handle", ch.ChannelHandle),
			slog.String("error", err.Error()),
		)
		r.errors = append(r.errors, fmt.Sprintf("channel %s: %v", ch.ChannelHandle, err))
		s.incChannelsFailed()
		return r
	}
	if s.metrics != nil {
		s.metrics.AddDiscoveryStreamsDiscovered(len(streams))
	}

	for _, stream := range streams {
		r.attempted++
		if _, err := s.upserter.Upsert(ctx, ch.ArtistID, stream); err != nil {
			s.logger.Warn("配信イベントの保存に失敗しました",
				slog.String("channel_id", ch.ID),
				slog.String("external_id", stream.ExternalID),
				slog.String("error", err.Error()),
			)
			r.failed++
			r.errors = append(r.errors, fmt.Sprintf("stream %s: %v", stream.ExternalID, err))
			continue
		}
		r.upserted++
		if s.metrics != nil {
			s.metrics.IncDiscoveryStreamsUpserted()
		}
	}

	now := s.now()
	ch.LastCrawledAt = &now
	r.crawled = true
	return r
}

func (s *Service) incChannelsFailed() {
	if s.metrics != nil {
		s.metrics.IncDiscoveryChannelsFailed()
	}
}

// saveChannels はチャンネルの最終探索日時をまとめて保存する。
// 一括保存に失敗した場合は1件ずつ保存し、個別の失敗は警告ログのみとする。
// 探索結果の正しさには影響しない付帯情報のため、集計結果の errors には含めない。
func (s *Service) saveChannels(ctx context.Context, channels []*model.ArtistChannel) {
	if len(channels) == 0 {
		return
	}

	err := s.channelRepo.SaveAll(ctx, channels)
	if err == nil {
		return
	}
	s.logger.Warn("チャンネルの一括保存に失敗したため個別保存に切り替えます",
		slog.Int("channel_count", len(channels)),
		slog.String("error", err.Error()),
	)

	for _, ch := range channels {
		if err := s.channelRepo.Save(ctx, ch); err != nil {
			s.logger.Warn("チャンネルの保存に失敗しました",
				slog.String("channel_id", ch.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
