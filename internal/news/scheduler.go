package news

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
)

// SourceFetcher は1ソースのフェッチ処理のインターフェース。
type SourceFetcher interface {
	Fetch(ctx context.Context, src *model.NewsSource) error
}

// Scheduler はフェッチ対象のソースを取得し、最大並列数を制限してフェッチする。
type Scheduler struct {
	sourceRepo     repository.NewsSourceRepository
	fetcher        SourceFetcher
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerを生成する。maxConcurrencyが0以下の場合は5を使う。
func NewScheduler(sourceRepo repository.NewsSourceRepository, fetcher SourceFetcher, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Scheduler{
		sourceRepo:     sourceRepo,
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// RunOnce はフェッチ対象のソースを1回取得し、並列でフェッチする。
// 個別ソースの失敗はログに記録し、サイクル全体は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	sources, err := s.sourceRepo.ListDueForFetch(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		s.logger.Debug("フェッチ対象のニュースソースはありません")
		return nil
	}

	s.logger.Info("ニュースフェッチサイクルを開始します", slog.Int("source_count", len(sources)))

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		sem <- struct{}{}

		go func(src *model.NewsSource) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.fetcher.Fetch(ctx, src); err != nil {
				s.logger.Error("ニュースソースのフェッチに失敗しました",
					slog.String("source_id", src.ID),
					slog.String("feed_url", src.FeedURL),
					slog.String("error", err.Error()),
				)
			}
		}(src)
	}
	wg.Wait()

	s.logger.Info("ニュースフェッチサイクルが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
