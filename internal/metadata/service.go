package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
)

// リフレッシュ結果のメトリクスラベル。
const (
	ResultUpdated = "updated"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Metrics はメタデータ更新のメトリクス記録先。
type Metrics interface {
	IncMetadataRefresh(result string)
	IncMetadataChanges()
}

// EventUpdater は1件の配信イベントを更新する処理のインターフェース。
type EventUpdater interface {
	UpdateEventMetadata(ctx context.Context, event *model.StreamingEvent) (bool, error)
}

// RefreshConfig はバッチ処理の設定。
type RefreshConfig struct {
	// ItemDelay はイベント間の最低間隔。0の場合は待機しない。
	ItemDelay time.Duration
	// FetchTimeout は1イベントあたりの更新タイムアウト。0の場合は設定しない。
	FetchTimeout time.Duration
}

// DefaultRefreshConfig はデフォルト設定を返す。
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		ItemDelay:    time.Second,
		FetchTimeout: 10 * time.Second,
	}
}

// RefreshResult はバッチ1回分の集計結果。
type RefreshResult struct {
	Total   int      `json:"total"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// RefreshService は配信イベントのメタデータをまとめて更新する。
// イベントは逐次処理し、1件の失敗でバッチを中断しない。
// バッチ全体を1つのトランザクションで包まず、イベントごとに独立してコミットする。
type RefreshService struct {
	eventRepo repository.StreamingEventRepository
	updater   EventUpdater
	metrics   Metrics
	logger    *slog.Logger
	config    RefreshConfig
}

// NewRefreshService はRefreshServiceを生成する。
func NewRefreshService(
	eventRepo repository.StreamingEventRepository,
	updater EventUpdater,
	logger *slog.Logger,
	config RefreshConfig,
) *RefreshService {
	return &RefreshService{
		eventRepo: eventRepo,
		updater:   updater,
		logger:    logger,
		config:    config,
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (s *RefreshService) SetMetrics(m Metrics) {
	s.metrics = m
}

// RefreshLiveEvents は配信中（LIVE）のイベントのメタデータを更新する。
func (s *RefreshService) RefreshLiveEvents(ctx context.Context) (*RefreshResult, error) {
	events, err := s.eventRepo.FindByStatus(ctx, model.EventStatusLive)
	if err != nil {
		return nil, fmt.Errorf("配信中イベントの取得に失敗しました: %w", err)
	}
	return s.refreshBatch(ctx, "live", events), nil
}

// RefreshAllEvents は終了していない（ENDED以外の）イベントのメタデータを更新する。
func (s *RefreshService) RefreshAllEvents(ctx context.Context) (*RefreshResult, error) {
	events, err := s.eventRepo.FindByStatusNot(ctx, model.EventStatusEnded)
	if err != nil {
		return nil, fmt.Errorf("未終了イベントの取得に失敗しました: %w", err)
	}
	return s.refreshBatch(ctx, "all", events), nil
}

// RefreshEvent は指定IDのイベントのメタデータを更新する。
// イベントが存在しない場合は false, nil を返す。
func (s *RefreshService) RefreshEvent(ctx context.Context, eventID string) (bool, error) {
	event, err := s.eventRepo.FindByID(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("配信イベントの取得に失敗しました: %w", err)
	}
	if event == nil {
		return false, nil
	}

	updated, err := s.updateOne(ctx, event)
	s.record(updated, err)
	return updated, err
}

func (s *RefreshService) refreshBatch(ctx context.Context, scope string, events []*model.StreamingEvent) *RefreshResult {
	start := time.Now()
	result := &RefreshResult{Total: len(events), Errors: []string{}}

	s.logger.Info("メタデータ更新を開始します",
		slog.String("scope", scope),
		slog.Int("event_count", len(events)),
	)

	var limiter *rate.Limiter
	if s.config.ItemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.config.ItemDelay), 1)
	}

	for i, event := range events {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				remaining := len(events) - i
				result.Failed += remaining
				result.Errors = append(result.Errors, fmt.Sprintf("canceled with %d events remaining: %v", remaining, err))
				break
			}
		}

		updated, err := s.updateOne(ctx, event)
		s.record(updated, err)
		switch {
		case err != nil:
			s.logger.Warn("配信イベントのメタデータ更新に失敗しました",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", event.ID, err))
		case !updated:
			result.Failed++
		default:
			result.Updated++
		}
	}

	s.logger.Info("メタデータ更新が完了しました",
		slog.String("scope", scope),
		slog.Int("total", result.Total),
		slog.Int("updated", result.Updated),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result
}

func (s *RefreshService) updateOne(ctx context.Context, event *model.StreamingEvent) (bool, error) {
	if s.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.FetchTimeout)
		defer cancel()
	}
	return s.updater.UpdateEventMetadata(ctx, event)
}

func (s *RefreshService) record(updated bool, err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err != nil:
		s.metrics.IncMetadataRefresh(ResultFailed)
	case !updated:
		s.metrics.IncMetadataRefresh(ResultSkipped)
	default:
		s.metrics.IncMetadataRefresh(ResultUpdated)
	}
}
