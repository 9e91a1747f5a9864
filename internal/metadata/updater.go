package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/repository"
	"github.com/hitoshi/fanlive/internal/security"
)

// Publisher はメタデータ変更イベントの通知先。
// 通知は投げっぱなしで、失敗は実装側でログに記録する。
type Publisher interface {
	Publish(ctx context.Context, event model.MetadataChanged)
}

// TransactionalUpdater は1件の配信イベントのメタデータを独立したトランザクションで更新する。
type TransactionalUpdater struct {
	txManager repository.TxManager
	fetcher   Fetcher
	publisher Publisher
	sanitizer *security.Sanitizer
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewTransactionalUpdater はTransactionalUpdaterを生成する。
func NewTransactionalUpdater(
	txManager repository.TxManager,
	fetcher Fetcher,
	publisher Publisher,
	sanitizer *security.Sanitizer,
	logger *slog.Logger,
) *TransactionalUpdater {
	return &TransactionalUpdater{
		txManager: txManager,
		fetcher:   fetcher,
		publisher: publisher,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// SetMetrics はメタデータ変更件数の記録先を設定する。
func (u *TransactionalUpdater) SetMetrics(m Metrics) {
	u.metrics = m
}

// UpdateEventMetadata は配信イベントのタイトルとサムネイルを外部ルックアップの結果で更新する。
//
// 戻り値:
//   - 配信URLから動画IDを取り出せない場合、またはメタデータが見つからない場合は false, nil（イベントは変更しない）
//   - 取得・保存のエラーはそのまま返す（トランザクションはロールバックされる）
//   - 更新を保存した場合は true, nil
//
// タイトルまたはサムネイルが実際に変わった場合のみ、コミット後に変更イベントを通知する。
func (u *TransactionalUpdater) UpdateEventMetadata(ctx context.Context, event *model.StreamingEvent) (bool, error) {
	videoID, ok := ExtractVideoID(event.StreamURL)
	if !ok {
		u.logger.Warn("配信URLから動画IDを取得できません",
			slog.String("event_id", event.ID),
			slog.String("stream_url", event.StreamURL),
		)
		return false, nil
	}

	meta, err := u.fetcher.FetchMetadata(ctx, videoID)
	if err != nil {
		return false, fmt.Errorf("メタデータの取得に失敗しました: %w", err)
	}
	if meta == nil {
		return false, nil
	}

	newTitle := u.sanitizer.Text(meta.Title)
	newThumbnail := meta.ThumbnailURL

	var change *model.MetadataChanged
	found := false
	err = u.txManager.WithinTx(ctx, func(ctx context.Context, repos repository.TxRepositories) error {
		current, err := repos.Events.FindByIDForUpdate(ctx, event.ID)
		if err != nil {
			return fmt.Errorf("配信イベントの取得に失敗しました: %w", err)
		}
		if current == nil {
			return nil
		}
		found = true

		oldTitle, oldThumbnail := current.Title, current.ThumbnailURL
		if newTitle != "" {
			current.Title = newTitle
		}
		if newThumbnail != "" {
			current.ThumbnailURL = newThumbnail
		}

		if err := repos.Events.Save(ctx, current); err != nil {
			return fmt.Errorf("配信イベントの保存に失敗しました: %w", err)
		}

		titleChanged := current.Title != oldTitle
		thumbnailChanged := current.ThumbnailURL != oldThumbnail
		if titleChanged || thumbnailChanged {
			change = &model.MetadataChanged{
				EventID:          current.ID,
				OldTitle:         oldTitle,
				NewTitle:         current.Title,
				OldThumbnailURL:  oldThumbnail,
				NewThumbnailURL:  current.ThumbnailURL,
				TitleChanged:     titleChanged,
				ThumbnailChanged: thumbnailChanged,
				OccurredAt:       u.now().UTC(),
			}
		}
		*event = *current
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if change != nil {
		u.logger.Info("配信イベントのメタデータが変更されました",
			slog.String("event_id", change.EventID),
			slog.Bool("title_changed", change.TitleChanged),
			slog.Bool("thumbnail_changed", change.ThumbnailChanged),
		)
		if u.metrics != nil {
			u.metrics.IncMetadataChanges()
		}
		u.publisher.Publish(ctx, *change)
	}
	return true, nil
}
