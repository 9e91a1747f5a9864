// Package cleanup は日次の保守ジョブを提供する。
// 期限切れリフレッシュトークンの削除と、保持期間を超過したニュース記事の削除を行う。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TokenPurger は期限切れリフレッシュトークンを削除する。auth.Service が実装する。
type TokenPurger interface {
	DeleteExpiredTokens(ctx context.Context) (int64, error)
}

// CleanupJob は日次実行のバッチジョブ。どちらの削除も冪等。
type CleanupJob struct {
	db            Executor
	tokens        TokenPurger
	logger        *slog.Logger
	RetentionDays int // ニュース記事の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, tokens TokenPurger, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		tokens:        tokens,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Run は期限切れトークンと古いニュース記事を削除する。
// 一方が失敗してももう一方は実行し、エラーはまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	tokenErr := j.purgeTokens(ctx)
	articleErr := j.purgeArticles(ctx)

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Bool("success", tokenErr == nil && articleErr == nil),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return errors.Join(tokenErr, articleErr)
}

func (j *CleanupJob) purgeTokens(ctx context.Context) error {
	if j.tokens == nil {
		return nil
	}

	deleted, err := j.tokens.DeleteExpiredTokens(ctx)
	if err != nil {
		j.logger.Error("期限切れリフレッシュトークンの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("トークンクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("期限切れリフレッシュトークンを削除しました",
		slog.Int64("deleted_count", deleted),
	)
	return nil
}

// purgeArticles は fetched_at が RetentionDays 日前より古い記事をDELETEする。
func (j *CleanupJob) purgeArticles(ctx context.Context) error {
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM news_articles WHERE fetched_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("ニュース記事クリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("記事クリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("保持期間を超過したニュース記事を削除しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
	)
	return nil
}
