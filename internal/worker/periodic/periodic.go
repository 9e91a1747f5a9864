// Package periodic は定期実行するバックグラウンドジョブの共通ループを提供する。
package periodic

import (
	"context"
	"log/slog"
	"time"
)

// Job は1回分の処理。
type Job func(ctx context.Context) error

// Runner はジョブを一定間隔で実行する。
type Runner struct {
	name   string
	job    Job
	logger *slog.Logger
}

// NewRunner はRunnerを生成する。name はログに出力するジョブ名。
func NewRunner(name string, job Job, logger *slog.Logger) *Runner {
	return &Runner{name: name, job: job, logger: logger}
}

// Start は起動直後に1回実行し、以後 interval ごとにジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
// 実行中のジョブが interval を超えた場合、次の実行はスキップされる。
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("定期ジョブを開始しました",
		slog.String("job", r.name),
		slog.Duration("interval", interval),
	)

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("定期ジョブを停止しました", slog.String("job", r.name))
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce はジョブを1回実行する。エラーはログに記録し、呼び出し元には返さない。
func (r *Runner) RunOnce(ctx context.Context) {
	start := time.Now()
	if err := r.job(ctx); err != nil {
		r.logger.Error("定期ジョブの実行に失敗しました",
			slog.String("job", r.name),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
}
