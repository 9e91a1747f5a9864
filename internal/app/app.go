// Package app はコマンドラインの各起動モード（API・ワーカー・マイグレーション・単発バッチ）を実装する。
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/fanlive/internal/config"
	"github.com/hitoshi/fanlive/internal/database"
	"github.com/hitoshi/fanlive/internal/discovery"
	"github.com/hitoshi/fanlive/internal/handler"
	"github.com/hitoshi/fanlive/internal/logger"
	"github.com/hitoshi/fanlive/internal/metadata"
	"github.com/hitoshi/fanlive/internal/metrics"
	"github.com/hitoshi/fanlive/internal/middleware"
	"github.com/hitoshi/fanlive/internal/worker/periodic"
)

// cleanupInterval はクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// runContext は各起動モードに渡す実行時情報。
type runContext struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer // 単発バッチの結果出力先
}

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、設定を読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, component string) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, "info", component)

	// 2. 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
	log = logger.SetupDefault(w, cfg.LogLevel, component)
	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信するとコンテキストをキャンセルする。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// runWithConfig は設定とロガーを初期化してから起動モードを実行する。
func runWithConfig(cmd *cobra.Command, w io.Writer, command Command, run func(rc *runContext) error) error {
	cfg, log, err := Init(w, string(command))
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("アプリケーションを起動します",
		slog.String("command", string(command)),
		slog.String("port", cfg.ServerPort),
	)

	return run(&runContext{
		ctx:    cmd.Context(),
		cfg:    cfg,
		logger: log,
		out:    cmd.OutOrStdout(),
	})
}

// runServe はAPIサーバーモードで起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(rc *runContext) error {
	svc, err := buildServices(rc.ctx, rc.cfg, rc.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	authLimiter := middleware.NewRateLimiter("auth", middleware.AuthRateLimiterConfig(), middleware.ClientIPKey, rc.logger)
	defer authLimiter.Stop()
	apiLimiter := middleware.NewRateLimiter("api", middleware.DefaultRateLimiterConfig(), middleware.UserKey, rc.logger)
	defer apiLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             rc.logger,
		CORSAllowedOrigins: rc.cfg.CORSAllowedOrigins,
		AdminEmails:        rc.cfg.AdminEmails,
		Authenticator:      svc.auth,
		AuthService:        svc.auth,
		Discovery:          svc.discovery,
		Refresher:          svc.refresher,
		AuthLimiter:        authLimiter,
		APILimiter:         apiLimiter,
		MetricsHandler:     metrics.Handler(svc.registry),
		HealthCheck:        svc.HealthCheck,
	})

	server := &http.Server{
		Addr:         ":" + rc.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		rc.logger.Info("APIサーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-rc.ctx.Done():
	}
	rc.logger.Info("APIサーバーを停止しています")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	rc.logger.Info("APIサーバーを停止しました")
	return nil
}

// runWorker はワーカーモードで起動する。
// 探索・メタデータ更新・ニュース取得・クリーンアップの各ジョブをそれぞれの間隔で実行し、
// コンテキストがキャンセルされると全ジョブの終了を待って戻る。
func runWorker(rc *runContext) error {
	svc, err := buildServices(rc.ctx, rc.cfg, rc.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	type schedule struct {
		runner   *periodic.Runner
		interval time.Duration
	}
	schedules := []schedule{
		{periodic.NewRunner("discovery", discoveryJob(svc.discovery, rc.logger), rc.logger), rc.cfg.DiscoveryInterval},
		{periodic.NewRunner("metadata-refresh", metadataJob(svc.refresher, rc.logger), rc.logger), rc.cfg.MetadataRefreshInterval},
		{periodic.NewRunner("news", svc.news.RunOnce, rc.logger), rc.cfg.NewsSchedulerInterval},
		{periodic.NewRunner("cleanup", svc.cleanup.Run, rc.logger), cleanupInterval},
	}

	rc.logger.Info("ワーカーを起動します",
		slog.Duration("discovery_interval", rc.cfg.DiscoveryInterval),
		slog.Duration("metadata_refresh_interval", rc.cfg.MetadataRefreshInterval),
		slog.Int("discovery_max_concurrency", rc.cfg.DiscoveryMaxConcurrency),
	)

	g, ctx := errgroup.WithContext(rc.ctx)
	for _, s := range schedules {
		s := s
		g.Go(func() error {
			s.runner.Start(ctx, s.interval)
			return nil
		})
	}
	err = g.Wait()

	rc.logger.Info("ワーカーを停止しました")
	return err
}

// discoveryJob は探索1回分を定期ジョブに変換する。実行中の探索と重なった場合はスキップする。
func discoveryJob(svc handler.DiscoveryRunner, log *slog.Logger) periodic.Job {
	return func(ctx context.Context) error {
		result, err := svc.DiscoverAllChannels(ctx)
		if errors.Is(err, discovery.ErrDiscoveryInProgress) {
			log.Info("他の探索が実行中のためスキップしました")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("探索が完了しました",
			slog.Int("total", result.Total),
			slog.Int("upserted", result.Upserted),
			slog.Int("channels_failed", result.ChannelsFailed),
		)
		return nil
	}
}

// metadataJob は配信中イベントのメタデータ更新を定期ジョブに変換する。
func metadataJob(svc handler.MetadataRefresher, log *slog.Logger) periodic.Job {
	return func(ctx context.Context) error {
		result, err := svc.RefreshLiveEvents(ctx)
		if err != nil {
			return err
		}
		log.Info("メタデータ更新が完了しました",
			slog.Int("total", result.Total),
			slog.Int("updated", result.Updated),
			slog.Int("failed", result.Failed),
		)
		return nil
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(rc *runContext) error {
	rc.logger.Info("マイグレーションを実行します",
		slog.String("database_url", rc.cfg.MaskedDatabaseURL()),
	)

	if err := database.RunMigrations(rc.cfg.DatabaseURL, rc.logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// runDiscover は探索を1回実行し、集計結果をJSONで出力する。
func runDiscover(rc *runContext) error {
	svc, err := buildServices(rc.ctx, rc.cfg, rc.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.discovery.DiscoverAllChannels(rc.ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	return writeResult(rc.out, result)
}

// runRefreshMetadata はメタデータ更新を1回実行し、結果をJSONで出力する。
func runRefreshMetadata(rc *runContext, scope refreshScope) error {
	svc, err := buildServices(rc.ctx, rc.cfg, rc.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	return refreshMetadata(rc.ctx, rc.out, svc.refresher, scope)
}

func refreshMetadata(ctx context.Context, out io.Writer, refresher handler.MetadataRefresher, scope refreshScope) error {
	var (
		result *metadata.RefreshResult
		err    error
	)
	switch {
	case scope.eventID != "":
		updated, err := refresher.RefreshEvent(ctx, scope.eventID)
		if err != nil {
			return fmt.Errorf("metadata refresh failed for event %s: %w", scope.eventID, err)
		}
		return writeResult(out, map[string]any{"event_id": scope.eventID, "updated": updated})
	case scope.all:
		result, err = refresher.RefreshAllEvents(ctx)
	default:
		result, err = refresher.RefreshLiveEvents(ctx)
	}
	if err != nil {
		return fmt.Errorf("metadata refresh failed: %w", err)
	}
	return writeResult(out, result)
}

func writeResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
