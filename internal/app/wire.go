package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/fanlive/internal/auth"
	"github.com/hitoshi/fanlive/internal/config"
	"github.com/hitoshi/fanlive/internal/database"
	"github.com/hitoshi/fanlive/internal/discovery"
	"github.com/hitoshi/fanlive/internal/events"
	"github.com/hitoshi/fanlive/internal/lock"
	"github.com/hitoshi/fanlive/internal/metadata"
	"github.com/hitoshi/fanlive/internal/metrics"
	"github.com/hitoshi/fanlive/internal/model"
	"github.com/hitoshi/fanlive/internal/news"
	"github.com/hitoshi/fanlive/internal/repository"
	"github.com/hitoshi/fanlive/internal/security"
	"github.com/hitoshi/fanlive/internal/worker/cleanup"
)

// services は1プロセス分の依存関係をまとめたもの。
type services struct {
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Collector

	auth      *auth.Service
	discovery *discovery.Service
	refresher *metadata.RefreshService
	news      *news.Scheduler
	cleanup   *cleanup.CleanupJob

	kafka *events.KafkaPublisher
}

// buildServices はDB接続を確立し、全サービスをワイヤリングする。
// 戻り値の services は使用後に Close すること。
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("データベースに接続しました", slog.String("database_url", cfg.MaskedDatabaseURL()))

	s := &services{db: db}

	// 1. メトリクス
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewCollector(s.registry)

	// 2. 多重実行防止ロック（REDIS_URL 未設定時はプロセス内ロック）
	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisURL != "" {
		client, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.redis = client
		locker = lock.NewRedisLocker(client)
		logger.Info("Redisロックを使用します")
	}

	// 3. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	tokenRepo := repository.NewPostgresRefreshTokenRepo(db)
	channelRepo := repository.NewPostgresArtistChannelRepo(db)
	eventRepo := repository.NewPostgresStreamingEventRepo(db)
	sourceRepo := repository.NewPostgresNewsSourceRepo(db)
	articleRepo := repository.NewPostgresNewsArticleRepo(db)
	txManager := repository.NewPostgresTxManager(db)

	sanitizer := security.NewSanitizer()

	// 4. 認証
	s.auth = auth.NewService(
		auth.NewGoogleIDTokenVerifier(auth.GoogleIDTokenConfig{ClientID: cfg.GoogleClientID}),
		userRepo, identRepo, tokenRepo,
		auth.NewTokenCodec(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
	)
	s.auth.SetMetrics(s.metrics)

	// 5. ライブ配信探索
	s.discovery = discovery.NewService(
		channelRepo,
		discovery.NewYtDlpClient(discovery.YtDlpConfig{
			Binary:      cfg.YtDlpPath,
			PlaylistEnd: cfg.YtDlpPlaylistEnd,
			Timeout:     cfg.DiscoveryTimeout,
		}),
		discovery.NewEventUpserter(eventRepo, sanitizer),
		locker,
		s.metrics,
		logger,
		discovery.Config{
			Platform:       model.Platform(cfg.DiscoveryPlatform),
			MaxConcurrency: cfg.DiscoveryMaxConcurrency,
			ChannelDelay:   cfg.DiscoveryChannelDelay,
			LockTTL:        cfg.DiscoveryLockTTL,
		},
	)

	// 6. メタデータ更新（oEmbed → OpenGraph の順に問い合わせ、サーキットブレーカーで保護）
	metadataClient := security.NewSafeClient(cfg.MetadataFetchTimeout)
	fetcher := metadata.NewBreakerFetcher(
		metadata.NewChainFetcher(logger,
			metadata.NewOEmbedClient(metadataClient, logger),
			metadata.NewOpenGraphFetcher(metadataClient),
		),
		metadata.DefaultBreakerConfig("metadata-lookup"),
		logger,
	)

	var publisher metadata.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaMetadataTopic,
		}, logger)
		publisher = events.MultiPublisher{events.NewLogPublisher(logger), s.kafka}
		logger.Info("Kafkaへメタデータ変更イベントを通知します",
			slog.String("topic", cfg.KafkaMetadataTopic),
		)
	}

	updater := metadata.NewTransactionalUpdater(txManager, fetcher, publisher, sanitizer, logger)
	updater.SetMetrics(s.metrics)
	s.refresher = metadata.NewRefreshService(eventRepo, updater, logger, metadata.RefreshConfig{
		ItemDelay:    cfg.MetadataItemDelay,
		FetchTimeout: cfg.MetadataFetchTimeout,
	})
	s.refresher.SetMetrics(s.metrics)

	// 7. ニュース取得
	newsFetcher := news.NewFetcher(
		sourceRepo,
		news.NewArticleUpserter(articleRepo, sanitizer),
		security.NewSafeClient(cfg.NewsFetchTimeout),
		logger,
		news.FetcherConfig{
			Interval:    cfg.NewsFetchInterval,
			MaxBodySize: cfg.NewsFetchMaxSize,
		},
	)
	newsFetcher.SetMetrics(s.metrics)
	s.news = news.NewScheduler(sourceRepo, newsFetcher, logger, cfg.NewsMaxConcurrent)

	// 8. クリーンアップ
	s.cleanup = cleanup.NewCleanupJob(db, s.auth, logger)
	s.cleanup.RetentionDays = cfg.NewsRetentionDays

	return s, nil
}

// HealthCheck はDB（とRedis）の疎通を確認する。
func (s *services) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close は保持している接続を全て閉じる。
func (s *services) Close() error {
	var errs []error
	if s.kafka != nil {
		errs = append(errs, s.kafka.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}
