package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/fanlive/internal/model"
)

// PostgresStreamingEventRepo はPostgreSQLを使用した配信イベントリポジトリ。
// *sql.DB と *sql.Tx のどちらでも動作する。
type PostgresStreamingEventRepo struct {
	db DBTX
}

// NewPostgresStreamingEventRepo はPostgresStreamingEventRepoを生成する。
func NewPostgresStreamingEventRepo(db DBTX) *PostgresStreamingEventRepo {
	return &PostgresStreamingEventRepo{db: db}
}

const selectEventColumns = `SELECT id, title, description, platform, external_id, stream_url, source_url,
		        thumbnail_url, artist_id, scheduled_at, started_at, ended_at, status,
		        viewer_count, created_at, updated_at
		 FROM streaming_events`

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*model.StreamingEvent, error) {
	ev := &model.StreamingEvent{}
	var description, platform, externalID, sourceURL, thumbnailURL, artistID sql.NullString
	var scheduledAt, startedAt, endedAt sql.NullTime
	if err := scanner.Scan(
		&ev.ID, &ev.Title, &description, &platform, &externalID, &ev.StreamURL, &sourceURL,
		&thumbnailURL, &artistID, &scheduledAt, &startedAt, &endedAt, &ev.Status,
		&ev.ViewerCount, &ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ev.Description = nullStringValue(description)
	ev.Platform = model.Platform(nullStringValue(platform))
	ev.ExternalID = nullStringValue(externalID)
	ev.SourceURL = nullStringValue(sourceURL)
	ev.ThumbnailURL = nullStringValue(thumbnailURL)
	ev.ArtistID = nullStringValue(artistID)
	ev.ScheduledAt = nullTimeValue(scheduledAt)
	ev.StartedAt = nullTimeValue(startedAt)
	ev.EndedAt = nullTimeValue(endedAt)
	return ev, nil
}

func (r *PostgresStreamingEventRepo) findOne(ctx context.Context, query string, args ...any) (*model.StreamingEvent, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *PostgresStreamingEventRepo) findMany(ctx context.Context, query string, args ...any) ([]*model.StreamingEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.StreamingEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// FindByPlatformAndExternalID はプラットフォームと外部IDで検索する。見つからない場合はnilを返す。
func (r *PostgresStreamingEventRepo) FindByPlatformAndExternalID(ctx context.Context, platform model.Platform, externalID string) (*model.StreamingEvent, error) {
	ev, err := r.findOne(ctx, selectEventColumns+` WHERE platform = $1 AND external_id = $2`, platform, externalID)
	if err != nil {
		return nil, fmt.Errorf("外部IDによる配信イベントの検索に失敗しました: %w", err)
	}
	return ev, nil
}

// FindByStreamURL は配信URLの完全一致で検索する。見つからない場合はnilを返す。
func (r *PostgresStreamingEventRepo) FindByStreamURL(ctx context.Context, streamURL string) (*model.StreamingEvent, error) {
	ev, err := r.findOne(ctx, selectEventColumns+` WHERE stream_url = $1 ORDER BY created_at ASC LIMIT 1`, streamURL)
	if err != nil {
		return nil, fmt.Errorf("配信URLによる配信イベントの検索に失敗しました: %w", err)
	}
	return ev, nil
}

// FindByStatus は指定状態のイベント一覧を返す。
func (r *PostgresStreamingEventRepo) FindByStatus(ctx context.Context, status model.EventStatus) ([]*model.StreamingEvent, error) {
	events, err := r.findMany(ctx, selectEventColumns+` WHERE status = $1 ORDER BY scheduled_at ASC NULLS LAST`, status)
	if err != nil {
		return nil, fmt.Errorf("状態による配信イベントの取得に失敗しました (status=%s): %w", status, err)
	}
	return events, nil
}

// FindByStatusNot は指定状態以外のイベント一覧を返す。
func (r *PostgresStreamingEventRepo) FindByStatusNot(ctx context.Context, status model.EventStatus) ([]*model.StreamingEvent, error) {
	events, err := r.findMany(ctx, selectEventColumns+` WHERE status <> $1 ORDER BY scheduled_at ASC NULLS LAST`, status)
	if err != nil {
		return nil, fmt.Errorf("状態による配信イベントの取得に失敗しました (status<>%s): %w", status, err)
	}
	return events, nil
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresStreamingEventRepo) FindByID(ctx context.Context, id string) (*model.StreamingEvent, error) {
	ev, err := r.findOne(ctx, selectEventColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("配信イベントの取得に失敗しました: %w", err)
	}
	return ev, nil
}

// FindByIDForUpdate は指定IDのイベントを行ロック付きで取得する。
func (r *PostgresStreamingEventRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.StreamingEvent, error) {
	ev, err := r.findOne(ctx, selectEventColumns+` WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("配信イベントのロック取得に失敗しました: %w", err)
	}
	return ev, nil
}

// Save はイベントを作成または更新する。
func (r *PostgresStreamingEventRepo) Save(ctx context.Context, ev *model.StreamingEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO streaming_events
		    (id, title, description, platform, external_id, stream_url, source_url,
		     thumbnail_url, artist_id, scheduled_at, started_at, ended_at, status,
		     viewer_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		    title = EXCLUDED.title,
		    description = EXCLUDED.description,
		    platform = EXCLUDED.platform,
		    external_id = EXCLUDED.external_id,
		    stream_url = EXCLUDED.stream_url,
		    source_url = EXCLUDED.source_url,
		    thumbnail_url = EXCLUDED.thumbnail_url,
		    artist_id = EXCLUDED.artist_id,
		    scheduled_at = EXCLUDED.scheduled_at,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at,
		    status = EXCLUDED.status,
		    viewer_count = EXCLUDED.viewer_count,
		    updated_at = now()`,
		ev.ID, ev.Title, nullString(ev.Description), nullString(string(ev.Platform)),
		nullString(ev.ExternalID), ev.StreamURL, nullString(ev.SourceURL),
		nullString(ev.ThumbnailURL), nullString(ev.ArtistID),
		nullTime(ev.ScheduledAt), nullTime(ev.StartedAt), nullTime(ev.EndedAt),
		ev.Status, ev.ViewerCount,
	)
	if err != nil {
		return fmt.Errorf("配信イベントの保存に失敗しました (id=%s): %w", ev.ID, err)
	}
	return nil
}

// PostgresTxManager はPostgreSQLトランザクションで作業単位を提供する。
type PostgresTxManager struct {
	db *sql.DB
}

// NewPostgresTxManager はPostgresTxManagerを生成する。
func NewPostgresTxManager(db *sql.DB) *PostgresTxManager {
	return &PostgresTxManager{db: db}
}

// WithinTx は新しいトランザクションを開始して fn を実行する。
// 呼び出し元のトランザクションとは独立してコミット・ロールバックされる。
func (m *PostgresTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, repos TxRepositories) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, TxRepositories{Events: NewPostgresStreamingEventRepo(tx)}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ StreamingEventRepository = (*PostgresStreamingEventRepo)(nil)
	_ TxManager                = (*PostgresTxManager)(nil)
)
