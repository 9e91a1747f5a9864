package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/fanlive/internal/model"
)

// PostgresArtistChannelRepo はPostgreSQLを使用したアーティストチャンネルリポジトリ。
type PostgresArtistChannelRepo struct {
	db *sql.DB
}

// NewPostgresArtistChannelRepo はPostgresArtistChannelRepoを生成する。
func NewPostgresArtistChannelRepo(db *sql.DB) *PostgresArtistChannelRepo {
	return &PostgresArtistChannelRepo{db: db}
}

const selectChannelColumns = `SELECT id, artist_id, platform, channel_handle, is_active, last_crawled_at, created_at, updated_at
		 FROM artist_channels`

const upsertChannelSQL = `INSERT INTO artist_channels
		    (id, artist_id, platform, channel_handle, is_active, last_crawled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		    artist_id = EXCLUDED.artist_id,
		    platform = EXCLUDED.platform,
		    channel_handle = EXCLUDED.channel_handle,
		    is_active = EXCLUDED.is_active,
		    last_crawled_at = EXCLUDED.last_crawled_at,
		    updated_at = now()`

func scanChannel(scanner interface{ Scan(dest ...any) error }) (*model.ArtistChannel, error) {
	ch := &model.ArtistChannel{}
	var lastCrawledAt sql.NullTime
	if err := scanner.Scan(
		&ch.ID, &ch.ArtistID, &ch.Platform, &ch.ChannelHandle, &ch.IsActive,
		&lastCrawledAt, &ch.CreatedAt, &ch.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ch.LastCrawledAt = nullTimeValue(lastCrawledAt)
	return ch, nil
}

// FindByPlatformAndIsActive は指定プラットフォームの有効なチャンネル一覧を返す。
func (r *PostgresArtistChannelRepo) FindByPlatformAndIsActive(ctx context.Context, platform model.Platform) ([]*model.ArtistChannel, error) {
	rows, err := r.db.QueryContext(ctx,
		selectChannelColumns+`
		 WHERE platform = $1 AND is_active = true
		 ORDER BY last_crawled_at ASC NULLS FIRST`,
		platform,
	)
	if err != nil {
		return nil, fmt.Errorf("有効チャンネルの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var channels []*model.ArtistChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("チャンネルの読み取りに失敗しました: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チャンネルの走査に失敗しました: %w", err)
	}
	return channels, nil
}

// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
func (r *PostgresArtistChannelRepo) FindByID(ctx context.Context, id string) (*model.ArtistChannel, error) {
	ch, err := scanChannel(r.db.QueryRowContext(ctx, selectChannelColumns+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}
	return ch, nil
}

// Save はチャンネルを作成または更新する。
func (r *PostgresArtistChannelRepo) Save(ctx context.Context, channel *model.ArtistChannel) error {
	if _, err := r.db.ExecContext(ctx, upsertChannelSQL, channelArgs(channel)...); err != nil {
		return fmt.Errorf("チャンネルの保存に失敗しました (id=%s): %w", channel.ID, err)
	}
	return nil
}

// SaveAll は複数チャンネルを1トランザクションでまとめて保存する。
func (r *PostgresArtistChannelRepo) SaveAll(ctx context.Context, channels []*model.ArtistChannel) error {
	if len(channels) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertChannelSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ch := range channels {
		if _, err := stmt.ExecContext(ctx, channelArgs(ch)...); err != nil {
			return fmt.Errorf("チャンネルの一括保存に失敗しました (id=%s): %w", ch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteAll は指定チャンネルをまとめて削除する。
func (r *PostgresArtistChannelRepo) DeleteAll(ctx context.Context, channels []*model.ArtistChannel) error {
	if len(channels) == 0 {
		return nil
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM artist_channels WHERE id = ANY($1)`,
		pq.Array(ids),
	); err != nil {
		return fmt.Errorf("チャンネルの一括削除に失敗しました: %w", err)
	}
	return nil
}

func channelArgs(ch *model.ArtistChannel) []any {
	return []any{
		ch.ID, ch.ArtistID, ch.Platform, ch.ChannelHandle, ch.IsActive, nullTime(ch.LastCrawledAt),
	}
}

// compile-time interface check
var _ ArtistChannelRepository = (*PostgresArtistChannelRepo)(nil)
