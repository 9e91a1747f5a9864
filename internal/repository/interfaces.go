// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
)

// DBTX は *sql.DB と *sql.Tx の共通インターフェース。
// リポジトリをトランザクション内外のどちらでも使えるようにする。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// RefreshTokenRepository はリフレッシュトークンの永続化インターフェース。
// トークン値はハッシュ化して保存され、平文はDBに残らない。
type RefreshTokenRepository interface {
	// Create はリフレッシュトークンを有効状態で保存する。
	Create(ctx context.Context, token *model.RefreshToken) error

	// FindByToken はトークン値でレコードを検索する。無効化済みのレコードも返す。
	// 見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.RefreshToken, error)

	// Rotate は旧トークンの無効化と新トークンの保存を1トランザクションで行う。
	// 旧トークンが既に無効化されていた場合（競合に負けた場合を含む）は何も変更せず false を返す。
	Rotate(ctx context.Context, oldToken string, next *model.RefreshToken) (bool, error)

	// InvalidateAllByUserID はユーザーの全リフレッシュトークンを無効化し、変更件数を返す。
	InvalidateAllByUserID(ctx context.Context, userID string) (int64, error)

	// DeleteExpired は有効期限を過ぎたレコードを物理削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ArtistChannelRepository はアーティストチャンネルの永続化インターフェース。
type ArtistChannelRepository interface {
	// FindByPlatformAndIsActive は指定プラットフォームの有効なチャンネル一覧を返す。
	FindByPlatformAndIsActive(ctx context.Context, platform model.Platform) ([]*model.ArtistChannel, error)

	// FindByID は指定IDのチャンネルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ArtistChannel, error)

	// Save はチャンネルを作成または更新する。
	Save(ctx context.Context, channel *model.ArtistChannel) error

	// SaveAll は複数チャンネルを1トランザクションでまとめて保存する。
	// 1件でも失敗した場合は全件ロールバックされる。
	SaveAll(ctx context.Context, channels []*model.ArtistChannel) error

	// DeleteAll は指定チャンネルをまとめて削除する。
	DeleteAll(ctx context.Context, channels []*model.ArtistChannel) error
}

// StreamingEventRepository は配信イベントの永続化インターフェース。
type StreamingEventRepository interface {
	// FindByPlatformAndExternalID はプラットフォームと外部IDで検索する。見つからない場合はnilを返す。
	FindByPlatformAndExternalID(ctx context.Context, platform model.Platform, externalID string) (*model.StreamingEvent, error)

	// FindByStreamURL は配信URLの完全一致で検索する。外部IDを持たないレガシー行の互換用。
	// 見つからない場合はnilを返す。
	FindByStreamURL(ctx context.Context, streamURL string) (*model.StreamingEvent, error)

	// FindByStatus は指定状態のイベント一覧を返す。
	FindByStatus(ctx context.Context, status model.EventStatus) ([]*model.StreamingEvent, error)

	// FindByStatusNot は指定状態以外のイベント一覧を返す。
	FindByStatusNot(ctx context.Context, status model.EventStatus) ([]*model.StreamingEvent, error)

	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.StreamingEvent, error)

	// FindByIDForUpdate は指定IDのイベントを行ロック付きで取得する。トランザクション内で使用する。
	FindByIDForUpdate(ctx context.Context, id string) (*model.StreamingEvent, error)

	// Save はイベントを作成または更新する。
	Save(ctx context.Context, event *model.StreamingEvent) error
}

// TxRepositories はトランザクションに束縛されたリポジトリの集合。
type TxRepositories struct {
	Events StreamingEventRepository
}

// TxManager は呼び出し元から独立したトランザクション（作業単位）を提供する。
type TxManager interface {
	// WithinTx は新しいトランザクションを開始して fn を実行する。
	// fn がエラーを返した場合はロールバックし、そのエラーを返す。
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos TxRepositories) error) error
}

// NewsSourceRepository はニュースソースの永続化インターフェース。
type NewsSourceRepository interface {
	// ListDueForFetch はフェッチ対象のソースを取得する。
	// next_fetch_at <= now() かつ fetch_status = 'active' のソースを
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForFetch(ctx context.Context) ([]*model.NewsSource, error)

	// UpdateFetchState はソースのフェッチ状態を更新する。
	UpdateFetchState(ctx context.Context, source *model.NewsSource) error
}

// NewsArticleRepository はニュース記事の永続化インターフェース。
// 記事の同一性判定（3段階の優先順位）とCRUD操作を提供する。
type NewsArticleRepository interface {
	// FindBySourceAndGUID はsource_idとguid_or_idで記事を検索する。見つからない場合はnilを返す。
	FindBySourceAndGUID(ctx context.Context, sourceID, guid string) (*model.NewsArticle, error)

	// FindBySourceAndLink はsource_idとlinkで記事を検索する。見つからない場合はnilを返す。
	FindBySourceAndLink(ctx context.Context, sourceID, link string) (*model.NewsArticle, error)

	// FindByContentHash はsource_idとcontent_hashで記事を検索する。見つからない場合はnilを返す。
	FindByContentHash(ctx context.Context, sourceID, contentHash string) (*model.NewsArticle, error)

	// Create は新規記事を作成する。
	Create(ctx context.Context, article *model.NewsArticle) error

	// Update は既存記事を上書き更新する。
	Update(ctx context.Context, article *model.NewsArticle) error
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime は nil を sql.NullTime に変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue は sql.NullTime からポインタを取得する。
func nullTimeValue(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
