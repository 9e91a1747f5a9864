package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/fanlive/internal/model"
)

// HashToken はトークン値を保存用のSHA-256ハッシュ（16進）に変換する。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PostgresRefreshTokenRepo はPostgreSQLを使用したリフレッシュトークンリポジトリ。
type PostgresRefreshTokenRepo struct {
	db *sql.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sql.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

const insertRefreshTokenSQL = `INSERT INTO refresh_tokens (id, token_hash, user_id, expires_at, invalidated, created_at)
		 VALUES ($1, $2, $3, $4, false, $5)`

// Create はリフレッシュトークンを有効状態で保存する。
func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, insertRefreshTokenSQL,
		token.ID, HashToken(token.Token), token.UserID, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの保存に失敗しました: %w", err)
	}
	return nil
}

// FindByToken はトークン値でレコードを検索する。見つからない場合はnilを返す。
// 返却されるレコードの Token には呼び出し元が渡した平文を設定する。
func (r *PostgresRefreshTokenRepo) FindByToken(ctx context.Context, token string) (*model.RefreshToken, error) {
	rt := &model.RefreshToken{Token: token}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, invalidated, created_at
		 FROM refresh_tokens
		 WHERE token_hash = $1`,
		HashToken(token),
	).Scan(&rt.ID, &rt.UserID, &rt.ExpiresAt, &rt.Invalidated, &rt.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの取得に失敗しました: %w", err)
	}
	return rt, nil
}

// Rotate は旧トークンの無効化と新トークンの保存を1トランザクションで行う。
//
// 無効化は invalidated = false を条件とする条件付きUPDATEで行い、
// 影響行数がちょうど1件の場合のみ新トークンを保存する。同一トークンで
// 並行にRotateが呼ばれても成功するのは1件だけとなる。
func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, oldToken string, next *model.RefreshToken) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens
		 SET invalidated = true, invalidated_at = now()
		 WHERE token_hash = $1 AND invalidated = false`,
		HashToken(oldToken),
	)
	if err != nil {
		return false, fmt.Errorf("リフレッシュトークンの無効化に失敗しました: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows != 1 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, insertRefreshTokenSQL,
		next.ID, HashToken(next.Token), next.UserID, next.ExpiresAt, next.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("新しいリフレッシュトークンの保存に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// InvalidateAllByUserID はユーザーの全リフレッシュトークンを無効化し、変更件数を返す。
// 既に無効化済みのレコードは変更しないため、繰り返し呼び出しても結果は変わらない。
func (r *PostgresRefreshTokenRepo) InvalidateAllByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens
		 SET invalidated = true, invalidated_at = now()
		 WHERE user_id = $1 AND invalidated = false`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("ユーザーのリフレッシュトークン無効化に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpired は有効期限を過ぎたレコードを物理削除し、削除件数を返す。
func (r *PostgresRefreshTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れリフレッシュトークンの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
