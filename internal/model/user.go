// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザー（ファン）を表す。
// 初回OAuthログイン時に作成され、以降Email/Usernameは変更されない。
type User struct {
	ID        string
	Email     string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// IdentityProviderGoogle はGoogleログインのプロバイダ名。
const IdentityProviderGoogle = "google"

// RefreshToken は発行済みリフレッシュトークンの永続レコードを表す。
// Invalidated は false から true への一方向にのみ変化する。
type RefreshToken struct {
	ID          string
	Token       string
	UserID      string
	ExpiresAt   time.Time
	Invalidated bool
	CreatedAt   time.Time
}

// IsExpired は指定時刻においてトークンが期限切れかどうかを返す。
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenPair はログイン・リフレッシュ時に返却するトークンの組。
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"access_token_expires_at"`
}

// ExternalIdentity は外部IdPで検証済みのユーザー情報。
type ExternalIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}
