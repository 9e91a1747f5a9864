// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認証系のセンチネルエラー。呼び出し側は errors.Is で判定する。
var (
	// ErrTokenInvalid はトークンが存在しない・署名不正などで無効な場合のエラー。
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired はトークンの有効期限切れエラー。
	ErrTokenExpired = errors.New("token expired")
	// ErrRefreshTokenReused はローテーション済みリフレッシュトークンの再利用を検知した場合のエラー。
	// 検知時点でユーザーの全リフレッシュトークンが無効化されている。
	ErrRefreshTokenReused = errors.New("refresh token reused")
	// ErrExternalVerificationFailed は外部IdPによる資格情報の検証に失敗した場合のエラー。
	ErrExternalVerificationFailed = errors.New("external verification failed")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, streaming, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized               = "UNAUTHORIZED"
	ErrCodeForbidden                  = "FORBIDDEN"
	ErrCodeTokenInvalid               = "TOKEN_INVALID"
	ErrCodeTokenExpired               = "TOKEN_EXPIRED"
	ErrCodeRefreshTokenReused         = "REFRESH_TOKEN_REUSED"
	ErrCodeExternalVerificationFailed = "EXTERNAL_VERIFICATION_FAILED"
	ErrCodeInvalidRequest             = "INVALID_REQUEST"
	ErrCodeMetadataUnavailable        = "METADATA_UNAVAILABLE"
	ErrCodeDiscoveryInProgress        = "DISCOVERY_IN_PROGRESS"
	ErrCodeInternal                   = "INTERNAL_ERROR"
)

// NewAuthError は認証系センチネルエラーをAPIErrorに変換する。
// 認証系以外のエラーには nil を返す。
func NewAuthError(err error) *APIError {
	switch {
	case errors.Is(err, ErrRefreshTokenReused):
		return &APIError{
			Code:     ErrCodeRefreshTokenReused,
			Message:  "無効化済みのリフレッシュトークンが再利用されました。",
			Category: "auth",
			Action:   "安全のため全端末からログアウトしました。再度ログインしてください。",
		}
	case errors.Is(err, ErrTokenExpired):
		return &APIError{
			Code:     ErrCodeTokenExpired,
			Message:  "トークンの有効期限が切れています。",
			Category: "auth",
			Action:   "再度ログインしてください。",
		}
	case errors.Is(err, ErrTokenInvalid):
		return &APIError{
			Code:     ErrCodeTokenInvalid,
			Message:  "トークンが無効です。",
			Category: "auth",
			Action:   "再度ログインしてください。",
		}
	case errors.Is(err, ErrExternalVerificationFailed):
		return &APIError{
			Code:     ErrCodeExternalVerificationFailed,
			Message:  "Googleアカウントの認証に失敗しました。",
			Category: "auth",
			Action:   "しばらく待ってから再度ログインしてください。",
		}
	default:
		return nil
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewMetadataUnavailableError は外部メタデータ取得の失敗エラーを生成する。
func NewMetadataUnavailableError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeMetadataUnavailable,
		Message:  fmt.Sprintf("配信イベントのメタデータを取得できませんでした: %s", eventID),
		Category: "streaming",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDiscoveryInProgressError は配信探索の多重実行エラーを生成する。
func NewDiscoveryInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeDiscoveryInProgress,
		Message:  "配信探索は既に実行中です。",
		Category: "streaming",
		Action:   "実行中の探索が完了してから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
