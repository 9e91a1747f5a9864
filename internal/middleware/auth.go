// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/fanlive/internal/auth"
	"github.com/hitoshi/fanlive/internal/model"
)

// contextKey はコンテキストキーの型。
type contextKey string

const (
	userIDKey     contextKey = "user_id"
	emailKey      contextKey = "email"
	userIDSlotKey contextKey = "user_id_slot"
)

// userIDSlot は内側の認証ミドルウェアで確定したユーザーIDを外側のアクセスログへ渡す。
type userIDSlot struct {
	id string
}

// ErrNoUserInContext はコンテキストにユーザーIDが存在しない場合のエラー。
var ErrNoUserInContext = errors.New("user ID not found in context")

// Authenticator はアクセストークンを検証する。
type Authenticator interface {
	AuthenticateAccessToken(token string) (*auth.Claims, error)
}

// NewAuthMiddleware は Authorization: Bearer ヘッダーのアクセストークンを検証し、
// ユーザーIDとメールアドレスをコンテキストに格納するミドルウェアを返す。
// トークンが無い・無効な場合は401を返す。
func NewAuthMiddleware(authenticator Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			claims, err := authenticator.AuthenticateAccessToken(token)
			if err != nil {
				apiErr := model.NewAuthError(err)
				if apiErr == nil {
					apiErr = model.NewUnauthorizedError()
				}
				WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
				return
			}

			ctx := ContextWithUserID(r.Context(), claims.UserID())
			ctx = context.WithValue(ctx, emailKey, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewAdminMiddleware は管理者メールアドレスに一致するユーザーのみ通過させるミドルウェアを返す。
// NewAuthMiddleware の後に配置する。
func NewAdminMiddleware(adminEmails []string) func(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			allowed[e] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := UserIDFromContext(r.Context()); err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			email := strings.ToLower(EmailFromContext(r.Context()))
			if _, ok := allowed[email]; !ok || email == "" {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ContextWithUserID はユーザーIDをコンテキストに格納する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if slot, ok := ctx.Value(userIDSlotKey).(*userIDSlot); ok {
		slot.id = userID
	}
	return context.WithValue(ctx, userIDKey, userID)
}

// withUserIDSlot はリクエストにユーザーIDの書き戻し先を追加する。
// 戻り値の関数は、下流で ContextWithUserID が呼ばれていればそのIDを、
// 呼ばれていなければ元のコンテキストのユーザーIDを返す。
func withUserIDSlot(r *http.Request) (*http.Request, func() string) {
	slot := &userIDSlot{}
	outer := r.Context()
	return r.WithContext(context.WithValue(outer, userIDSlotKey, slot)), func() string {
		if slot.id != "" {
			return slot.id
		}
		id, _ := UserIDFromContext(outer)
		return id
	}
}

// UserIDFromContext はコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok || userID == "" {
		return "", ErrNoUserInContext
	}
	return userID, nil
}

// EmailFromContext はコンテキストからメールアドレスを取得する。未設定の場合は空文字を返す。
func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(emailKey).(string)
	return email
}
