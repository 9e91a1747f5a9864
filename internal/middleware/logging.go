package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRequestIDHeaderMiddleware は chimw.RequestID が払い出したIDを X-Request-Id レスポンスヘッダーに載せる。
// chimw.RequestID より後ろに置くこと。
func NewRequestIDHeaderMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				w.Header().Set(RequestIDHeader, reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLoggingMiddleware はリクエストごとのアクセスログをJSON構造化ログで出力するミドルウェアを返す。
// method、path、status、bytes、duration_ms、request_id、user_id（認証済みの場合）を記録する。
// 4xxはWARN、5xxはERRORで出力する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			// user_id は認証ミドルウェアが内側で設定するため、書き戻し先を先に用意しておく
			r, userID := withUserIDSlot(r)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/float64(time.Millisecond)),
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				args = append(args, slog.String("request_id", reqID))
			}
			if id := userID(); id != "" {
				args = append(args, slog.String("user_id", id))
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
