package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/fanlive/internal/middleware"
)

// HealthChecker は依存先（DBなど）の疎通を確認する。
type HealthChecker func(ctx context.Context) error

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	AdminEmails        []string

	// 認証
	Authenticator middleware.Authenticator
	AuthService   AuthServiceInterface

	// 管理者向けバッチ
	Discovery DiscoveryRunner
	Refresher MetadataRefresher

	// nil の場合はレート制限しない
	AuthLimiter *middleware.RateLimiter
	APILimiter  *middleware.RateLimiter

	MetricsHandler http.Handler
	HealthCheck    HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RequestIDHeader → RealIP → Recovery → Logging → SecurityHeaders → CORS
//
// /auth 以下のレスポンスはトークンを含むためキャッシュさせない。
// /auth/google と /auth/refresh はクライアントIP単位、それ以外の認証済みルートはユーザー単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRequestIDHeaderMiddleware())
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	authHandler := NewAuthHandler(deps.AuthService)
	adminHandler := NewAdminHandler(deps.Discovery, deps.Refresher)
	requireAuth := middleware.NewAuthMiddleware(deps.Authenticator)

	r.Get("/health", healthHandler(deps.HealthCheck))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.NewNoStoreMiddleware())

		r.Group(func(r chi.Router) {
			r.Use(limit(deps.AuthLimiter))
			r.Post("/google", authHandler.GoogleLogin)
			r.Post("/refresh", authHandler.Refresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(limit(deps.APILimiter))
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(middleware.NewAdminMiddleware(deps.AdminEmails))
		r.Use(limit(deps.APILimiter))

		r.Post("/discovery/run", adminHandler.RunDiscovery)
		r.Post("/metadata/refresh-live", adminHandler.RefreshLive)
		r.Post("/metadata/refresh-all", adminHandler.RefreshAll)
		r.Post("/events/{id}/metadata/refresh", adminHandler.RefreshEvent)
	})

	return r
}

func limit(rl *middleware.RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.Middleware()
}

// healthHandler は依存先の疎通を確認し、結果をJSONで返す。
func healthHandler(check HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				slog.Warn("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
