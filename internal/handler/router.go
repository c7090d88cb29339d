package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/dsadrill/internal/middleware"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	AccountFinder     middleware.AccountFinder
	CORSAllowedOrigin string // カンマ区切りで複数指定可
	HSTS              bool   // https配信時のみtrue
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger              // nilの場合はslog.Default()
	StatusRecorder    middleware.StatusRecorder // nilの場合はステータスを記録しない

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない

	Validator *validation.Validator

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 管理
	AdminAuth    AdminAuthenticator
	AdminService AdminServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Metrics → Logging → SecurityHeaders → CORS
//
// 認証系の入口は送信元IP単位、Bearerトークンが必要なルートはユーザー単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := deps.Validator
	if v == nil {
		v = validation.New()
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, v, deps.AuthConfig)
	adminHandler := NewAdminHandler(deps.AdminAuth, deps.AdminService, v)

	requireAuth := middleware.NewAuthMiddleware(deps.TokenVerifier, deps.AccountFinder)
	rl := deps.RateLimiter

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証 ---
	r.Route("/auth", func(r chi.Router) {
		// 総当たりとメール爆撃を防ぐため送信元IP単位で制限する
		r.Group(func(r chi.Router) {
			r.Use(rl.AuthMiddleware())

			r.Post("/signup", authHandler.Signup)
			r.Post("/resend-otp", authHandler.ResendOTP)
			r.Post("/login", authHandler.Login)
			r.Post("/forgot-password", authHandler.ForgotPassword)
			r.Post("/verify-reset-otp", authHandler.VerifyResetOTP)
			r.Post("/resend-reset-otp", authHandler.ResendResetOTP)
			r.Post("/reset-password", authHandler.ResetPassword)
		})

		r.Post("/verify-otp", authHandler.VerifyOTP)
		r.Post("/delete-unverified", authHandler.DeleteUnverified)
		r.Post("/refresh", authHandler.Refresh)

		// 外部IdPログイン
		r.Get("/google/login", authHandler.GoogleLogin)
		r.Get("/google/callback", authHandler.GoogleCallback)

		// Bearerトークンが必要なルート
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(rl.GeneralMiddleware())

			r.Get("/me", authHandler.Me)
			r.Post("/logout", authHandler.Logout)
		})
	})

	// --- 管理 ---
	r.Route("/admin", func(r chi.Router) {
		r.With(rl.AdminLoginMiddleware()).Post("/login", adminHandler.Login)

		// ミドルウェアスタック: Auth → RateLimit(General) → Admin
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(rl.GeneralMiddleware())
			r.Use(middleware.NewAdminMiddleware())

			r.Get("/users", adminHandler.ListUsers)
			r.Patch("/users/{id}", adminHandler.UpdateUser)
			r.Delete("/users/{id}", adminHandler.DeleteUser)
			r.Get("/logs", adminHandler.ListLogs)
		})
	})

	return r
}
