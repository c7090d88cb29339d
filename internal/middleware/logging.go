package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/dsadrill/internal/model"
)

var annotationsContextKey = contextKey("request_annotations")

// requestAnnotations は認証ミドルウェアが判明させた主体をアクセスログへ渡す。
// 認証は内側のハンドラーチェーンで行われるため、ポインタ経由で書き戻す。
type requestAnnotations struct {
	mu     sync.Mutex
	userID string
	role   model.Role
}

// annotateAccount はロギングミドルウェアの配下であれば、認証済みの主体を記録する。
func annotateAccount(ctx context.Context, userID string, role model.Role) {
	if a, ok := ctx.Value(annotationsContextKey).(*requestAnnotations); ok {
		a.mu.Lock()
		a.userID = userID
		a.role = role
		a.mu.Unlock()
	}
}

func (a *requestAnnotations) principal() (string, model.Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID, a.role
}

// statusRecorder はhttp.ResponseWriterをラップし、最初に書かれたステータスを保持する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// NewLoggingMiddleware はリクエストごとに1行のアクセスログを出力するミドルウェアを返す。
// 5xxはERROR、4xxはWARN、それ以外はINFOで出力する。
// 出力項目: method, path, route, status, duration_ms, request_id, client_ip, user_id, role。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			annotations := &requestAnnotations{}
			r = r.WithContext(context.WithValue(r.Context(), annotationsContextKey, annotations))

			next.ServeHTTP(rec, r)

			elapsed := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", elapsed),
				slog.String("client_ip", ClientIP(r)),
			}

			// パスパラメータを含まないルートパターン（例: /admin/users/{id}）
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					args = append(args, slog.String("route", pattern))
				}
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				args = append(args, slog.String("request_id", reqID))
			}

			userID, role := annotations.principal()
			if userID == "" {
				userID, _ = UserIDFromContext(r.Context())
			}
			if userID != "" {
				args = append(args, slog.String("user_id", userID))
			}
			if role != "" {
				args = append(args, slog.String("role", string(role)))
			}

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= 500:
				level = slog.LevelError
			case rec.statusCode >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
