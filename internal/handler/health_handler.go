package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はDB接続の疎通確認を行うインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler はDBへのPingで稼働状態を返すハンドラーを生成する。
// GET /health
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if checker != nil {
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "unavailable",
					"database": "down",
				})
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "up",
		})
	}
}
