// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedValue はマスク済み属性の出力値。
const redactedValue = "[REDACTED]"

// sensitiveKeys はログに平文で出力してはならない属性キー。
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"new_password":  {},
	"password_hash": {},
	"otp":           {},
	"reset_code":    {},
	"access_token":  {},
	"refresh_token": {},
	"authorization": {},
	"jwt_secret":    {},
	"smtp_password": {},
}

// ParseLevel はLOG_LEVELの文字列をslog.Levelに変換する。
// 解析できない値はINFOとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// パスワード、認証コード、トークンの属性値はマスクされる。
func Setup(w io.Writer, level slog.Leveler) *slog.Logger {
	if level == nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSensitive,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer, level slog.Leveler) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w, level))
}

func redactSensitive(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redactedValue)
	}
	return a
}
