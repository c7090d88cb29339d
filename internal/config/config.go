// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Token
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// One-time code
	SignupCodeWindow time.Duration
	ResetCodeWindow  time.Duration
	OTPLength        int
	MaxOTPAttempts   int

	// Password
	PasswordMinLength  int
	PasswordMinEntropy float64
	BcryptCost         int

	// Sweeper
	SweepInterval  time.Duration
	SweepGrace     time.Duration
	SweeperInServe bool

	// Rate Limit
	RateLimitAuth    int // 15分あたり、送信元IPごと
	RateLimitAdmin   int // 15分あたり、送信元IPごと
	RateLimitGeneral int // 1分あたり、ユーザーごと

	// Mail
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	// Admin seeding
	AdminEmail    string
	AdminPassword string
	AdminName     string

	// OAuth（3つすべて設定された場合のみ有効）
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Server
	ServerPort string
	LogLevel   string
	BaseURL    string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string
}

// GoogleEnabled はGoogleログインの設定がそろっているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// AdminSeedEnabled は起動時に管理者アカウントを作成するかを返す。
func (c *Config) AdminSeedEnabled() bool {
	return c.AdminEmail != "" && c.AdminPassword != ""
}

// SMTPEnabled はSMTPでメールを送信するかを返す。
// 未設定の場合、コードはログに出力される（開発用）。
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:5173")

	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)

	cfg.SignupCodeWindow = getEnvDuration("SIGNUP_CODE_WINDOW", 60*time.Second)
	cfg.ResetCodeWindow = getEnvDuration("RESET_CODE_WINDOW", 120*time.Second)
	cfg.OTPLength = clampInt(getEnvInt("OTP_LENGTH", 6), 4, 16)
	cfg.MaxOTPAttempts = getEnvInt("MAX_OTP_ATTEMPTS", 0)

	cfg.PasswordMinLength = getEnvInt("PASSWORD_MIN_LENGTH", 6)
	cfg.PasswordMinEntropy = getEnvFloat("PASSWORD_MIN_ENTROPY", 0)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)

	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.SweepGrace = getEnvDuration("SWEEP_GRACE", 30*time.Second)
	cfg.SweeperInServe = getEnvBool("SWEEPER_IN_SERVE", true)

	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 5)
	cfg.RateLimitAdmin = getEnvInt("RATE_LIMIT_ADMIN", 3)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)

	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "noreply@dsadrill.local")

	cfg.AdminEmail = getEnvString("ADMIN_EMAIL", "")
	cfg.AdminPassword = getEnvString("ADMIN_PASSWORD", "")
	cfg.AdminName = getEnvString("ADMIN_NAME", "Admin User")

	cfg.GoogleClientID = getEnvString("GOOGLE_CLIENT_ID", "")
	cfg.GoogleClientSecret = getEnvString("GOOGLE_CLIENT_SECRET", "")
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", "")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

// clampInt はvをlo..hiの範囲に収める。
func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
