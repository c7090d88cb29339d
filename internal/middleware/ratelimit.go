package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/dsadrill/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 認証済みAPIのレート（req/sec）。ユーザー単位
	GeneralBurst    int           // 認証済みAPIのバーストサイズ
	AuthRate        rate.Limit    // 認証系エンドポイントのレート。送信元IP単位
	AuthBurst       int           // 認証系エンドポイントのバーストサイズ
	AdminRate       rate.Limit    // 管理者ログインのレート。送信元IP単位
	AdminBurst      int           // 管理者ログインのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// PerWindow はwindowあたりn回の制限をrate.Limitとバーストサイズに変換する。
func PerWindow(n int, window time.Duration) (rate.Limit, int) {
	if n <= 0 || window <= 0 {
		return rate.Inf, 0
	}
	return rate.Limit(float64(n) / window.Seconds()), n
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 認証系 5 req/15min/IP、管理者ログイン 3 req/15min/IP、認証済みAPI 120 req/min/user
func DefaultRateLimiterConfig() RateLimiterConfig {
	generalRate, generalBurst := PerWindow(120, time.Minute)
	authRate, authBurst := PerWindow(5, 15*time.Minute)
	adminRate, adminBurst := PerWindow(3, 15*time.Minute)
	return RateLimiterConfig{
		GeneralRate:     generalRate,
		GeneralBurst:    generalBurst,
		AuthRate:        authRate,
		AuthBurst:       authBurst,
		AdminRate:       adminRate,
		AdminBurst:      adminBurst,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同一設定のリミッターをキー単位で管理する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*keyedLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
	}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.RLock()
	kl, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		kl.lastAccess = time.Now()
		s.mu.Unlock()
		return kl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if kl, exists := s.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &keyedLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

func (s *limiterSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// cleanup はttlを超えてアクセスがなく、トークンが満タンに戻ったエントリを削除する。
// 満タンでないエントリを削除すると制限がリセットされるため残す。
func (s *limiterSet) cleanup(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl && kl.limiter.TokensAt(now) >= float64(s.burst) {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はレート制限を管理する。
// 認証系エンドポイントと管理者ログインは送信元IP単位、
// 認証済みAPIはユーザー単位で制限する。
type RateLimiter struct {
	config RateLimiterConfig

	general *limiterSet
	auth    *limiterSet
	admin   *limiterSet

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		auth:    newLimiterSet("auth", config.AuthRate, config.AuthBurst),
		admin:   newLimiterSet("admin_login", config.AdminRate, config.AdminBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は認証済みAPIのレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある（AuthMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			if !rl.allow(w, rl.general, userID) {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware はサインアップ、ログイン、コード再送、パスワードリセット要求の
// レート制限ミドルウェアを返す。送信元IP単位で制限する。
func (rl *RateLimiter) AuthMiddleware() func(next http.Handler) http.Handler {
	return rl.perIPMiddleware(rl.auth)
}

// AdminLoginMiddleware は管理者ログインのレート制限ミドルウェアを返す。
// AuthMiddlewareより厳しい制限を独立に適用する。
func (rl *RateLimiter) AdminLoginMiddleware() func(next http.Handler) http.Handler {
	return rl.perIPMiddleware(rl.admin)
}

func (rl *RateLimiter) perIPMiddleware(set *limiterSet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(w, set, ClientIP(r)) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allow はキーのリミッターを1トークン消費する。超過時は429を書き込みfalseを返す。
func (rl *RateLimiter) allow(w http.ResponseWriter, set *limiterSet, key string) bool {
	if set.get(key).Allow() {
		return true
	}

	writeRateLimitResponse(w, set.limit)
	slog.Warn("rate limit exceeded",
		slog.String("key", key),
		slog.String("limit_type", set.name),
	)
	return false
}

// GeneralLimiterCount は現在管理されている認証済みAPIリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.count()
}

// AuthLimiterCount は現在管理されている認証系リミッターのエントリ数を返す。
func (rl *RateLimiter) AuthLimiterCount() int {
	return rl.auth.count()
}

// AdminLimiterCount は現在管理されている管理者ログインリミッターのエントリ数を返す。
func (rl *RateLimiter) AdminLimiterCount() int {
	return rl.admin.count()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.general.cleanup(now, ttl)
	rl.auth.cleanup(now, ttl)
	rl.admin.cleanup(now, ttl)
}

// ClientIP はリクエストの送信元IPを返す。
// chiのRealIPミドルウェアの後ではX-Forwarded-For等が反映されたRemoteAddrを使う。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := 1
	if r > 0 && r != rate.Inf {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteAPIError(w, model.NewRateLimitExceededError())
}
