package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/dsadrill/internal/admin"
	"github.com/hitoshi/dsadrill/internal/auth"
	"github.com/hitoshi/dsadrill/internal/config"
	"github.com/hitoshi/dsadrill/internal/database"
	"github.com/hitoshi/dsadrill/internal/handler"
	"github.com/hitoshi/dsadrill/internal/logger"
	"github.com/hitoshi/dsadrill/internal/metrics"
	"github.com/hitoshi/dsadrill/internal/middleware"
	"github.com/hitoshi/dsadrill/internal/notify"
	"github.com/hitoshi/dsadrill/internal/repository"
	"github.com/hitoshi/dsadrill/internal/security"
	"github.com/hitoshi/dsadrill/internal/validation"
	"github.com/hitoshi/dsadrill/internal/worker/sweeper"
)

// oauthHTTPTimeout はGoogleへのトークン交換・ユーザー情報取得のタイムアウト。
const oauthHTTPTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	var migrateOpts MigrateOptions
	if cmd == CommandMigrate {
		if migrateOpts, err = ParseMigrateArgs(args[1:]); err != nil {
			return err
		}
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("google_login", cfg.GoogleEnabled()),
		slog.Bool("smtp", cfg.SMTPEnabled()),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandSweep:
		return runSweep(cfg)
	case CommandMigrate:
		return runMigrate(cfg, migrateOpts)
	default:
		return runServe(cfg)
	}
}

// services はserveとworkerで共有する組み立て済みコンポーネント。
type services struct {
	accounts *repository.PostgresAccountRepo
	auth     *auth.Service
	admin    *admin.Service
	tokens   *auth.TokenIssuer
	sweeper  *sweeper.Sweeper
	metrics  *metrics.Collector
	registry *prometheus.Registry
}

// openDatabase はプール設定を適用してDBに接続し、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
}

// buildServices はリポジトリとドメインサービスを組み立てる。
func buildServices(cfg *config.Config, db *sql.DB) (*services, error) {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. リポジトリ
	accountRepo := repository.NewPostgresAccountRepo(db)
	identityRepo := repository.NewPostgresIdentityRepo(db)
	adminLogRepo := repository.NewPostgresAdminLogRepo(db)

	// 3. メール送信
	mailer, err := notify.NewMailer(newSender(cfg, slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("failed to build mailer: %w", err)
	}

	// 4. ドメインサービス
	adminService := admin.NewService(accountRepo, adminLogRepo, cfg.AdminEmail)
	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		Secret:     cfg.JWTSecret,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})

	authService := auth.NewService(auth.ServiceDeps{
		Accounts:   accountRepo,
		Identities: identityRepo,
		Hasher:     auth.NewBcryptHasher(cfg.BcryptCost),
		Codes:      auth.NewCodeGenerator(cfg.OTPLength),
		Tokens:     tokens,
		Notifier:   mailer,
		Policy: validation.PasswordPolicy{
			MinLength:  cfg.PasswordMinLength,
			MinEntropy: cfg.PasswordMinEntropy,
		},
		Sanitizer: security.NewNameSanitizer(),
		OAuth:     newOAuthProvider(cfg),
		Audit:     adminService,
		Events:    collector,
	}, auth.ServiceConfig{
		SignupWindow:   cfg.SignupCodeWindow,
		ResetWindow:    cfg.ResetCodeWindow,
		MaxOTPAttempts: cfg.MaxOTPAttempts,
	})

	// 5. スイーパー
	sw := newSweeper(cfg, accountRepo, collector)

	return &services{
		accounts: accountRepo,
		auth:     authService,
		admin:    adminService,
		tokens:   tokens,
		sweeper:  sw,
		metrics:  collector,
		registry: registry,
	}, nil
}

// newSender はSMTP設定があればSMTP送信、なければログ出力の送信手段を返す。
func newSender(cfg *config.Config, l *slog.Logger) notify.Sender {
	if !cfg.SMTPEnabled() {
		l.Warn("SMTP_HOST is not set; one-time codes will be written to the log")
		return notify.NewLogSender(l)
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
}

// newOAuthProvider はGoogleログインが設定されている場合のみプロバイダーを返す。
func newOAuthProvider(cfg *config.Config) auth.OAuthProvider {
	if !cfg.GoogleEnabled() {
		return nil
	}
	return auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   security.NewOutboundClient(oauthHTTPTimeout),
	})
}

// newRateLimiterConfig は設定値（ウィンドウあたりの回数）をレート制限設定に変換する。
func newRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate, rl.GeneralBurst = middleware.PerWindow(cfg.RateLimitGeneral, time.Minute)
	rl.AuthRate, rl.AuthBurst = middleware.PerWindow(cfg.RateLimitAuth, 15*time.Minute)
	rl.AdminRate, rl.AdminBurst = middleware.PerWindow(cfg.RateLimitAdmin, 15*time.Minute)
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. サービスの組み立て
	svc, err := buildServices(cfg, db)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 管理者アカウントの作成
	if cfg.AdminSeedEnabled() {
		created, err := svc.auth.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminName)
		if err != nil {
			return fmt.Errorf("failed to seed admin account: %w", err)
		}
		if !created {
			slog.Info("admin account already exists")
		}
	}

	// 4. スイーパーの起動
	var wg sync.WaitGroup
	if cfg.SweeperInServe {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.sweeper.Start(ctx, cfg.SweepInterval)
		}()
	}

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(newRateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		TokenVerifier:     svc.tokens,
		AccountFinder:     svc.accounts,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.CookieSecure,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		StatusRecorder:    svc.metrics,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(svc.registry),

		Validator: validation.New(),

		AuthService: svc.auth,
		AuthConfig:  handler.AuthHandlerConfig{CookieSecure: cfg.CookieSecure},

		AdminAuth:    svc.auth,
		AdminService: svc.admin,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		cancel()
		wg.Wait()
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// スイーパーの実行中パスを待ってからDBを閉じる
	cancel()
	wg.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れ未検証アカウントのスイーパーのみを実行する。
// APIサーバーを複数台で動かす場合はSWEEPER_IN_SERVE=falseとし、このモードを1台で動かす。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. スイーパーの組み立て
	collector := metrics.NewCollector(prometheus.NewRegistry())
	sw := newSweeper(cfg, repository.NewPostgresAccountRepo(db), collector)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		select {
		case <-stop:
			slog.Info("shutting down worker...")
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Duration("sweep_grace", cfg.SweepGrace),
	)

	// スイーパーをメインgoroutineで実行（ブロッキング）
	sw.Start(ctx, cfg.SweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runSweep はスイープを1回だけ実行して終了する。
// 常駐ワーカーを置かずcron等から起動する運用向け。
func runSweep(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sw := newSweeper(cfg, repository.NewPostgresAccountRepo(db), nil)
	if err := sw.RunOnce(ctx); err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	return nil
}

// newSweeper はSWEEP_GRACEを反映したスイーパーを生成する。
// recorderがnilの場合はメトリクスを記録しない。
func newSweeper(cfg *config.Config, store sweeper.Store, recorder sweeper.Recorder) *sweeper.Sweeper {
	sw := sweeper.New(store, slog.Default(), recorder)
	sw.Grace = cfg.SweepGrace
	return sw
}

// runMigrate はmigrateサブコマンドの操作を実行する。
func runMigrate(cfg *config.Config, opts MigrateOptions) error {
	dbURL := maskDatabaseURL(cfg.DatabaseURL)

	switch opts.Action {
	case MigrateDown:
		slog.Warn("rolling back database migrations",
			slog.String("database_url", dbURL),
			slog.Int("steps", opts.Steps),
		)
		if err := database.RollbackMigrations(cfg.DatabaseURL, opts.Steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database rollback completed", slog.Int("steps", opts.Steps))

	case MigrateVersion:
		state, err := database.CurrentMigration(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("current schema version",
			slog.String("database_url", dbURL),
			slog.Uint64("version", uint64(state.Version)),
			slog.Bool("dirty", state.Dirty),
			slog.Bool("pristine", state.Pristine),
		)

	default:
		slog.Info("running database migrations", slog.String("database_url", dbURL))
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations completed successfully")
	}

	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
