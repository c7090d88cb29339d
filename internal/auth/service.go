// Package auth はアカウントの登録、メール認証、ログイン、トークン管理、
// パスワードリセットを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/repository"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// DefaultMaxOTPAttempts はサインアップコードの誤入力許容回数。
// 0の場合、最初の誤入力で未検証アカウントを削除する。
const DefaultMaxOTPAttempts = 0

// MaxNameLength は表示名の最大文字数。
const MaxNameLength = 50

// PasswordHasher はパスワードの一方向ハッシュを提供する。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

// CodeGenerator は期限付きワンタイムコードを生成する。
type CodeGenerator interface {
	Generate(window time.Duration) (model.TimeBoundCode, error)
}

// TokenService はトークンの発行と検証を提供する。
type TokenService interface {
	Issue(accountID string, role model.Role) (*model.TokenPair, error)
	Verify(token string, kind model.TokenKind) (*model.TokenClaims, error)
}

// Notifier はワンタイムコードをアカウントのメールアドレスへ送信する。
type Notifier interface {
	SendSignupCode(ctx context.Context, account *model.Account, code model.TimeBoundCode) error
	SendResetCode(ctx context.Context, account *model.Account, code model.TimeBoundCode) error
}

// PasswordPolicy はパスワードの強度を検証する。
type PasswordPolicy interface {
	Validate(password string) error
}

// NameSanitizer は表示名からマークアップを除去する。
type NameSanitizer interface {
	Sanitize(name string) string
}

// AuditRecorder は管理者操作を監査ログに記録する。
type AuditRecorder interface {
	RecordAdminAction(ctx context.Context, adminID, action, details string) error
}

// EventRecorder は認証イベントの結果を記録する。
type EventRecorder interface {
	RecordAuthEvent(event, result string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SignupWindow   time.Duration // サインアップコードの有効期間
	ResetWindow    time.Duration // パスワードリセットコードの有効期間
	MaxOTPAttempts int           // サインアップコードの誤入力許容回数
}

// ServiceDeps は認証サービスの依存コンポーネント。
type ServiceDeps struct {
	Accounts   repository.AccountRepository
	Identities repository.IdentityRepository
	Hasher     PasswordHasher
	Codes      CodeGenerator
	Tokens     TokenService
	Notifier   Notifier
	Policy     PasswordPolicy
	Sanitizer  NameSanitizer
	OAuth      OAuthProvider // nilの場合は外部IdPログインが無効
	Audit      AuditRecorder // nilの場合は監査ログを記録しない
	Events     EventRecorder // nilの場合はメトリクスを記録しない
}

// Service はアカウントの状態遷移を管理する。
type Service struct {
	accounts   repository.AccountRepository
	identities repository.IdentityRepository
	hasher     PasswordHasher
	codes      CodeGenerator
	tokens     TokenService
	notifier   Notifier
	policy     PasswordPolicy
	sanitizer  NameSanitizer
	oauth      OAuthProvider
	audit      AuditRecorder
	events     EventRecorder
	config     ServiceConfig
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps, config ServiceConfig) *Service {
	if config.SignupWindow <= 0 {
		config.SignupWindow = 60 * time.Second
	}
	if config.ResetWindow <= 0 {
		config.ResetWindow = 120 * time.Second
	}
	return &Service{
		accounts:   deps.Accounts,
		identities: deps.Identities,
		hasher:     deps.Hasher,
		codes:      deps.Codes,
		tokens:     deps.Tokens,
		notifier:   deps.Notifier,
		policy:     deps.Policy,
		sanitizer:  deps.Sanitizer,
		oauth:      deps.OAuth,
		audit:      deps.Audit,
		events:     deps.Events,
		config:     config,
		now:        time.Now,
	}
}

// Signup は未検証アカウントを作成し、サインアップコードを送信する。
// 戻り値はアカウントID。
// 送信に失敗した場合はアカウントIDとともにDELIVERY_FAILEDエラーを返す。
// この時点でアカウントは作成済みのため、コード再送で回復できる。
func (s *Service) Signup(ctx context.Context, email, password, name string) (id string, err error) {
	defer func() { s.record("signup", err) }()

	normalized, details := s.validateSignup(email, password, name)
	if len(details) > 0 {
		return "", model.NewValidationError(details)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", err
	}

	code, err := s.codes.Generate(s.config.SignupWindow)
	if err != nil {
		return "", fmt.Errorf("failed to generate signup code: %w", err)
	}

	now := s.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        normalized.email,
		Name:         normalized.name,
		PasswordHash: hash,
		IsActive:     true,
		SignupCode:   &code,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return "", model.NewDuplicateAddressError()
		}
		return "", fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account created",
		slog.String("account_id", account.ID),
	)

	if err := s.notifier.SendSignupCode(ctx, account, code); err != nil {
		slog.Error("failed to send signup code",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
		return account.ID, model.NewDeliveryError()
	}

	return account.ID, nil
}

// VerifyCode はサインアップコードを検証し、一致すればアカウントを検証済みにして
// トークンペアを発行する。
// コードが不一致または期限切れの場合は未検証アカウントを削除し、
// INVALID_OR_EXPIRED_CODEを返す（誤入力許容回数が0の場合）。
func (s *Service) VerifyCode(ctx context.Context, accountID, code string) (result *model.AuthResult, err error) {
	defer func() { s.record("verify", err) }()

	account, err := s.findPending(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !account.SignupCode.Matches(code, now) {
		return nil, s.rejectSignupCode(ctx, account, now)
	}

	tokens, err := s.tokens.Issue(account.ID, model.RoleUser)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	ok, err := s.accounts.ActivateWithCode(ctx, account.ID, code, now, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 読み取り後に再送、削除、別リクエストでの検証が起きた
		current, err := s.findPending(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return nil, s.rejectSignupCode(ctx, current, now)
	}

	account.IsVerified = true
	account.SignupCode = nil
	account.SignupAttempts = 0
	account.RefreshToken = tokens.RefreshToken

	slog.Info("account verified", slog.String("account_id", account.ID))

	return &model.AuthResult{Account: account, Tokens: tokens}, nil
}

// ResendCode は新しいサインアップコードを発行して送信する。以前のコードは即座に無効になる。
func (s *Service) ResendCode(ctx context.Context, accountID string) (err error) {
	defer func() { s.record("resend", err) }()

	account, err := s.findPending(ctx, accountID)
	if err != nil {
		return err
	}

	code, err := s.codes.Generate(s.config.SignupWindow)
	if err != nil {
		return fmt.Errorf("failed to generate signup code: %w", err)
	}

	ok, err := s.accounts.ReplaceSignupCode(ctx, account.ID, code)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.findPending(ctx, accountID); err != nil {
			return err
		}
		return model.NewUserNotFoundError()
	}

	if err := s.notifier.SendSignupCode(ctx, account, code); err != nil {
		slog.Error("failed to resend signup code",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
		return model.NewDeliveryError()
	}

	return nil
}

// DeleteUnverified は未検証アカウントを削除する。
// クライアント側の検証期限タイマー満了時に呼ばれる。
func (s *Service) DeleteUnverified(ctx context.Context, accountID string) (err error) {
	defer func() { s.record("delete_unverified", err) }()

	if _, err := uuid.Parse(accountID); err != nil {
		return model.NewUserNotFoundError()
	}

	ok, err := s.accounts.DeleteUnverified(ctx, accountID)
	if err != nil {
		return err
	}
	if ok {
		slog.Info("unverified account deleted", slog.String("account_id", accountID))
		return nil
	}

	if _, err := s.findPending(ctx, accountID); err != nil {
		return err
	}
	return model.NewUserNotFoundError()
}

// GetAccount はアカウントを取得する。
func (s *Service) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, model.NewUserNotFoundError()
	}
	return account, nil
}

// findPending は未検証アカウントを取得する。
// 存在しない場合はUSER_NOT_FOUND、検証済みの場合はALREADY_VERIFIEDを返す。
func (s *Service) findPending(ctx context.Context, accountID string) (*model.Account, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, model.NewUserNotFoundError()
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, model.NewUserNotFoundError()
	}
	if account.IsVerified {
		return nil, model.NewAlreadyVerifiedError()
	}
	return account, nil
}

// rejectSignupCode は誤ったまたは期限切れのサインアップコードに対する処理を行う。
// 期限切れ、または誤入力回数が許容回数を超えた場合は未検証アカウントを削除する。
func (s *Service) rejectSignupCode(ctx context.Context, account *model.Account, now time.Time) error {
	expired := account.SignupCode == nil || account.SignupCode.Expired(now)

	if !expired && s.config.MaxOTPAttempts > 0 {
		attempts, err := s.accounts.IncrementSignupAttempts(ctx, account.ID)
		if err != nil {
			return err
		}
		if attempts > 0 && attempts <= s.config.MaxOTPAttempts {
			return model.NewInvalidOrExpiredCodeError()
		}
	}

	deleted, err := s.accounts.DeleteUnverified(ctx, account.ID)
	if err != nil {
		return err
	}
	if deleted {
		slog.Info("pending account deleted after rejected code",
			slog.String("account_id", account.ID),
			slog.Bool("expired", expired),
		)
	}
	return model.NewInvalidOrExpiredCodeError()
}

type signupInput struct {
	email string
	name  string
}

// validateSignup はサインアップ入力を正規化して検証する。
func (s *Service) validateSignup(email, password, name string) (signupInput, map[string]string) {
	details := map[string]string{}
	var in signupInput

	normalized, err := validation.NormalizeEmail(email)
	if err != nil {
		details["email"] = "メールアドレスの形式が正しくありません。"
	}
	in.email = normalized

	if err := s.policy.Validate(password); err != nil {
		details["password"] = err.Error()
	}

	in.name = strings.TrimSpace(s.sanitizer.Sanitize(name))
	if n := utf8.RuneCountInString(in.name); n < 1 || n > MaxNameLength {
		details["name"] = fmt.Sprintf("名前は1〜%d文字で入力してください。", MaxNameLength)
	}

	return in, details
}

// record は認証イベントの結果をメトリクスに記録する。
func (s *Service) record(event string, err error) {
	if s.events == nil {
		return
	}
	s.events.RecordAuthEvent(event, resultLabel(err))
}

// resultLabel はエラーをメトリクスのラベル値に変換する。
func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(apiErr.Code)
	}
	return "internal_error"
}
