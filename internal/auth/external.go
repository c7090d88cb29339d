package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/repository"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// ErrOAuthDisabled は外部IdPログインが設定されていない場合のエラー。
var ErrOAuthDisabled = errors.New("oauth login is not configured")

// OAuthEnabled は外部IdPログインが有効かを返す。
func (s *Service) OAuthEnabled() bool {
	return s.oauth != nil
}

// StartOAuth は外部IdPログインを開始する。
// stateとPKCEのcode_verifierを生成し、同意画面URLとともに返す。
func (s *Service) StartOAuth() (*model.OAuthStart, error) {
	if s.oauth == nil {
		return nil, ErrOAuthDisabled
	}

	state, err := newOAuthState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate oauth state: %w", err)
	}
	verifier, err := newPKCEVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pkce verifier: %w", err)
	}

	return &model.OAuthStart{
		URL:          s.oauth.AuthCodeURL(state, pkceChallenge(verifier)),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// HandleCallback はOAuthコールバックの認可コードを交換し、ログインを行う。
func (s *Service) HandleCallback(ctx context.Context, code, codeVerifier string) (*model.AuthResult, error) {
	if s.oauth == nil {
		return nil, ErrOAuthDisabled
	}

	info, err := s.oauth.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		// 再利用・期限切れのコードなどIdPが4xxで拒否したものは認証失敗
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) && oauthErr.StatusCode >= 400 && oauthErr.StatusCode < 500 {
			slog.Warn("oauth code rejected by provider",
				slog.Int("status", oauthErr.StatusCode),
				slog.String("error", oauthErr.Code),
			)
			rejected := model.NewInvalidCredentialsError()
			s.record("oauth_login", rejected)
			return nil, rejected
		}
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	return s.LoginWithProvider(ctx, info)
}

// LoginWithProvider は外部IdPのユーザー情報でログインする。
// 初回ログイン時はパスワードなしの検証済みアカウントを作成する。
// 同じメールアドレスの既存アカウントがあればidentityを紐付け、
// 未検証の場合はIdPによる所有確認をもって検証済みにする。
func (s *Service) LoginWithProvider(ctx context.Context, info *OAuthUserInfo) (result *model.AuthResult, err error) {
	defer func() { s.record("oauth_login", err) }()

	if info == nil || info.ProviderUserID == "" || !info.EmailVerified {
		return nil, model.NewInvalidCredentialsError()
	}

	identity, err := s.identities.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, err
	}

	var account *model.Account
	if identity != nil {
		account, err = s.accounts.FindByID(ctx, identity.AccountID)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, model.NewInvalidCredentialsError()
		}
	} else {
		account, err = s.linkOrProvision(ctx, info)
		if err != nil {
			return nil, err
		}
	}

	if !account.IsActive {
		return nil, model.NewInvalidCredentialsError()
	}

	return s.startSession(ctx, account, model.RoleUser)
}

// linkOrProvision は既存アカウントへのidentity紐付け、またはアカウントの新規作成を行う。
func (s *Service) linkOrProvision(ctx context.Context, info *OAuthUserInfo) (*model.Account, error) {
	email, err := validation.NormalizeEmail(info.Email)
	if err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	now := s.now()
	identity := &model.Identity{
		ID:             uuid.New().String(),
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	existing, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if !existing.IsActive {
			return nil, model.NewInvalidCredentialsError()
		}
		identity.AccountID = existing.ID
		if err := s.identities.Create(ctx, identity); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		if !existing.IsVerified {
			// 未検証の登録はアドレスの所有者が作ったとは限らない
			if _, err := s.accounts.ActivateExternal(ctx, existing.ID, s.displayName(info.Name, email)); err != nil {
				return nil, err
			}
			existing, err = s.accounts.FindByID(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, model.NewInvalidCredentialsError()
			}
		}
		slog.Info("identity linked",
			slog.String("account_id", existing.ID),
			slog.String("provider", info.Provider),
		)
		return existing, nil
	}

	account := &model.Account{
		ID:         uuid.New().String(),
		Email:      email,
		Name:       s.displayName(info.Name, email),
		IsVerified: true,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	identity.AccountID = account.ID

	if err := s.accounts.CreateWithIdentity(ctx, account, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) || errors.Is(err, repository.ErrDuplicateIdentity) {
			// 同時に別リクエストが作成した
			return nil, model.NewInvalidCredentialsError()
		}
		return nil, fmt.Errorf("failed to create account and identity: %w", err)
	}

	slog.Info("account provisioned",
		slog.String("account_id", account.ID),
		slog.String("provider", info.Provider),
	)
	return account, nil
}

// displayName はIdPの表示名を検証し、使えない場合はメールアドレスのローカル部を使う。
func (s *Service) displayName(name, email string) string {
	name = strings.TrimSpace(s.sanitizer.Sanitize(name))
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = string([]rune(name)[:MaxNameLength])
	}
	return name
}
