package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// Login はメールアドレスとパスワードで認証し、トークンペアを発行する。
// 未登録と無効化済みはパスワード誤りと区別せずINVALID_CREDENTIALSを返す。
// 未検証の場合のみEMAIL_NOT_VERIFIEDを返す。
func (s *Service) Login(ctx context.Context, email, password string) (result *model.AuthResult, err error) {
	defer func() { s.record("login", err) }()

	account, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.IsActive {
		return nil, model.NewInvalidCredentialsError()
	}
	if !account.IsVerified {
		return nil, model.NewEmailNotVerifiedError()
	}
	if !account.HasPassword() || !s.hasher.Compare(account.PasswordHash, password) {
		return nil, model.NewInvalidCredentialsError()
	}

	return s.startSession(ctx, account, model.RoleUser)
}

// LoginAdmin は管理者として認証し、adminロールのトークンペアを発行する。
// 失敗理由は全てINVALID_CREDENTIALSとして返す。成功時は監査ログを記録する。
func (s *Service) LoginAdmin(ctx context.Context, email, password, clientIP string) (result *model.AuthResult, err error) {
	defer func() { s.record("admin_login", err) }()

	account, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.IsAdmin || !account.CanAuthenticate() ||
		!account.HasPassword() || !s.hasher.Compare(account.PasswordHash, password) {
		slog.Warn("admin login rejected", slog.String("client_ip", clientIP))
		return nil, model.NewInvalidCredentialsError()
	}

	result, err = s.startSession(ctx, account, model.RoleAdmin)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		if err := s.audit.RecordAdminAction(ctx, account.ID, model.AdminActionLogin, "ip="+clientIP); err != nil {
			slog.Error("failed to record admin login",
				slog.String("admin_id", account.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return result, nil
}

// Refresh はリフレッシュトークンを検証し、新しいトークンペアに置き換える。
// 保存済みトークンと一致しないトークン（ローテーション済み）は拒否する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (tokens *model.TokenPair, err error) {
	defer func() { s.record("refresh", err) }()

	claims, err := s.tokens.Verify(refreshToken, model.TokenKindRefresh)
	if err != nil {
		return nil, model.NewInvalidRefreshTokenError()
	}

	account, err := s.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.CanAuthenticate() || account.RefreshToken != refreshToken {
		return nil, model.NewInvalidRefreshTokenError()
	}

	role := model.RoleUser
	if claims.IsAdmin() && account.IsAdmin {
		role = model.RoleAdmin
	}

	tokens, err = s.tokens.Issue(account.ID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	ok, err := s.accounts.RotateRefreshToken(ctx, account.ID, refreshToken, tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewInvalidRefreshTokenError()
	}

	return tokens, nil
}

// Logout は保存済みリフレッシュトークンを消去する。冪等。
func (s *Service) Logout(ctx context.Context, accountID string) (err error) {
	defer func() { s.record("logout", err) }()

	if err := s.accounts.ClearRefreshToken(ctx, accountID); err != nil {
		return err
	}
	slog.Info("account logged out", slog.String("account_id", accountID))
	return nil
}

// startSession はトークンペアを発行し、リフレッシュトークンを上書き保存する。
func (s *Service) startSession(ctx context.Context, account *model.Account, role model.Role) (*model.AuthResult, error) {
	tokens, err := s.tokens.Issue(account.ID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	if err := s.accounts.SetRefreshToken(ctx, account.ID, tokens.RefreshToken); err != nil {
		return nil, err
	}
	account.RefreshToken = tokens.RefreshToken

	return &model.AuthResult{Account: account, Tokens: tokens}, nil
}

// findByEmail はメールアドレスを正規化してアカウントを検索する。
// 形式不正の場合は見つからなかったものとして扱う。
func (s *Service) findByEmail(ctx context.Context, email string) (*model.Account, error) {
	normalized, err := validation.NormalizeEmail(email)
	if err != nil {
		return nil, nil
	}
	return s.accounts.FindByEmail(ctx, normalized)
}
