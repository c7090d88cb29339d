package auth

import (
	"context"
	"log/slog"

	"github.com/hitoshi/dsadrill/internal/model"
)

// RequestPasswordReset はパスワードリセットコードを発行して送信する。
// 未登録、無効化済み、未検証のいずれもUSER_NOT_FOUNDとして返す。
// サインアップコードには触れない。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (err error) {
	defer func() { s.record("reset_request", err) }()
	return s.issueResetCode(ctx, email)
}

// ResendResetCode はパスワードリセットコードを再発行して送信する。以前のコードは無効になる。
func (s *Service) ResendResetCode(ctx context.Context, email string) (err error) {
	defer func() { s.record("reset_resend", err) }()
	return s.issueResetCode(ctx, email)
}

// VerifyResetCode はパスワードリセットコードを検証する。状態は変更しない。
func (s *Service) VerifyResetCode(ctx context.Context, email, code string) (err error) {
	defer func() { s.record("reset_verify", err) }()

	account, err := s.findResettable(ctx, email)
	if err != nil {
		return err
	}
	if !account.ResetCode.Matches(code, s.now()) {
		return model.NewInvalidOrExpiredCodeError()
	}
	return nil
}

// CommitPasswordReset はリセットコードを再検証し、パスワードを置き換える。
// 検証状態とリフレッシュトークンは変更しない。
func (s *Service) CommitPasswordReset(ctx context.Context, email, code, newPassword string) (err error) {
	defer func() { s.record("reset_commit", err) }()

	if err := s.policy.Validate(newPassword); err != nil {
		return model.NewValidationError(map[string]string{"password": err.Error()})
	}

	account, err := s.findResettable(ctx, email)
	if err != nil {
		return err
	}

	now := s.now()
	if !account.ResetCode.Matches(code, now) {
		return model.NewInvalidOrExpiredCodeError()
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	ok, err := s.accounts.CommitPasswordReset(ctx, account.ID, code, now, hash)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewInvalidOrExpiredCodeError()
	}

	slog.Info("password reset completed", slog.String("account_id", account.ID))
	return nil
}

func (s *Service) issueResetCode(ctx context.Context, email string) error {
	account, err := s.findResettable(ctx, email)
	if err != nil {
		return err
	}

	code, err := s.codes.Generate(s.config.ResetWindow)
	if err != nil {
		return err
	}

	if err := s.accounts.ReplaceResetCode(ctx, account.ID, code); err != nil {
		return err
	}

	if err := s.notifier.SendResetCode(ctx, account, code); err != nil {
		slog.Error("failed to send reset code",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
		return model.NewDeliveryError()
	}

	return nil
}

// findResettable はパスワードリセット可能なアカウントを取得する。
func (s *Service) findResettable(ctx context.Context, email string) (*model.Account, error) {
	account, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if account == nil || !account.CanAuthenticate() {
		return nil, model.NewUserNotFoundError()
	}
	return account, nil
}
