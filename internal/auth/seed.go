package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/repository"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// EnsureAdmin は指定メールアドレスのアカウントが存在しない場合、
// 検証済みの管理者アカウントを作成する。作成した場合はtrueを返す。
func (s *Service) EnsureAdmin(ctx context.Context, email, password, name string) (bool, error) {
	normalized, err := validation.NormalizeEmail(email)
	if err != nil {
		return false, fmt.Errorf("invalid admin email: %w", err)
	}

	existing, err := s.accounts.FindByEmail(ctx, normalized)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return false, err
	}

	now := s.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Email:        normalized,
		Name:         s.displayName(name, normalized),
		PasswordHash: hash,
		IsVerified:   true,
		IsActive:     true,
		IsAdmin:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create admin account: %w", err)
	}

	slog.Info("admin account seeded", slog.String("account_id", account.ID))
	return true, nil
}
