// Package admin は管理者向けのアカウント管理と監査ログを提供する。
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// ページングのデフォルト値
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultLogLimit = 50
)

// AccountStore は管理操作に必要なアカウント永続化インターフェース。
// repository.AccountRepositoryの部分集合として定義する。
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	List(ctx context.Context, limit, offset int) ([]*model.Account, int, error)
	SetActive(ctx context.Context, id string, active bool) (bool, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
}

// LogStore は監査ログの永続化インターフェース。
type LogStore interface {
	Create(ctx context.Context, entry *model.AdminLog) error
	ListRecent(ctx context.Context, limit int) ([]*model.AdminLog, error)
}

// UserPage はアカウント一覧の1ページ分。
type UserPage struct {
	Accounts []*model.Account
	Total    int
	Limit    int
	Offset   int
}

// Service は管理者のバックオフィス操作を提供する。
type Service struct {
	accounts       AccountStore
	logs           LogStore
	mainAdminEmail string
	now            func() time.Time
}

// NewService はServiceを生成する。
// mainAdminEmailのアカウントは無効化と削除から保護される。
func NewService(accounts AccountStore, logs LogStore, mainAdminEmail string) *Service {
	return &Service{
		accounts:       accounts,
		logs:           logs,
		mainAdminEmail: normalizeAdminEmail(mainAdminEmail),
		now:            time.Now,
	}
}

// ListUsers はアカウント一覧を作成日時の降順で返す。
func (s *Service) ListUsers(ctx context.Context, limit, offset int) (*UserPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	accounts, total, err := s.accounts.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	if accounts == nil {
		accounts = []*model.Account{}
	}

	return &UserPage{Accounts: accounts, Total: total, Limit: limit, Offset: offset}, nil
}

// SetActive はアカウントの有効フラグを切り替える。
// メイン管理者の無効化はFORBIDDEN_ACTIONとなる。
// 無効化されたアカウントのリフレッシュトークンは消去される。
func (s *Service) SetActive(ctx context.Context, adminID, targetID string, active bool) (*model.Account, error) {
	target, err := s.findTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	if !active && s.isMainAdmin(target) {
		return nil, model.NewForbiddenActionError("メイン管理者アカウントは無効化できません。")
	}

	ok, err := s.accounts.SetActive(ctx, target.ID, active)
	if err != nil {
		return nil, fmt.Errorf("アカウント状態の更新に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewUserNotFoundError()
	}

	action := model.AdminActionActivateUser
	if !active {
		action = model.AdminActionDeactivateUser
		target.RefreshToken = ""
	}
	target.IsActive = active
	s.audit(ctx, adminID, action, "target="+target.ID)

	return target, nil
}

// DeleteUser はアカウントを削除する。
// 自分自身とメイン管理者は削除できない。
func (s *Service) DeleteUser(ctx context.Context, adminID, targetID string) error {
	if adminID == targetID {
		return model.NewForbiddenActionError("自分自身のアカウントは削除できません。")
	}

	target, err := s.findTarget(ctx, targetID)
	if err != nil {
		return err
	}

	if s.isMainAdmin(target) {
		return model.NewForbiddenActionError("メイン管理者アカウントは削除できません。")
	}

	ok, err := s.accounts.DeleteByID(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("アカウントの削除に失敗しました: %w", err)
	}
	if !ok {
		return model.NewUserNotFoundError()
	}

	s.audit(ctx, adminID, model.AdminActionDeleteUser, "target="+target.ID)

	slog.Info("管理者がアカウントを削除しました",
		slog.String("admin_id", adminID),
		slog.String("target_id", target.ID),
	)

	return nil
}

// ListLogs は新しい順に監査ログを返す。
func (s *Service) ListLogs(ctx context.Context, limit int) ([]*model.AdminLog, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	logs, err := s.logs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("監査ログの取得に失敗しました: %w", err)
	}
	if logs == nil {
		logs = []*model.AdminLog{}
	}
	return logs, nil
}

// RecordAdminAction は監査ログを1件記録する。
func (s *Service) RecordAdminAction(ctx context.Context, adminID, action, details string) error {
	entry := &model.AdminLog{
		ID:        uuid.New().String(),
		AdminID:   adminID,
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		return fmt.Errorf("監査ログの記録に失敗しました: %w", err)
	}
	return nil
}

// audit は変更操作の監査ログを記録する。
// 操作自体は完了しているため、記録の失敗はログ出力のみとする。
func (s *Service) audit(ctx context.Context, adminID, action, details string) {
	if err := s.RecordAdminAction(ctx, adminID, action, details); err != nil {
		slog.Error("監査ログの記録に失敗しました",
			slog.String("admin_id", adminID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) findTarget(ctx context.Context, id string) (*model.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewUserNotFoundError()
	}

	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if account == nil {
		return nil, model.NewUserNotFoundError()
	}
	return account, nil
}

func (s *Service) isMainAdmin(account *model.Account) bool {
	return s.mainAdminEmail != "" && account.Email == s.mainAdminEmail
}

func normalizeAdminEmail(email string) string {
	if email == "" {
		return ""
	}
	normalized, err := validation.NormalizeEmail(email)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(email))
	}
	return normalized
}
