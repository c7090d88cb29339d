package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/dsadrill/internal/model"
)

// --- モック ---

type mockAccountStore struct {
	findByIDFn   func(ctx context.Context, id string) (*model.Account, error)
	listFn       func(ctx context.Context, limit, offset int) ([]*model.Account, int, error)
	setActiveFn  func(ctx context.Context, id string, active bool) (bool, error)
	deleteByIDFn func(ctx context.Context, id string) (bool, error)
}

func (m *mockAccountStore) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockAccountStore) List(ctx context.Context, limit, offset int) ([]*model.Account, int, error) {
	return m.listFn(ctx, limit, offset)
}

func (m *mockAccountStore) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	return m.setActiveFn(ctx, id, active)
}

func (m *mockAccountStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	return m.deleteByIDFn(ctx, id)
}

type mockLogStore struct {
	created      []*model.AdminLog
	createErr    error
	listRecentFn func(ctx context.Context, limit int) ([]*model.AdminLog, error)
}

func (m *mockLogStore) Create(ctx context.Context, entry *model.AdminLog) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, entry)
	return nil
}

func (m *mockLogStore) ListRecent(ctx context.Context, limit int) ([]*model.AdminLog, error) {
	return m.listRecentFn(ctx, limit)
}

const (
	adminID  = "11111111-1111-1111-1111-111111111111"
	targetID = "22222222-2222-2222-2222-222222222222"
)

func storeWith(account *model.Account) *mockAccountStore {
	return &mockAccountStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Account, error) {
			if account != nil && account.ID == id {
				copied := *account
				return &copied, nil
			}
			return nil, nil
		},
	}
}

// --- テスト ---

func TestService_ListUsers_ClampsPaging(t *testing.T) {
	var gotLimit, gotOffset int
	store := &mockAccountStore{
		listFn: func(ctx context.Context, limit, offset int) ([]*model.Account, int, error) {
			gotLimit, gotOffset = limit, offset
			return nil, 0, nil
		},
	}
	svc := NewService(store, &mockLogStore{}, "")

	page, err := svc.ListUsers(context.Background(), 1000, -5)
	if err != nil {
		t.Fatalf("ListUsers() がエラーを返した: %v", err)
	}
	if gotLimit != MaxPageSize || gotOffset != 0 {
		t.Errorf("limit=%d offset=%d, want %d 0", gotLimit, gotOffset, MaxPageSize)
	}
	if page.Accounts == nil {
		t.Error("空の一覧はnilではなく空スライスであるべき")
	}

	if _, err := svc.ListUsers(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if gotLimit != DefaultPageSize {
		t.Errorf("limit = %d, want %d", gotLimit, DefaultPageSize)
	}
}

func TestService_SetActive_DeactivateRecordsLog(t *testing.T) {
	store := storeWith(&model.Account{ID: targetID, Email: "user@example.com", IsActive: true, RefreshToken: "r1"})
	var gotActive bool
	store.setActiveFn = func(ctx context.Context, id string, active bool) (bool, error) {
		gotActive = active
		return true, nil
	}
	logs := &mockLogStore{}
	svc := NewService(store, logs, "admin@example.com")

	account, err := svc.SetActive(context.Background(), adminID, targetID, false)
	if err != nil {
		t.Fatalf("SetActive() がエラーを返した: %v", err)
	}
	if gotActive || account.IsActive {
		t.Error("アカウントが無効化されていない")
	}
	if account.RefreshToken != "" {
		t.Error("無効化時はリフレッシュトークンが消去されるべき")
	}
	if len(logs.created) != 1 || logs.created[0].Action != model.AdminActionDeactivateUser {
		t.Fatalf("監査ログ = %+v, want 1件のdeactivate_user", logs.created)
	}
	if logs.created[0].AdminID != adminID {
		t.Errorf("AdminID = %q, want %q", logs.created[0].AdminID, adminID)
	}
}

func TestService_SetActive_MainAdminProtected(t *testing.T) {
	store := storeWith(&model.Account{ID: targetID, Email: "admin@example.com", IsActive: true, IsAdmin: true})
	store.setActiveFn = func(ctx context.Context, id string, active bool) (bool, error) {
		t.Fatal("メイン管理者に対してSetActiveが呼ばれるべきではない")
		return false, nil
	}
	svc := NewService(store, &mockLogStore{}, " Admin@Example.com ")

	_, err := svc.SetActive(context.Background(), adminID, targetID, false)
	if !model.HasCode(err, model.ErrCodeForbiddenAction) {
		t.Fatalf("expected FORBIDDEN_ACTION, got %v", err)
	}
}

func TestService_SetActive_ActivateMainAdminAllowed(t *testing.T) {
	store := storeWith(&model.Account{ID: targetID, Email: "admin@example.com"})
	store.setActiveFn = func(ctx context.Context, id string, active bool) (bool, error) {
		return true, nil
	}
	logs := &mockLogStore{}
	svc := NewService(store, logs, "admin@example.com")

	if _, err := svc.SetActive(context.Background(), adminID, targetID, true); err != nil {
		t.Fatalf("SetActive() がエラーを返した: %v", err)
	}
	if logs.created[0].Action != model.AdminActionActivateUser {
		t.Errorf("Action = %q, want activate_user", logs.created[0].Action)
	}
}

func TestService_SetActive_NotFound(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"UUID形式でない", "not-a-uuid"},
		{"存在しない", targetID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(storeWith(nil), &mockLogStore{}, "")
			_, err := svc.SetActive(context.Background(), adminID, tt.id, false)
			if !model.HasCode(err, model.ErrCodeUserNotFound) {
				t.Fatalf("expected USER_NOT_FOUND, got %v", err)
			}
		})
	}
}

// 監査ログの記録に失敗しても操作自体は成功として扱う。
func TestService_SetActive_AuditFailureIgnored(t *testing.T) {
	store := storeWith(&model.Account{ID: targetID, Email: "user@example.com"})
	store.setActiveFn = func(ctx context.Context, id string, active bool) (bool, error) {
		return true, nil
	}
	svc := NewService(store, &mockLogStore{createErr: errors.New("db down")}, "")

	if _, err := svc.SetActive(context.Background(), adminID, targetID, true); err != nil {
		t.Fatalf("SetActive() がエラーを返した: %v", err)
	}
}

func TestService_DeleteUser(t *testing.T) {
	deleted := ""
	store := storeWith(&model.Account{ID: targetID, Email: "user@example.com"})
	store.deleteByIDFn = func(ctx context.Context, id string) (bool, error) {
		deleted = id
		return true, nil
	}
	logs := &mockLogStore{}
	svc := NewService(store, logs, "admin@example.com")

	if err := svc.DeleteUser(context.Background(), adminID, targetID); err != nil {
		t.Fatalf("DeleteUser() がエラーを返した: %v", err)
	}
	if deleted != targetID {
		t.Errorf("削除対象 = %q, want %q", deleted, targetID)
	}
	if len(logs.created) != 1 || logs.created[0].Action != model.AdminActionDeleteUser {
		t.Errorf("監査ログ = %+v, want 1件のdelete_user", logs.created)
	}
}

func TestService_DeleteUser_Forbidden(t *testing.T) {
	tests := []struct {
		name     string
		adminID  string
		targetID string
		email    string
	}{
		{"自分自身", targetID, targetID, "user@example.com"},
		{"メイン管理者", adminID, targetID, "admin@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storeWith(&model.Account{ID: tt.targetID, Email: tt.email})
			store.deleteByIDFn = func(ctx context.Context, id string) (bool, error) {
				t.Fatal("DeleteByIDが呼ばれるべきではない")
				return false, nil
			}
			svc := NewService(store, &mockLogStore{}, "admin@example.com")

			err := svc.DeleteUser(context.Background(), tt.adminID, tt.targetID)
			if !model.HasCode(err, model.ErrCodeForbiddenAction) {
				t.Fatalf("expected FORBIDDEN_ACTION, got %v", err)
			}
		})
	}
}

func TestService_DeleteUser_StoreError(t *testing.T) {
	store := storeWith(&model.Account{ID: targetID, Email: "user@example.com"})
	store.deleteByIDFn = func(ctx context.Context, id string) (bool, error) {
		return false, errors.New("db down")
	}
	svc := NewService(store, &mockLogStore{}, "")

	err := svc.DeleteUser(context.Background(), adminID, targetID)
	if err == nil {
		t.Fatal("エラーが返されるべき")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("インフラエラーはAPIErrorであるべきではない: %v", apiErr)
	}
}

func TestService_ListLogs(t *testing.T) {
	var gotLimit int
	logs := &mockLogStore{
		listRecentFn: func(ctx context.Context, limit int) ([]*model.AdminLog, error) {
			gotLimit = limit
			return []*model.AdminLog{{ID: "l1", Action: model.AdminActionLogin}}, nil
		},
	}
	svc := NewService(&mockAccountStore{}, logs, "")

	entries, err := svc.ListLogs(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListLogs() がエラーを返した: %v", err)
	}
	if gotLimit != DefaultLogLimit {
		t.Errorf("limit = %d, want %d", gotLimit, DefaultLogLimit)
	}
	if len(entries) != 1 {
		t.Errorf("len = %d, want 1", len(entries))
	}
}

func TestService_RecordAdminAction(t *testing.T) {
	logs := &mockLogStore{}
	svc := NewService(&mockAccountStore{}, logs, "")

	if err := svc.RecordAdminAction(context.Background(), adminID, model.AdminActionLogin, "ip=192.0.2.1"); err != nil {
		t.Fatalf("RecordAdminAction() がエラーを返した: %v", err)
	}
	entry := logs.created[0]
	if entry.ID == "" || entry.CreatedAt.IsZero() {
		t.Errorf("IDと作成日時が設定されるべき: %+v", entry)
	}
	if entry.Details != "ip=192.0.2.1" {
		t.Errorf("Details = %q", entry.Details)
	}
}
