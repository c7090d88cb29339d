package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/dsadrill/internal/admin"
	"github.com/hitoshi/dsadrill/internal/middleware"
	"github.com/hitoshi/dsadrill/internal/model"
)

func TestAdminHandler_Login_PassesClientIP(t *testing.T) {
	var gotIP string
	svc := &mockAuthService{
		loginAdminFn: func(ctx context.Context, email, password, clientIP string) (*model.AuthResult, error) {
			gotIP = clientIP
			result := testAuthResult()
			result.Account.IsAdmin = true
			return result, nil
		},
	}
	router, stop := newTestRouter(svc, nil)
	defer stop()

	w := doJSON(router, http.MethodPost, "/admin/login", `{"email":"admin@example.com","password":"secret1"}`, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if gotIP == "" {
		t.Error("client IP should be passed to the service")
	}
	if body := decodeResponse[authResponse](t, w); !body.User.IsAdmin {
		t.Errorf("user = %+v, want admin", body.User)
	}
}

func TestAdminHandler_Login_InvalidCredentials(t *testing.T) {
	svc := &mockAuthService{
		loginAdminFn: func(ctx context.Context, email, password, clientIP string) (*model.AuthResult, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	router, stop := newTestRouter(svc, nil)
	defer stop()

	w := doJSON(router, http.MethodPost, "/admin/login", `{"email":"user@example.com","password":"secret1"}`, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// 管理APIはadminロールのトークンと管理者アカウントの両方を要求する。
func TestAdminRoutes_RequireAdmin(t *testing.T) {
	adminSvc := &mockAdminService{
		listUsersFn: func(ctx context.Context, limit, offset int) (*admin.UserPage, error) {
			return &admin.UserPage{Accounts: []*model.Account{}, Limit: 20}, nil
		},
	}
	router, stop := newTestRouter(nil, adminSvc)
	defer stop()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"トークンなし", "", http.StatusUnauthorized},
		{"一般ユーザー", "access-" + testUserID, http.StatusForbidden},
		{"adminロールだが管理者でない", "admin-" + testUserID, http.StatusForbidden},
		{"管理者の一般トークン", "access-" + testAdminID, http.StatusForbidden},
		{"管理者", "admin-" + testAdminID, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodGet, "/admin/users", "", tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminHandler_ListUsers(t *testing.T) {
	var gotLimit, gotOffset int
	adminSvc := &mockAdminService{
		listUsersFn: func(ctx context.Context, limit, offset int) (*admin.UserPage, error) {
			gotLimit, gotOffset = limit, offset
			return &admin.UserPage{
				Accounts: []*model.Account{testAccount()},
				Total:    41,
				Limit:    limit,
				Offset:   offset,
			}, nil
		},
	}
	router, stop := newTestRouter(nil, adminSvc)
	defer stop()

	w := doJSON(router, http.MethodGet, "/admin/users?limit=10&offset=20", "", "admin-"+testAdminID)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotLimit != 10 || gotOffset != 20 {
		t.Errorf("limit=%d offset=%d, want 10 20", gotLimit, gotOffset)
	}
	body := decodeResponse[userListResponse](t, w)
	if body.Total != 41 || len(body.Users) != 1 {
		t.Errorf("body = %+v", body)
	}

	w = doJSON(router, http.MethodGet, "/admin/users?limit=abc", "", "admin-"+testAdminID)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: status = %d, want 400", w.Code)
	}
}

func TestAdminHandler_UpdateUser(t *testing.T) {
	var gotAdmin, gotTarget string
	var gotActive bool
	adminSvc := &mockAdminService{
		setActiveFn: func(ctx context.Context, adminID, targetID string, active bool) (*model.Account, error) {
			gotAdmin, gotTarget, gotActive = adminID, targetID, active
			account := testAccount()
			account.IsActive = active
			return account, nil
		},
	}
	router, stop := newTestRouter(nil, adminSvc)
	defer stop()

	w := doJSON(router, http.MethodPatch, "/admin/users/"+testUserID, `{"isActive":false}`, "admin-"+testAdminID)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if gotAdmin != testAdminID || gotTarget != testUserID || gotActive {
		t.Errorf("admin=%q target=%q active=%v", gotAdmin, gotTarget, gotActive)
	}

	// isActive未指定は検証エラー
	w = doJSON(router, http.MethodPatch, "/admin/users/"+testUserID, `{}`, "admin-"+testAdminID)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing isActive: status = %d, want 400", w.Code)
	}
}

func TestAdminHandler_UpdateUser_ForbiddenAction(t *testing.T) {
	adminSvc := &mockAdminService{
		setActiveFn: func(ctx context.Context, adminID, targetID string, active bool) (*model.Account, error) {
			return nil, model.NewForbiddenActionError("メイン管理者アカウントは無効化できません。")
		},
	}
	router, stop := newTestRouter(nil, adminSvc)
	defer stop()

	w := doJSON(router, http.MethodPatch, "/admin/users/"+testAdminID, `{"isActive":false}`, "admin-"+testAdminID)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if code := decodeResponse[middleware.ErrorResponseBody](t, w).Code; code != model.ErrCodeForbiddenAction {
		t.Errorf("code = %q, want %q", code, model.ErrCodeForbiddenAction)
	}
}

func TestAdminHandler_DeleteUser(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"成功", nil, http.StatusNoContent},
		{"存在しない", model.NewUserNotFoundError(), http.StatusNotFound},
		{"内部エラー", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adminSvc := &mockAdminService{
				deleteUserFn: func(ctx context.Context, adminID, targetID string) error {
					return tt.err
				},
			}
			router, stop := newTestRouter(nil, adminSvc)
			defer stop()

			w := doJSON(router, http.MethodDelete, "/admin/users/"+testUserID, "", "admin-"+testAdminID)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAdminHandler_ListLogs(t *testing.T) {
	adminSvc := &mockAdminService{
		listLogsFn: func(ctx context.Context, limit int) ([]*model.AdminLog, error) {
			return []*model.AdminLog{{
				ID:        "log-1",
				AdminID:   testAdminID,
				Action:    model.AdminActionLogin,
				Details:   "ip=192.0.2.1",
				CreatedAt: time.Now(),
			}}, nil
		},
	}
	router, stop := newTestRouter(nil, adminSvc)
	defer stop()

	w := doJSON(router, http.MethodGet, "/admin/logs", "", "admin-"+testAdminID)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeResponse[map[string][]adminLogResponse](t, w)
	if len(body["logs"]) != 1 || body["logs"][0].Action != model.AdminActionLogin {
		t.Errorf("logs = %+v", body["logs"])
	}
}
