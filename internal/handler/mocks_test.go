package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/hitoshi/dsadrill/internal/admin"
	"github.com/hitoshi/dsadrill/internal/middleware"
	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// --- モック定義 ---

type mockAuthService struct {
	signupFn           func(ctx context.Context, email, password, name string) (string, error)
	verifyCodeFn       func(ctx context.Context, accountID, code string) (*model.AuthResult, error)
	resendCodeFn       func(ctx context.Context, accountID string) error
	deleteUnverifiedFn func(ctx context.Context, accountID string) error
	loginFn            func(ctx context.Context, email, password string) (*model.AuthResult, error)
	loginAdminFn       func(ctx context.Context, email, password, clientIP string) (*model.AuthResult, error)
	refreshFn          func(ctx context.Context, refreshToken string) (*model.TokenPair, error)
	logoutFn           func(ctx context.Context, accountID string) error
	requestResetFn     func(ctx context.Context, email string) error
	resendResetFn      func(ctx context.Context, email string) error
	verifyResetFn      func(ctx context.Context, email, code string) error
	commitResetFn      func(ctx context.Context, email, code, newPassword string) error
	oauthEnabled       bool
	startOAuthFn       func() (*model.OAuthStart, error)
	handleCallbackFn   func(ctx context.Context, code, codeVerifier string) (*model.AuthResult, error)
}

func (m *mockAuthService) Signup(ctx context.Context, email, password, name string) (string, error) {
	return m.signupFn(ctx, email, password, name)
}
func (m *mockAuthService) VerifyCode(ctx context.Context, accountID, code string) (*model.AuthResult, error) {
	return m.verifyCodeFn(ctx, accountID, code)
}
func (m *mockAuthService) ResendCode(ctx context.Context, accountID string) error {
	return m.resendCodeFn(ctx, accountID)
}
func (m *mockAuthService) DeleteUnverified(ctx context.Context, accountID string) error {
	return m.deleteUnverifiedFn(ctx, accountID)
}
func (m *mockAuthService) Login(ctx context.Context, email, password string) (*model.AuthResult, error) {
	return m.loginFn(ctx, email, password)
}
func (m *mockAuthService) LoginAdmin(ctx context.Context, email, password, clientIP string) (*model.AuthResult, error) {
	return m.loginAdminFn(ctx, email, password, clientIP)
}
func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	return m.refreshFn(ctx, refreshToken)
}
func (m *mockAuthService) Logout(ctx context.Context, accountID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, accountID)
	}
	return nil
}
func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	return m.requestResetFn(ctx, email)
}
func (m *mockAuthService) ResendResetCode(ctx context.Context, email string) error {
	return m.resendResetFn(ctx, email)
}
func (m *mockAuthService) VerifyResetCode(ctx context.Context, email, code string) error {
	return m.verifyResetFn(ctx, email, code)
}
func (m *mockAuthService) CommitPasswordReset(ctx context.Context, email, code, newPassword string) error {
	return m.commitResetFn(ctx, email, code, newPassword)
}
func (m *mockAuthService) OAuthEnabled() bool { return m.oauthEnabled }
func (m *mockAuthService) StartOAuth() (*model.OAuthStart, error) {
	return m.startOAuthFn()
}
func (m *mockAuthService) HandleCallback(ctx context.Context, code, codeVerifier string) (*model.AuthResult, error) {
	return m.handleCallbackFn(ctx, code, codeVerifier)
}

type mockAdminService struct {
	listUsersFn  func(ctx context.Context, limit, offset int) (*admin.UserPage, error)
	setActiveFn  func(ctx context.Context, adminID, targetID string, active bool) (*model.Account, error)
	deleteUserFn func(ctx context.Context, adminID, targetID string) error
	listLogsFn   func(ctx context.Context, limit int) ([]*model.AdminLog, error)
}

func (m *mockAdminService) ListUsers(ctx context.Context, limit, offset int) (*admin.UserPage, error) {
	return m.listUsersFn(ctx, limit, offset)
}
func (m *mockAdminService) SetActive(ctx context.Context, adminID, targetID string, active bool) (*model.Account, error) {
	return m.setActiveFn(ctx, adminID, targetID, active)
}
func (m *mockAdminService) DeleteUser(ctx context.Context, adminID, targetID string) error {
	return m.deleteUserFn(ctx, adminID, targetID)
}
func (m *mockAdminService) ListLogs(ctx context.Context, limit int) ([]*model.AdminLog, error) {
	return m.listLogsFn(ctx, limit)
}

// fakeTokens は"access-<accountID>"形式のトークンを受け付ける。
// "admin-<accountID>"はadminロールとして扱う。
type fakeTokens struct{}

func (fakeTokens) Verify(token string, kind model.TokenKind) (*model.TokenClaims, error) {
	if kind != model.TokenKindAccess {
		return nil, errors.New("unexpected kind")
	}
	if id, ok := strings.CutPrefix(token, "access-"); ok {
		return &model.TokenClaims{Subject: id, Kind: kind}, nil
	}
	if id, ok := strings.CutPrefix(token, "admin-"); ok {
		return &model.TokenClaims{Subject: id, Role: model.RoleAdmin, Kind: kind}, nil
	}
	return nil, errors.New("invalid token")
}

type fakeAccounts map[string]*model.Account

func (f fakeAccounts) FindByID(ctx context.Context, id string) (*model.Account, error) {
	return f[id], nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

const (
	testUserID  = "11111111-1111-1111-1111-111111111111"
	testAdminID = "99999999-9999-9999-9999-999999999999"
)

func testAccount() *model.Account {
	return &model.Account{
		ID:           testUserID,
		Email:        "user@example.com",
		Name:         "User",
		PasswordHash: "$2a$12$secret",
		IsVerified:   true,
		IsActive:     true,
		RefreshToken: "stored-refresh",
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testAuthResult() *model.AuthResult {
	return &model.AuthResult{
		Account: testAccount(),
		Tokens:  &model.TokenPair{AccessToken: "a1", RefreshToken: "r1"},
	}
}

// newTestRouter はモックを組み込んだルーターを生成する。
// レート制限は十分に緩くしておく。
func newTestRouter(authSvc *mockAuthService, adminSvc *mockAdminService) (http.Handler, func()) {
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.AuthRate, rlCfg.AuthBurst = 1000, 1000
	rlCfg.AdminRate, rlCfg.AdminBurst = 1000, 1000
	rl := middleware.NewRateLimiter(rlCfg)

	if authSvc == nil {
		authSvc = &mockAuthService{}
	}
	if adminSvc == nil {
		adminSvc = &mockAdminService{}
	}

	adminAccount := &model.Account{ID: testAdminID, Email: "admin@example.com", IsVerified: true, IsActive: true, IsAdmin: true}

	router := NewRouter(&RouterDeps{
		TokenVerifier:     fakeTokens{},
		AccountFinder:     fakeAccounts{testUserID: testAccount(), testAdminID: adminAccount},
		CORSAllowedOrigin: "http://localhost:5173",
		RateLimiter:       rl,
		HealthChecker:     fakePinger{},
		Validator:         validation.New(),
		AuthService:       authSvc,
		AdminAuth:         authSvc,
		AdminService:      adminSvc,
	})
	return router, rl.Stop
}

func doJSON(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
