package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/repository"
	"github.com/hitoshi/dsadrill/internal/security"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- account repository ---

// memAccountRepo はPostgresAccountRepoと同じ条件付き更新の意味論を持つインメモリ実装。
type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	err      error // 設定時は全メソッドがこのエラーを返す
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{accounts: map[string]*model.Account{}}
}

func cloneAccount(a *model.Account) *model.Account {
	c := *a
	if a.SignupCode != nil {
		code := *a.SignupCode
		c.SignupCode = &code
	}
	if a.ResetCode != nil {
		code := *a.ResetCode
		c.ResetCode = &code
	}
	return &c
}

func (r *memAccountRepo) byEmail(email string) *model.Account {
	for _, a := range r.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

func (r *memAccountRepo) Create(_ context.Context, account *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.byEmail(account.Email) != nil {
		return repository.ErrDuplicateEmail
	}
	r.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (r *memAccountRepo) CreateWithIdentity(ctx context.Context, account *model.Account, _ *model.Identity) error {
	return r.Create(ctx, account)
}

func (r *memAccountRepo) FindByID(_ context.Context, id string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if a, ok := r.accounts[id]; ok {
		return cloneAccount(a), nil
	}
	return nil, nil
}

func (r *memAccountRepo) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if a := r.byEmail(email); a != nil {
		return cloneAccount(a), nil
	}
	return nil, nil
}

func (r *memAccountRepo) ActivateWithCode(_ context.Context, id, code string, now time.Time, refreshToken string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.IsVerified || !a.SignupCode.Matches(code, now) {
		return false, nil
	}
	a.IsVerified = true
	a.SignupCode = nil
	a.SignupAttempts = 0
	a.RefreshToken = refreshToken
	return true, nil
}

func (r *memAccountRepo) ActivateExternal(_ context.Context, id, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.IsVerified {
		return false, nil
	}
	a.IsVerified = true
	a.Name = name
	a.PasswordHash = ""
	a.SignupCode = nil
	a.SignupAttempts = 0
	a.ResetCode = nil
	a.RefreshToken = ""
	return true, nil
}

func (r *memAccountRepo) ReplaceSignupCode(_ context.Context, id string, code model.TimeBoundCode) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.IsVerified {
		return false, nil
	}
	a.SignupCode = &code
	a.SignupAttempts = 0
	return true, nil
}

func (r *memAccountRepo) IncrementSignupAttempts(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.IsVerified {
		return 0, nil
	}
	a.SignupAttempts++
	return a.SignupAttempts, nil
}

func (r *memAccountRepo) ReplaceResetCode(_ context.Context, id string, code model.TimeBoundCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.ResetCode = &code
	}
	return nil
}

func (r *memAccountRepo) CommitPasswordReset(_ context.Context, id, code string, now time.Time, passwordHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || !a.ResetCode.Matches(code, now) {
		return false, nil
	}
	a.PasswordHash = passwordHash
	a.ResetCode = nil
	return true, nil
}

func (r *memAccountRepo) SetRefreshToken(_ context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if a, ok := r.accounts[id]; ok {
		a.RefreshToken = token
	}
	return nil
}

func (r *memAccountRepo) RotateRefreshToken(_ context.Context, id, current, next string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.RefreshToken == "" || a.RefreshToken != current {
		return false, nil
	}
	a.RefreshToken = next
	return true, nil
}

func (r *memAccountRepo) ClearRefreshToken(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if a, ok := r.accounts[id]; ok {
		a.RefreshToken = ""
	}
	return nil
}

func (r *memAccountRepo) DeleteUnverified(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.IsVerified {
		return false, nil
	}
	delete(r.accounts, id)
	return true, nil
}

func (r *memAccountRepo) DeleteExpiredUnverified(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, a := range r.accounts {
		if !a.IsVerified && a.SignupCode != nil && a.SignupCode.ExpiresAt.Before(cutoff) {
			delete(r.accounts, id)
			n++
		}
	}
	return n, nil
}

func (r *memAccountRepo) List(_ context.Context, limit, offset int) ([]*model.Account, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*model.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		all = append(all, cloneAccount(a))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memAccountRepo) SetActive(_ context.Context, id string, active bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return false, nil
	}
	a.IsActive = active
	if !active {
		a.RefreshToken = ""
	}
	return true, nil
}

func (r *memAccountRepo) DeleteByID(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return false, nil
	}
	delete(r.accounts, id)
	return true, nil
}

// get はテスト用に保存済みの状態を直接参照する。
func (r *memAccountRepo) get(id string) *model.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		return cloneAccount(a)
	}
	return nil
}

var _ repository.AccountRepository = (*memAccountRepo)(nil)

// --- identity repository ---

type memIdentityRepo struct {
	mu         sync.Mutex
	identities []*model.Identity
	createErr  error
}

func (r *memIdentityRepo) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.identities {
		if i.Provider == provider && i.ProviderUserID == providerUserID {
			c := *i
			return &c, nil
		}
	}
	return nil, nil
}

func (r *memIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	c := *identity
	r.identities = append(r.identities, &c)
	return nil
}

var _ repository.IdentityRepository = (*memIdentityRepo)(nil)

// --- collaborators ---

// plainHasher はテスト高速化のためbcryptを使わないハッシュ実装。
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }
func (plainHasher) Compare(hash, password string) bool {
	return hash != "" && hash == "hashed:"+password
}

// seqCodes は連番のコードを生成する。期限は時計基準で計算する。
type seqCodes struct {
	mu    sync.Mutex
	clock *fakeClock
	n     int
}

func (g *seqCodes) Generate(window time.Duration) (model.TimeBoundCode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return model.TimeBoundCode{
		Code:      fmt.Sprintf("CODE%02d", g.n),
		ExpiresAt: g.clock.Now().Add(window),
	}, nil
}

type sentCode struct {
	email string
	code  string
}

type captureNotifier struct {
	mu     sync.Mutex
	signup []sentCode
	reset  []sentCode
	fail   bool
}

func (n *captureNotifier) SendSignupCode(_ context.Context, account *model.Account, code model.TimeBoundCode) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp: connection refused")
	}
	n.signup = append(n.signup, sentCode{account.Email, code.Code})
	return nil
}

func (n *captureNotifier) SendResetCode(_ context.Context, account *model.Account, code model.TimeBoundCode) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp: connection refused")
	}
	n.reset = append(n.reset, sentCode{account.Email, code.Code})
	return nil
}

func (n *captureNotifier) lastSignupCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.signup) == 0 {
		t.Fatal("no signup code was sent")
	}
	return n.signup[len(n.signup)-1].code
}

func (n *captureNotifier) lastResetCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.reset) == 0 {
		t.Fatal("no reset code was sent")
	}
	return n.reset[len(n.reset)-1].code
}

type auditCall struct {
	adminID, action, details string
}

type recordingAudit struct {
	mu    sync.Mutex
	calls []auditCall
	err   error
}

func (a *recordingAudit) RecordAdminAction(_ context.Context, adminID, action, details string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{adminID, action, details})
	return a.err
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEvents) RecordAuthEvent(event, result string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event+"/"+result)
}

func (e *recordingEvents) has(entry string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev == entry {
			return true
		}
	}
	return false
}

type stubOAuthProvider struct {
	info *OAuthUserInfo
	err  error

	gotChallenge string
	gotVerifier  string
}

func (p *stubOAuthProvider) AuthCodeURL(state, codeChallenge string) string {
	p.gotChallenge = codeChallenge
	return "https://accounts.example.com/auth?state=" + state + "&code_challenge=" + codeChallenge
}

func (p *stubOAuthProvider) ExchangeCode(_ context.Context, _, codeVerifier string) (*OAuthUserInfo, error) {
	p.gotVerifier = codeVerifier
	return p.info, p.err
}

// --- test environment ---

type testEnv struct {
	svc        *Service
	accounts   *memAccountRepo
	identities *memIdentityRepo
	notifier   *captureNotifier
	tokens     *TokenIssuer
	clock      *fakeClock
	audit      *recordingAudit
	events     *recordingEvents
}

type envOption func(*ServiceDeps, *ServiceConfig)

func withOAuth(p OAuthProvider) envOption {
	return func(d *ServiceDeps, _ *ServiceConfig) { d.OAuth = p }
}

func withMaxAttempts(n int) envOption {
	return func(_ *ServiceDeps, c *ServiceConfig) { c.MaxOTPAttempts = n }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clock := newFakeClock()
	env := &testEnv{
		accounts:   newMemAccountRepo(),
		identities: &memIdentityRepo{},
		notifier:   &captureNotifier{},
		clock:      clock,
		audit:      &recordingAudit{},
		events:     &recordingEvents{},
	}
	env.tokens = NewTokenIssuer(TokenIssuerConfig{
		Secret:     "test-jwt-secret-32bytes-long!!!!",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	env.tokens.now = clock.Now

	deps := ServiceDeps{
		Accounts:   env.accounts,
		Identities: env.identities,
		Hasher:     plainHasher{},
		Codes:      &seqCodes{clock: clock},
		Tokens:     env.tokens,
		Notifier:   env.notifier,
		Policy:     validation.PasswordPolicy{MinLength: 6},
		Sanitizer:  security.NewNameSanitizer(),
		Audit:      env.audit,
		Events:     env.events,
	}
	cfg := ServiceConfig{
		SignupWindow:   60 * time.Second,
		ResetWindow:    120 * time.Second,
		MaxOTPAttempts: DefaultMaxOTPAttempts,
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	env.svc = NewService(deps, cfg)
	env.svc.now = clock.Now
	return env
}

// signup はサインアップして送信されたコードとともにアカウントIDを返す。
func (e *testEnv) signup(t *testing.T, email string) (string, string) {
	t.Helper()
	id, err := e.svc.Signup(context.Background(), email, "secret1", "Alice")
	if err != nil {
		t.Fatalf("Signup(%s) error = %v", email, err)
	}
	return id, e.notifier.lastSignupCode(t)
}

// activeAccount は検証済みのアカウントを作成してIDを返す。
func (e *testEnv) activeAccount(t *testing.T, email string) string {
	t.Helper()
	id, code := e.signup(t, email)
	if _, err := e.svc.VerifyCode(context.Background(), id, code); err != nil {
		t.Fatalf("VerifyCode error = %v", err)
	}
	return id
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !model.HasCode(err, code) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}
