// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/dsadrill/internal/middleware"
	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/validation"
)

const (
	oauthStateCookie    = "oauth_state"
	oauthVerifierCookie = "oauth_pkce"
	oauthCookiePath     = "/auth/google"
	oauthCookieMaxAge   = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Signup(ctx context.Context, email, password, name string) (string, error)
	VerifyCode(ctx context.Context, accountID, code string) (*model.AuthResult, error)
	ResendCode(ctx context.Context, accountID string) error
	DeleteUnverified(ctx context.Context, accountID string) error

	Login(ctx context.Context, email, password string) (*model.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error)
	Logout(ctx context.Context, accountID string) error

	RequestPasswordReset(ctx context.Context, email string) error
	ResendResetCode(ctx context.Context, email string) error
	VerifyResetCode(ctx context.Context, email, code string) error
	CommitPasswordReset(ctx context.Context, email, code, newPassword string) error

	OAuthEnabled() bool
	StartOAuth() (*model.OAuthStart, error)
	HandleCallback(ctx context.Context, code, codeVerifier string) (*model.AuthResult, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	validator *validation.Validator
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, validator *validation.Validator, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:   service,
		validator: validator,
		config:    config,
	}
}

// --- リクエストボディ ---

type signupRequest struct {
	Email    string `json:"email" validate:"required,max=320"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required,nonblank,max=200"`
}

type verifyOTPRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
	OTP    string `json:"otp" validate:"required,otpcode,max=16"`
}

type userIDRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=320"`
	Password string `json:"password" validate:"required,max=1024"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required,nonblank"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,max=320"`
}

type verifyResetRequest struct {
	Email string `json:"email" validate:"required,max=320"`
	OTP   string `json:"otp" validate:"required,otpcode,max=16"`
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,max=320"`
	OTP         string `json:"otp" validate:"required,otpcode,max=16"`
	NewPassword string `json:"newPassword" validate:"required"`
}

// signupResponse はサインアップのレスポンス。
// メール送信に失敗した場合もアカウントは作成済みのため、警告として返す。
type signupResponse struct {
	UserID  string                        `json:"userId"`
	Message string                        `json:"message"`
	Warning *middleware.ErrorResponseBody `json:"warning,omitempty"`
}

// --- サインアップ検証フロー ---

// Signup は未検証アカウントを作成し、認証コードを送信する。
// POST /auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	userID, err := h.service.Signup(r.Context(), req.Email, req.Password, req.Name)
	if err != nil && !(userID != "" && model.HasCode(err, model.ErrCodeDeliveryFailed)) {
		handleServiceError(w, err)
		return
	}

	resp := signupResponse{
		UserID:  userID,
		Message: "認証コードをメールで送信しました。",
	}
	if err != nil {
		var apiErr *model.APIError
		errors.As(err, &apiErr)
		resp.Message = "アカウントを作成しましたが、認証コードの送信に失敗しました。"
		resp.Warning = &middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

// VerifyOTP はサインアップコードを検証し、トークンペアを返す。
// コードが誤っているか期限切れの場合、未検証アカウントは削除される。
// POST /auth/verify-otp
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if apiErr := h.decodeWithCode(w, r, &req, &req.OTP); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	result, err := h.service.VerifyCode(r.Context(), req.UserID, req.OTP)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(result))
}

// ResendOTP は新しいサインアップコードを送信する。
// POST /auth/resend-otp
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	if err := h.service.ResendCode(r.Context(), req.UserID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "新しい認証コードを送信しました。"})
}

// DeleteUnverified は未検証アカウントを削除する。
// POST /auth/delete-unverified
func (h *AuthHandler) DeleteUnverified(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	if err := h.service.DeleteUnverified(r.Context(), req.UserID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "未認証のアカウントを削除しました。"})
}

// --- セッション ---

// Login はメールアドレスとパスワードで認証し、トークンペアを返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(result))
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンペアを返す。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	tokens, err := h.service.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
}

// Logout は保存済みのリフレッシュトークンを破棄する。
// POST /auth/logout（要Bearerトークン）
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIError(w, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Logout(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "ログアウトしました。"})
}

// Me は現在のログインアカウント情報を返す。
// GET /auth/me（要Bearerトークン）
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		writeAPIError(w, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]accountResponse{"user": toAccountResponse(account)})
}

// --- パスワードリセット ---

// ForgotPassword はパスワードリセットコードを送信する。
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	h.sendResetCode(w, r, h.service.RequestPasswordReset)
}

// ResendResetOTP はパスワードリセットコードを再送する。以前のコードは無効になる。
// POST /auth/resend-reset-otp
func (h *AuthHandler) ResendResetOTP(w http.ResponseWriter, r *http.Request) {
	h.sendResetCode(w, r, h.service.ResendResetCode)
}

func (h *AuthHandler) sendResetCode(w http.ResponseWriter, r *http.Request, send func(context.Context, string) error) {
	var req emailRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	if err := send(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "パスワードリセット用のコードを送信しました。"})
}

// VerifyResetOTP はパスワードリセットコードを検証する。状態は変更しない。
// POST /auth/verify-reset-otp
func (h *AuthHandler) VerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyResetRequest
	if apiErr := h.decodeWithCode(w, r, &req, &req.OTP); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	if err := h.service.VerifyResetCode(r.Context(), req.Email, req.OTP); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "コードを確認しました。"})
}

// ResetPassword はリセットコードを消費してパスワードを更新する。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if apiErr := h.decodeWithCode(w, r, &req, &req.OTP); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	if err := h.service.CommitPasswordReset(r.Context(), req.Email, req.OTP, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "パスワードを更新しました。"})
}

// decodeWithCode はボディを読み込み、コードを大文字に正規化してから検証する。
func (h *AuthHandler) decodeWithCode(w http.ResponseWriter, r *http.Request, dst any, code *string) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := decodeBody(r, dst); err != nil {
		return err
	}
	*code = strings.ToUpper(strings.TrimSpace(*code))
	if details := h.validator.Struct(dst); details != nil {
		return model.NewValidationError(details)
	}
	return nil
}

// --- 外部IdPログイン ---

// GoogleLogin はGoogle OAuthフローを開始する。
// stateとPKCEのcode_verifierはCookieで保持し、コールバックで照合する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.service.OAuthEnabled() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, oauthDisabledError())
		return
	}

	start, err := h.service.StartOAuth()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setOAuthCookie(w, oauthStateCookie, start.State, oauthCookieMaxAge)
	h.setOAuthCookie(w, oauthVerifierCookie, start.CodeVerifier, oauthCookieMaxAge)

	http.Redirect(w, r, start.URL, http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理し、トークンペアを返す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if !h.service.OAuthEnabled() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, oauthDisabledError())
		return
	}

	// 照合の成否にかかわらず使い捨て
	h.setOAuthCookie(w, oauthStateCookie, "", -1)
	h.setOAuthCookie(w, oauthVerifierCookie, "", -1)

	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		writeAPIError(w, model.NewValidationError(map[string]string{
			"state": "stateパラメータが一致しません。",
		}))
		return
	}

	verifierCookie, err := r.Cookie(oauthVerifierCookie)
	if err != nil || verifierCookie.Value == "" {
		slog.Warn("oauth pkce verifier missing")
		writeAPIError(w, model.NewValidationError(map[string]string{
			"state": "ログインをやり直してください。",
		}))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeAPIError(w, model.NewValidationError(map[string]string{
			"code": "認可コードがありません。",
		}))
		return
	}

	result, err := h.service.HandleCallback(r.Context(), code, verifierCookie.Value)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(result))
}

func (h *AuthHandler) setOAuthCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     oauthCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func oauthDisabledError() *model.APIError {
	return &model.APIError{
		Code:     "OAUTH_DISABLED",
		Message:  "外部アカウントでのログインは有効になっていません。",
		Category: "auth",
		Action:   "メールアドレスとパスワードでログインしてください。",
	}
}
