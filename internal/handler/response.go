package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/dsadrill/internal/middleware"
	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20

// accountResponse はアカウント情報のAPIレスポンス。
// パスワードハッシュ、コード、トークンは含めない。
type accountResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	IsVerified bool      `json:"isVerified"`
	IsActive   bool      `json:"isActive"`
	IsAdmin    bool      `json:"isAdmin"`
	CreatedAt  time.Time `json:"createdAt"`
}

// authResponse は認証成功時のレスポンス。
type authResponse struct {
	User         accountResponse `json:"user"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
}

// tokenResponse はトークン更新時のレスポンス。
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// messageResponse は処理結果のメッセージのみを返すレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

func toAccountResponse(account *model.Account) accountResponse {
	return accountResponse{
		ID:         account.ID,
		Email:      account.Email,
		Name:       account.Name,
		IsVerified: account.IsVerified,
		IsActive:   account.IsActive,
		IsAdmin:    account.IsAdmin,
		CreatedAt:  account.CreatedAt,
	}
}

func toAuthResponse(result *model.AuthResult) authResponse {
	return authResponse{
		User:         toAccountResponse(result.Account),
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIError はコードに対応するステータスで統一エラーレスポンスを書き込む。
func writeAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteAPIError(w, apiErr)
}

// decodeRequest はJSONボディをdstに読み込み、検証する。
// 失敗した場合はVALIDATION_ERRORのAPIErrorを返す。
func decodeRequest(w http.ResponseWriter, r *http.Request, v *validation.Validator, dst any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if apiErr := decodeBody(r, dst); apiErr != nil {
		return apiErr
	}

	if details := v.Struct(dst); details != nil {
		return model.NewValidationError(details)
	}
	return nil
}

// decodeBody はJSONボディをdstに読み込む。未知のフィールドは拒否する。
func decodeBody(r *http.Request, dst any) *model.APIError {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewValidationError(map[string]string{
			"body": "リクエストボディの解析に失敗しました。",
		})
	}
	return nil
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
