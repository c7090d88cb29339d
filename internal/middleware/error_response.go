package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/dsadrill/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Category string            `json:"category"`
	Action   string            `json:"action"`
	Details  map[string]string `json:"details,omitempty"`
}

// StatusFor はAPIErrorのコードに対応するHTTPステータスを返す。
// 未知のコードは500として扱う。
func StatusFor(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeInvalidOrExpiredCode, model.ErrCodeForbiddenAction:
		return http.StatusBadRequest
	case model.ErrCodeDuplicateAddress, model.ErrCodeAlreadyVerified:
		return http.StatusConflict
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeEmailNotVerified, model.ErrCodeInvalidRefreshToken, model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeDeliveryFailed:
		return http.StatusBadGateway
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteAPIError はStatusForで決まるステータスでエラーレスポンスを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusFor(apiErr), apiErr)
}

// WriteErrorResponse はステータスを明示して統一フォーマットのエラーレスポンスを書き込む。
// コードの既定ステータスと異なる応答（無効化された機能の404など）に使う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Details:  apiErr.Details,
	})
}

// WriteInternalServerError は内部エラーの統一レスポンスを書き込む。
// 原因はログにのみ残し、クライアントには汎用メッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, model.NewInternalError())
}
