// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, admin, system
	Action   string // ユーザー向け対処方法
	Details  map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeDuplicateAddress     = "DUPLICATE_ADDRESS"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeAlreadyVerified      = "ALREADY_VERIFIED"
	ErrCodeInvalidOrExpiredCode = "INVALID_OR_EXPIRED_CODE"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeEmailNotVerified     = "EMAIL_NOT_VERIFIED"
	ErrCodeInvalidRefreshToken  = "INVALID_REFRESH_TOKEN"
	ErrCodeDeliveryFailed       = "DELIVERY_FAILED"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeForbiddenAction      = "FORBIDDEN_ACTION"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// HasCode はerrがcodeを持つAPIErrorかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewValidationError は入力検証エラーを生成する。
// detailsにはフィールド名からメッセージへの対応を渡す。
func NewValidationError(details map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "入力内容に誤りがあります。",
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
		Details:  details,
	}
}

// NewDuplicateAddressError は登録済みメールアドレスのエラーを生成する。
func NewDuplicateAddressError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateAddress,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、パスワードをリセットしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "メールアドレスを確認するか、新規登録してください。",
	}
}

// NewAlreadyVerifiedError は検証済みアカウントに対する操作のエラーを生成する。
func NewAlreadyVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyVerified,
		Message:  "このアカウントは既に認証済みです。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidOrExpiredCodeError は認証コードの不一致または期限切れのエラーを生成する。
// サインアップ検証ではこのエラーの時点で登録は削除されている。
func NewInvalidOrExpiredCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOrExpiredCode,
		Message:  "認証コードが正しくないか、有効期限が切れています。",
		Category: "auth",
		Action:   "新しい認証コードを取得してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致のエラーを生成する。
// アドレスの存在有無は区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewEmailNotVerifiedError はメール未認証アカウントのログインエラーを生成する。
func NewEmailNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotVerified,
		Message:  "メールアドレスの認証が完了していません。",
		Category: "auth",
		Action:   "届いた認証コードで認証を完了してください。",
	}
}

// NewInvalidRefreshTokenError はリフレッシュトークン不正のエラーを生成する。
func NewInvalidRefreshTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRefreshToken,
		Message:  "リフレッシュトークンが無効です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewDeliveryError はメール送信失敗のエラーを生成する。
// 状態の更新は完了しているため、再送で回復できる。
func NewDeliveryError() *APIError {
	return &APIError{
		Code:     ErrCodeDeliveryFailed,
		Message:  "認証コードのメール送信に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってからコードの再送を行ってください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewForbiddenActionError は管理操作として許可されない操作のエラーを生成する。
func NewForbiddenActionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbiddenAction,
		Message:  reason,
		Category: "admin",
		Action:   "対象のアカウントを確認してください。",
	}
}

// NewRateLimitExceededError はレート制限超過のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
