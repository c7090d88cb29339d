// Package model はドメインモデルを定義する。
package model

import "time"

// Account は登録済みのアカウントを表す。
// 1つのメールアドレスにつき1レコードで、サインアップ時は未検証状態で作成される。
type Account struct {
	ID    string
	Email string
	Name  string

	// PasswordHash はbcryptハッシュ。外部IdPで作成されたアカウントでは空。
	PasswordHash string

	IsVerified bool
	IsActive   bool
	IsAdmin    bool

	// SignupCode はサインアップ検証用のワンタイムコード。検証済みならnil。
	SignupCode *TimeBoundCode
	// SignupAttempts は誤ったコードの送信回数。
	SignupAttempts int

	// ResetCode はパスワードリセット用のワンタイムコード。
	// SignupCodeとは独立したライフサイクルを持つ。
	ResetCode *TimeBoundCode

	// RefreshToken は現在有効な唯一のリフレッシュトークン。空ならセッションなし。
	// 発行のたびに上書きされるため、アカウントあたり1セッションしか持てない。
	RefreshToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword はパスワードでログイン可能なアカウントかを返す。
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// CanAuthenticate は検証済みかつ有効なアカウントかを返す。
// ログイン、リフレッシュ、パスワードリセットの前提条件。
func (a *Account) CanAuthenticate() bool {
	return a.IsVerified && a.IsActive
}

// TimeBoundCode は有効期限付きのワンタイムコード。
// サインアップ検証とパスワードリセットの両方で使う。
type TimeBoundCode struct {
	Code      string
	ExpiresAt time.Time
}

// Expired はnowの時点で期限切れかを返す。
func (c TimeBoundCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Matches はコードが一致し、かつ期限内であるかを返す。
func (c *TimeBoundCode) Matches(code string, now time.Time) bool {
	if c == nil || c.Code == "" || code == "" {
		return false
	}
	return c.Code == code && !c.Expired(now)
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	AccountID      string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// AdminLog は管理者操作の監査ログ。
type AdminLog struct {
	ID        string
	AdminID   string
	Action    string
	Details   string
	CreatedAt time.Time
}

// 監査ログのアクション種別
const (
	AdminActionLogin          = "login"
	AdminActionActivateUser   = "activate_user"
	AdminActionDeactivateUser = "deactivate_user"
	AdminActionDeleteUser     = "delete_user"
)
