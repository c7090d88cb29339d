package model

import "time"

// Role はトークンに埋め込まれる権限。
type Role string

const (
	// RoleUser は一般ユーザー。クレーム上は空文字として扱う。
	RoleUser Role = ""
	// RoleAdmin は管理画面のログイン経路で発行されたトークン。
	RoleAdmin Role = "admin"
)

// TokenKind はトークンの種別。
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// TokenClaims は検証済みトークンから取り出したクレーム。
type TokenClaims struct {
	Subject   string
	Role      Role
	Kind      TokenKind
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IsAdmin は管理者ロールのトークンかを返す。
func (c *TokenClaims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// TokenPair はアクセストークンとリフレッシュトークンの組。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult は認証成功時にクライアントへ返す内容。
type AuthResult struct {
	Account *Account
	Tokens  *TokenPair
}

// OAuthStart は外部IdPログインの開始情報。
// StateとCodeVerifierはコールバックまでクライアント側（Cookie）で保持する。
type OAuthStart struct {
	URL          string
	State        string
	CodeVerifier string
}
