// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/dsadrill/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey  = contextKey("user_id")
	roleContextKey    = contextKey("role")
	accountContextKey = contextKey("account")
)

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
type TokenVerifier interface {
	Verify(token string, kind model.TokenKind) (*model.TokenClaims, error)
}

// AccountFinder はアカウントの検索に必要なインターフェース。
// repository.AccountRepositoryの部分集合として定義する。
type AccountFinder interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// トークンが有効で、アカウントが存在し有効な場合のみ通過させ、
// ユーザーID、ロール、アカウントをリクエストコンテキストに注入する。
// それ以外は401 Unauthorizedを返す。
func NewAuthMiddleware(verifier TokenVerifier, accounts AccountFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Authorizationヘッダーからトークンを取得
			token, ok := bearerToken(r)
			if !ok {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			// 2. アクセストークンとして検証（リフレッシュトークンは拒否）
			claims, err := verifier.Verify(token, model.TokenKindAccess)
			if err != nil {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			// 3. アカウントの存在と有効性を確認
			account, err := accounts.FindByID(r.Context(), claims.Subject)
			if err != nil {
				slog.Error("failed to find account",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if account == nil || !account.IsActive {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			// 4. 認証情報をコンテキストに注入
			annotateAccount(r.Context(), account.ID, claims.Role)
			ctx := context.WithValue(r.Context(), userIDContextKey, account.ID)
			ctx = context.WithValue(ctx, roleContextKey, claims.Role)
			ctx = context.WithValue(ctx, accountContextKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewAdminMiddleware は管理者ロールのトークンを要求するミドルウェアを返す。
// NewAuthMiddlewareの後に配置する。
// トークンのロールだけでなく、アカウントが現在も管理者かつ有効であることを確認する。
func NewAdminMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, ok := AccountFromContext(r.Context())
			if !ok {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			if RoleFromContext(r.Context()) != model.RoleAdmin || !account.IsAdmin || !account.IsActive {
				slog.Warn("admin access denied",
					slog.String("user_id", account.ID),
					slog.String("path", r.URL.Path),
				)
				WriteAPIError(w, model.NewForbiddenError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// RoleFromContext はトークンのロールを取得する。未認証の場合はRoleUser。
func RoleFromContext(ctx context.Context) model.Role {
	role, _ := ctx.Value(roleContextKey).(model.Role)
	return role
}

// AccountFromContext は認証ミドルウェアが読み込んだアカウントを取得する。
func AccountFromContext(ctx context.Context) (*model.Account, bool) {
	account, ok := ctx.Value(accountContextKey).(*model.Account)
	return account, ok && account != nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithAccount はコンテキストに認証済みアカウントとロールを注入する。
// テストで使用する。
func ContextWithAccount(ctx context.Context, account *model.Account, role model.Role) context.Context {
	ctx = context.WithValue(ctx, userIDContextKey, account.ID)
	ctx = context.WithValue(ctx, roleContextKey, role)
	return context.WithValue(ctx, accountContextKey, account)
}
