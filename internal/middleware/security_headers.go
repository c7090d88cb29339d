package middleware

import "net/http"

// hstsValue は1年間HTTPSを強制する。サブドメインは対象外。
const hstsValue = "max-age=31536000"

// NewSecurityHeadersMiddleware はセキュリティ関連のレスポンスヘッダーを付与するミドルウェアを返す。
// APIはJSONのみを返すため、CSPはすべてのリソース読み込みを禁止する。
// hstsはBASE_URLがhttpsの場合にのみ有効にする。
func NewSecurityHeadersMiddleware(hsts bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// トークンやワンタイムコードを含むレスポンスをキャッシュさせない
			h.Set("Cache-Control", "no-store")
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}
