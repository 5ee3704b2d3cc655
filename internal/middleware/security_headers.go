package middleware

import "net/http"

// opsResponseHeaders は/healthと/metricsの応答に付与するヘッダー。
// どちらもブラウザで描画する内容を持たず、キャッシュや索引の対象にもしない。
var opsResponseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"X-Robots-Tag", "noindex"},
}

// NewSecurityHeadersMiddleware は運用エンドポイント向けのレスポンスヘッダーを付与するミドルウェアを返す。
// ハンドラーが同じヘッダーを設定した場合はハンドラー側の値が優先される。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range opsResponseHeaders {
				h.Set(kv[0], kv[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
