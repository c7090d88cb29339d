package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewOutboundClient は外部IdPなど公開HTTPSエンドポイント専用のHTTPクライアントを生成する。
// safeurlがDNS解決後のIPアドレスを検証し、プライベートIP、ループバック、
// リンクローカル、メタデータIPへの接続をブロックする。
func NewOutboundClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}
