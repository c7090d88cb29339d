package validation

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidEmail はメールアドレスの形式が不正な場合のエラー。
var ErrInvalidEmail = errors.New("invalid email address")

// emailValidate はNormalizeEmailの形式検証に使用する。
var emailValidate = newValidate()

// NormalizeEmail はメールアドレスを正規化する。
// 前後の空白を除去して小文字化し、ドメイン部を国際化ドメイン名からASCII形式（punycode）に変換する。
func NormalizeEmail(raw string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(raw))

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", ErrInvalidEmail
	}

	local, domain := addr[:at], addr[at+1:]
	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", ErrInvalidEmail
	}

	normalized := local + "@" + asciiDomain
	if len(normalized) > 254 {
		return "", ErrInvalidEmail
	}
	if err := emailValidate.Var(normalized, "email"); err != nil {
		return "", ErrInvalidEmail
	}

	return normalized, nil
}
