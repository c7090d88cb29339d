// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NameSanitizer は表示名からHTMLタグを除去する。
// 表示名はJSONでのみ返すため、エンティティは元の文字に戻す。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はタグを一切許可しないNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、前後の空白を取り除いた表示名を返す。
func (s *NameSanitizer) Sanitize(name string) string {
	cleaned := s.policy.Sanitize(name)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}
