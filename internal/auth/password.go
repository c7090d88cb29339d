package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost はパスワードハッシュのデフォルトコスト。
const DefaultBcryptCost = 12

// BcryptHasher はbcryptによるパスワードハッシュを提供する。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。
// costが範囲外の場合はDefaultBcryptCostを使用する。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash はパスワードをハッシュ化する。
func (h *BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Compare はパスワードがハッシュと一致するかを返す。
// ハッシュが壊れている場合も不一致として扱う。
func (h *BcryptHasher) Compare(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// compile-time interface check
var _ PasswordHasher = (*BcryptHasher)(nil)
