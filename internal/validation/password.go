package validation

import (
	"errors"
	"fmt"
	"unicode/utf8"

	passwordvalidator "github.com/wagslane/go-password-validator"
)

// bcryptの入力上限
const maxPasswordBytes = 72

// PasswordPolicy はパスワードの強度要件。
type PasswordPolicy struct {
	MinLength  int     // 最小文字数
	MinEntropy float64 // 最小エントロピー（ビット）。0以下で無効
}

// Validate はパスワードが要件を満たすかを検証する。
func (p PasswordPolicy) Validate(password string) error {
	if utf8.RuneCountInString(password) < p.MinLength {
		return fmt.Errorf("パスワードは%d文字以上で入力してください。", p.MinLength)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("パスワードは%dバイト以内で入力してください。", maxPasswordBytes)
	}
	if p.MinEntropy > 0 {
		if err := passwordvalidator.Validate(password, p.MinEntropy); err != nil {
			return errors.New("パスワードが単純すぎます。記号や大文字を含めるか、より長くしてください。")
		}
	}
	return nil
}
