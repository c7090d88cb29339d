// Package validation はリクエスト入力の検証と正規化を提供する。
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Validator はgo-playground/validatorのラッパー。
// エラーのフィールド名にはjsonタグ名を使用する。
type Validator struct {
	validate *validator.Validate
}

// New はValidatorを生成する。
func New() *Validator {
	return &Validator{validate: newValidate()}
}

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomRules(v)
	return v
}

// registerCustomRules は独自の検証ルールを登録する。
func registerCustomRules(v *validator.Validate) {
	mustRegister := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("failed to register validation tag %q: %v", tag, err))
		}
	}

	// nonblank: 空白のみの文字列を拒否する
	mustRegister("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	// otpcode: 英大文字と数字のみ
	mustRegister("otpcode", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return false
		}
		for _, r := range s {
			if !(unicode.IsUpper(r) && r <= unicode.MaxASCII) && !(r >= '0' && r <= '9') {
				return false
			}
		}
		return true
	})
}

// Struct は構造体を検証し、フィールド名からメッセージへの対応を返す。
// 問題がなければnilを返す。
func (v *Validator) Struct(s any) map[string]string {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"_": "入力内容を検証できませんでした。"}
	}

	details := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		details[fe.Field()] = errorMessage(fe)
	}
	return details
}

// errorMessage はタグごとのメッセージを生成する。
func errorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "nonblank":
		return "必須項目です。"
	case "email":
		return "メールアドレスの形式が正しくありません。"
	case "uuid", "uuid4":
		return "IDの形式が正しくありません。"
	case "otpcode":
		return "認証コードは英大文字と数字で入力してください。"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s文字以上で入力してください。", fe.Param())
		}
		return fmt.Sprintf("%s以上を指定してください。", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s文字以内で入力してください。", fe.Param())
		}
		return fmt.Sprintf("%s以下を指定してください。", fe.Param())
	case "len":
		return fmt.Sprintf("%s文字で入力してください。", fe.Param())
	default:
		return fmt.Sprintf("値が不正です（%s）。", fe.Tag())
	}
}
