package auth

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/hitoshi/dsadrill/internal/model"
)

// ワンタイムコードの桁数。上限はotp/reset_otpカラム（VARCHAR(16)）に合わせる。
const (
	DefaultCodeLength = 6
	MinCodeLength     = 4
	MaxCodeLength     = 16
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// 256未満でcodeAlphabetの長さの倍数となる最大値。これ以上のバイトは棄却する。
const maxUnbiasedByte = 256 - 256%len(codeAlphabet)

// RandomCodeGenerator は英大文字と数字からなるワンタイムコードを生成する。
type RandomCodeGenerator struct {
	length int
	now    func() time.Time
	rand   io.Reader
}

// NewCodeGenerator はRandomCodeGeneratorを生成する。
// lengthが0以下の場合はDefaultCodeLength、範囲外の場合はMinCodeLength..MaxCodeLengthに丸める。
func NewCodeGenerator(length int) *RandomCodeGenerator {
	switch {
	case length <= 0:
		length = DefaultCodeLength
	case length < MinCodeLength:
		length = MinCodeLength
	case length > MaxCodeLength:
		length = MaxCodeLength
	}
	return &RandomCodeGenerator{
		length: length,
		now:    time.Now,
		rand:   rand.Reader,
	}
}

// Generate は現在時刻+windowを期限とするコードを生成する。
func (g *RandomCodeGenerator) Generate(window time.Duration) (model.TimeBoundCode, error) {
	code := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)

	for len(code) < g.length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return model.TimeBoundCode{}, fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiasedByte {
				continue
			}
			code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(code) == g.length {
				break
			}
		}
	}

	return model.TimeBoundCode{
		Code:      string(code),
		ExpiresAt: g.now().Add(window),
	}, nil
}

// compile-time interface check
var _ CodeGenerator = (*RandomCodeGenerator)(nil)
