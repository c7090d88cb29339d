package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"math"
	"time"

	"github.com/hitoshi/dsadrill/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	signupSubject = "【DSA Drill】メールアドレスの確認コード"
	resetSubject  = "【DSA Drill】パスワード再設定コード"
)

// Mailer は認証コードのメールを組み立てて送信する。
type Mailer struct {
	sender    Sender
	templates *template.Template
	now       func() time.Time
}

// NewMailer はMailerを生成する。テンプレートの解析に失敗した場合はエラーを返す。
func NewMailer(sender Sender) (*Mailer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse mail templates: %w", err)
	}
	return &Mailer{sender: sender, templates: tmpl, now: time.Now}, nil
}

type codeMailData struct {
	Name          string
	Code          string
	ValidSeconds  int
	ExpiresAtText string
}

// SendSignupCode はサインアップ確認コードを送信する。
func (m *Mailer) SendSignupCode(ctx context.Context, account *model.Account, code model.TimeBoundCode) error {
	return m.send(ctx, account, code, "signup_code.html", signupSubject)
}

// SendResetCode はパスワード再設定コードを送信する。
func (m *Mailer) SendResetCode(ctx context.Context, account *model.Account, code model.TimeBoundCode) error {
	return m.send(ctx, account, code, "reset_code.html", resetSubject)
}

func (m *Mailer) send(ctx context.Context, account *model.Account, code model.TimeBoundCode, name, subject string) error {
	data := codeMailData{
		Name:          account.Name,
		Code:          code.Code,
		ValidSeconds:  int(math.Max(0, math.Round(code.ExpiresAt.Sub(m.now()).Seconds()))),
		ExpiresAtText: code.ExpiresAt.UTC().Format("2006-01-02 15:04:05 UTC"),
	}

	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}

	return m.sender.Send(ctx, account.Email, subject, buf.String())
}
