// Package notify はワンタイムコードのメール送信を提供する。
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// Sender はメールを送信する。
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender はgomailによるSMTP送信を提供する。
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender はSMTPSenderを生成する。
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send はメールを送信する。ctxがキャンセルされた場合は送信完了を待たずに戻る。
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mail delivery aborted: %w", ctx.Err())
	}
}

// LogSender はメールを送信せずログに出力する。SMTP未設定の開発環境用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメール内容をログに出力する。
func (s *LogSender) Send(_ context.Context, to, subject, htmlBody string) error {
	s.logger.Info("mail delivery skipped (SMTP not configured)",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", htmlBody),
	)
	return nil
}

// compile-time interface check
var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
