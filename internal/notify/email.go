package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"watchalert/internal/config"
	"watchalert/internal/domain"
)

// MailDialer sends composed messages. *gomail.Dialer satisfies it.
type MailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	from   string
	dialer MailDialer
}

// NewEmailSender creates a sender using the SMTP settings in cfg.
func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return NewEmailSenderWithDialer(cfg.From, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password))
}

// NewEmailSenderWithDialer creates a sender using d.
func NewEmailSenderWithDialer(from string, d MailDialer) *EmailSender {
	return &EmailSender{from: from, dialer: d}
}

// Send mails title and body to the target recipients.
func (s *EmailSender) Send(ctx context.Context, target domain.NoticeTarget, title, body string, _ Message) error {
	if len(target.Recipients) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", target.Recipients...)
	if len(target.CC) > 0 {
		m.SetHeader("Cc", target.CC...)
	}
	m.SetHeader("Subject", title)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
