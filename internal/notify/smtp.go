package notify

import (
	"context"

	"request-portal/internal/config"

	"gopkg.in/gomail.v2"
)

// SMTPMailer sends email through an SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   from,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := m.message(to, subject, htmlBody)
	return m.dialer.DialAndSend(msg)
}

func (m *SMTPMailer) message(to, subject, htmlBody string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", "[Request Portal] "+subject)
	msg.SetBody("text/html", htmlBody)
	return msg
}
