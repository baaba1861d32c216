package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	mail "github.com/go-mail/mail/v2"
	"github.com/warp/budget-ledger/budget"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	From          string // e.g. "Budget Office <no-reply@example.org>"
	SkipTLSVerify bool
}

// Configured reports whether enough is set to send mail.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// Mailer sends notifications by email. Recipients that do not look like
// addresses (plain usernames) are skipped.
type Mailer struct {
	from    string
	subject string
	send    func(to string, msg *mail.Message) error
}

var _ budget.Notifier = (*Mailer)(nil)

// NewMailer dials the relay per message, with mandatory STARTTLS.
func NewMailer(cfg SMTPConfig) (*Mailer, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("smtp not configured (SMTP_HOST/SMTP_FROM)")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	d := mail.NewDialer(cfg.Host, port, cfg.User, cfg.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}
	send := func(_ string, msg *mail.Message) error { return d.DialAndSend(msg) }
	return &Mailer{from: cfg.From, subject: "[Budget]", send: send}, nil
}

// NewMailerWithSender delivers through s instead of dialing SMTP.
func NewMailerWithSender(from string, s mail.Sender) *Mailer {
	send := func(to string, msg *mail.Message) error {
		return s.Send(from, []string{to}, msg)
	}
	return &Mailer{from: from, subject: "[Budget]", send: send}
}

func (m *Mailer) Notify(ctx context.Context, n budget.Notification) error {
	if !strings.Contains(n.Recipient, "@") {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", n.Recipient)
	msg.SetHeader("Subject", m.subject+" "+n.Title)
	body := n.Message
	if n.ObjectID != "" {
		body += fmt.Sprintf("\n\nReference: %s %s", n.ContentType, n.ObjectID)
	}
	msg.SetBody("text/plain", body)

	if err := m.send(n.Recipient, msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", n.Recipient, err)
	}
	return nil
}
