package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// Message is a fully resolved outbound mail.
type Message struct {
	From       string
	Recipients []string
	Subject    string
	Text       string
	HTML       string
}

// Sender delivers a resolved message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender records the message instead of delivering it; the default when no
// SMTP relay is configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Log.Info().
		Strs("recipients", msg.Recipients).
		Str("subject", msg.Subject).
		Int("text_bytes", len(msg.Text)).
		Int("html_bytes", len(msg.HTML)).
		Msg("mail delivery (log only)")
	return nil
}

// SMTPSender relays through a plain SMTP host.
type SMTPSender struct {
	Host string
	Port int
}

func (s SMTPSender) Send(_ context.Context, msg Message) error {
	if s.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	port := s.Port
	if port == 0 {
		port = 25
	}
	body := msg.Text
	contentType := "text/plain; charset=utf-8"
	if body == "" {
		body = msg.HTML
		contentType = "text/html; charset=utf-8"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", contentType)
	b.WriteString(body)
	addr := fmt.Sprintf("%s:%d", s.Host, port)
	if err := smtp.SendMail(addr, nil, msg.From, msg.Recipients, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
