package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Message is a composed email.
type Message struct {
	To      string
	From    string
	Subject string
	HTML    string
	Text    string
}

// Transport delivers composed messages.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPTransport sends mail through an SMTP relay.
type SMTPTransport struct {
	dialer *gomail.Dialer
}

var _ Transport = (*SMTPTransport)(nil)

// NewSMTPTransport registers the relay address and credentials.
func NewSMTPTransport(host string, port int, username, password string) *SMTPTransport {
	return &SMTPTransport{dialer: gomail.NewDialer(host, port, username, password)}
}

// Send delivers msg as multipart/alternative with a plain text and an HTML
// part. The SMTP exchange itself cannot be interrupted; ctx only bounds how
// long the caller waits for it.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	m := newMailMessage(msg)

	done := make(chan error, 1)
	go func() { done <- t.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newMailMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.HTML)
	return m
}

// LogTransport writes messages to the log instead of sending them. It is
// used when no SMTP host is configured.
type LogTransport struct {
	logger *zap.Logger
}

var _ Transport = (*LogTransport)(nil)

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.logger.Info("email not sent, SMTP is not configured",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	t.logger.Debug("email body", zap.String("text", msg.Text))
	return nil
}
