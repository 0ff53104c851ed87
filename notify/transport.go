package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"Gin_postgres_redis_gage_lease/logging"

	"go.uber.org/zap"
)

// Transport delivers one message to one address.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogTransport writes messages to the log instead of sending them
// (development, or when SMTP is not configured).
type LogTransport struct {
	log *zap.Logger
}

func NewLogTransport(log *zap.Logger) *LogTransport {
	return &LogTransport{log: logging.OrNop(log)}
}

func (t *LogTransport) Send(_ context.Context, to, subject, body string) error {
	t.log.Info("[DEV] notification",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}

type SMTPTransport struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string // 为空时回退 Username
	FromName string
}

func (t *SMTPTransport) Send(_ context.Context, to, subject, body string) error {
	from := t.From
	if from == "" {
		from = t.Username
	}
	if t.Host == "" || from == "" {
		return fmt.Errorf("smtp not configured")
	}
	var auth smtp.Auth
	if t.Username != "" {
		auth = smtp.PlainAuth("", t.Username, t.Password, t.Host)
	}
	msg := buildMIME(t.FromName, from, to, subject, body)
	return smtp.SendMail(t.Host+":"+t.Port, auth, from, []string{to}, []byte(msg))
}

func buildMIME(fromName, fromAddr, to, subject, body string) string {
	from := fromAddr
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromAddr)
	}
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + body
}
