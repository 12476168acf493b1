// Package mail delivers account-approval email. The transport is chosen
// at startup: a log-only mailer for development, SMTP, or AWS SES.
package mail

import (
	"context"
	"fmt"
	"log/slog"
)

//go:generate mockgen -source=mail.go -destination=mock_mailer.go -package=mail

// Mailer sends a plain-text message to a single recipient.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

// Transports accepted by New.
const (
	TransportLog  = "log"
	TransportSMTP = "smtp"
	TransportSES  = "ses"
)

// Config selects and configures the transport.
type Config struct {
	Transport string
	From      string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string

	AWSRegion string
}

// New builds the Mailer for cfg.Transport.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Mailer, error) {
	switch cfg.Transport {
	case "", TransportLog:
		return NewLogMailer(logger), nil
	case TransportSMTP:
		return NewSMTPMailer(cfg), nil
	case TransportSES:
		return NewSESMailer(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}

// LogMailer records that a message would have been sent. The body is
// never logged because approval links carry single-use tokens.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendMail(_ context.Context, to, subject, _ string) error {
	m.logger.Info("mail: message suppressed (log transport)",
		slog.String("to", to),
		slog.String("subject", subject),
	)

	return nil
}
