package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// EmailSender delivers an email to a set of addresses
type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// SMTPConfig holds the SMTP relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends email through an SMTP relay
type SMTPSender struct {
	logger *zap.Logger
	config SMTPConfig
}

// NewSMTPSender creates a new SMTP sender
func NewSMTPSender(logger *zap.Logger, config SMTPConfig) *SMTPSender {
	return &SMTPSender{
		logger: logger.Named("smtp"),
		config: config,
	}
}

// SendEmail implements EmailSender. The SMTP session is bound to ctx: the connection
// takes its deadline and is closed as soon as ctx is done.
func (s *SMTPSender) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		s.config.From,
		strings.Join(to, ", "),
		subject,
		body)

	if err := s.send(ctx, to, msg); err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(err, os.ErrDeadlineExceeded):
			// the connection deadline can fire just before the context timer does
			err = context.DeadlineExceeded
		}
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Debug("Email sent", zap.Strings("to", to), zap.String("subject", subject))
	return nil
}

func (s *SMTPSender) send(ctx context.Context, to []string, msg string) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set connection deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

// LogEmailSender only logs outgoing email; used when SMTP is disabled
type LogEmailSender struct {
	logger *zap.Logger
}

// NewLogEmailSender creates a new log-only email sender
func NewLogEmailSender(logger *zap.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger.Named("email")}
}

// SendEmail implements EmailSender
func (s *LogEmailSender) SendEmail(_ context.Context, to []string, subject, body string) error {
	s.logger.Info("Email notification",
		zap.Strings("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}
