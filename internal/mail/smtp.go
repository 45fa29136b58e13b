package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPConfig contains relay smarthost settings.
type SMTPConfig struct {
	Addr     string // host:port of the relay
	From     string // envelope sender
	Hostname string // EHLO name
	Username string // SASL PLAIN credentials; empty disables auth
	Password string
	StartTLS bool
	Timeout  time.Duration
}

// SMTPTransport submits messages to a single upstream relay. Unlike a
// full MTA there is no MX fan-out; the relay owns final delivery.
type SMTPTransport struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPTransport creates a relay transport
func NewSMTPTransport(cfg SMTPConfig, logger *slog.Logger) *SMTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &SMTPTransport{cfg: cfg, logger: logger}
}

// Send submits one message to the relay
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", t.cfg.Addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(t.cfg.Hostname); err != nil {
		return categorizeError(err, "EHLO")
	}

	if t.cfg.StartTLS {
		host, _, splitErr := net.SplitHostPort(t.cfg.Addr)
		if splitErr != nil {
			host = t.cfg.Addr
		}
		tlsConfig := &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return categorizeError(err, "STARTTLS")
		}
	}

	if t.cfg.Username != "" {
		auth := sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(t.cfg.From, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", msg.To))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}

	if _, err := wc.Write(buildMessage(t.cfg.From, msg)); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	t.logger.Info("message submitted to relay",
		"relay", t.cfg.Addr,
		"to", msg.To,
	)

	return nil
}

// buildMessage assembles a minimal RFC 5322 message.
func buildMessage(from string, msg *Message) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")

	return []byte(b.String())
}

// categorizeError determines if an SMTP error is temporary or permanent.
// 4xx replies are temporary, 5xx permanent, anything else (network-level)
// is treated as temporary.
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Message:   msg,
		}
	}

	return &DeliveryError{Temporary: true, Message: msg}
}
