package mail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ConsoleTransport writes messages to a writer instead of delivering them.
// Useful for development and tests.
type ConsoleTransport struct {
	out    io.Writer
	logger *slog.Logger
}

// NewConsoleTransport creates a console transport writing to stdout.
func NewConsoleTransport(logger *slog.Logger) *ConsoleTransport {
	return &ConsoleTransport{out: os.Stdout, logger: logger}
}

// NewConsoleTransportWriter creates a console transport writing to out.
func NewConsoleTransportWriter(out io.Writer, logger *slog.Logger) *ConsoleTransport {
	return &ConsoleTransport{out: out, logger: logger}
}

// Send prints the message
func (t *ConsoleTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Temporary: true, Message: err.Error()}
	}

	divider := strings.Repeat("=", 60)
	fmt.Fprintf(t.out, "\n%s\n", divider)
	fmt.Fprintf(t.out, "CONSOLE MAIL DELIVERY\n")
	fmt.Fprintf(t.out, "%s\n", divider)
	fmt.Fprintf(t.out, "To: %s\n", msg.To)
	fmt.Fprintf(t.out, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(t.out, "Date: %s\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(t.out, "%s\n", strings.Repeat("-", 60))
	fmt.Fprintf(t.out, "%s\n", msg.Body)
	fmt.Fprintf(t.out, "%s\n\n", divider)

	t.logger.Info("message delivered to console", "to", msg.To)
	return nil
}
