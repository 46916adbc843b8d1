// Package mail delivers transactional email. The service only knows the
// Sender interface; delivery is handed to a queue or, in development, to
// the log.
package mail

import (
	"context"
	"errors"
	"log/slog"
	netmail "net/mail"
	"strings"
)

// Message is one outgoing email. HTML and Text carry the same content.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Validate checks that the message is deliverable.
func (m Message) Validate() error {
	if _, err := netmail.ParseAddress(m.To); err != nil {
		return errors.New("mail: invalid recipient address")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("mail: subject is required")
	}
	if m.HTML == "" && m.Text == "" {
		return errors.New("mail: empty body")
	}
	return nil
}

// Sender hands a message off for delivery. A nil error means the message
// was accepted; it says nothing about the recipient's inbox.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail (not delivered)",
		"to", msg.To,
		"subject", msg.Subject,
		"text", msg.Text,
	)
	return nil
}
