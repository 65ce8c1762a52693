// Package mailer delivers HTML mail to customers and shop staff.
package mailer

import (
	"context"
	"errors"
	"sync"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// ErrNoRecipients is returned when a message has no To addresses.
var ErrNoRecipients = errors.New("message has no recipients")

// Attachment is a file attached to a message. Path refers to the shared
// document volume; Data carries the content inline when set.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Message is an HTML mail.
type Message struct {
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender logs messages instead of delivering them.
type LogSender struct {
	logger *otelzap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *otelzap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	s.logger.Ctx(ctx).Info("Mail",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return nil
}

// MemorySender records messages.
type MemorySender struct {
	// Err is returned from Send when set.
	Err error

	mu   sync.Mutex
	sent []Message
}

// NewMemorySender creates a MemorySender.
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

// Send implements Sender.
func (s *MemorySender) Send(_ context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Sent returns the recorded messages.
func (s *MemorySender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*MemorySender)(nil)
)
