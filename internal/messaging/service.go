// Package messaging delivers participant and staff messages.
//
// Participants receive questionnaire links and passwords by e-mail. Staff receive the
// run summary and the EPDS alert by e-mail and, optionally, by SMS.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/LSQPipe/internal/models"
)

// ErrEmptyRecipient is returned when a message has no recipient.
var ErrEmptyRecipient = errors.New("recipient cannot be empty")

// ErrInvalidRecipient is returned when a recipient is not a usable address.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// SendMessage sends one message. Failures are reported as *models.DeliveryError.
	SendMessage(ctx context.Context, to, subject, body string) error
}

// Message is a single outgoing message.
type Message struct {
	To      string
	Subject string
	Body    string
}

// MockService records messages instead of sending them.
type MockService struct {
	mu   sync.Mutex
	sent []Message
	// Fail maps a recipient to the error returned when sending to it.
	Fail map[string]error
}

// NewMockService returns an empty MockService.
func NewMockService() *MockService {
	return &MockService{Fail: make(map[string]error)}
}

// SendMessage records the message, or returns the configured failure for to.
func (m *MockService) SendMessage(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return deliveryError(to, ErrEmptyRecipient)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Fail[to]; err != nil {
		return deliveryError(to, err)
	}
	m.sent = append(m.sent, Message{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages in send order.
func (m *MockService) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// SentTo returns the recorded messages addressed to to.
func (m *MockService) SentTo(to string) []Message {
	var out []Message
	for _, msg := range m.Sent() {
		if msg.To == to {
			out = append(out, msg)
		}
	}
	return out
}

// LogService logs messages without sending them. Used for dry runs.
type LogService struct{}

// SendMessage logs the recipient and subject. The body is not logged since it may
// carry a survey password.
func (LogService) SendMessage(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return deliveryError(to, ErrEmptyRecipient)
	}
	slog.Info("LogService SendMessage (dry run)", "subject", subject, "body_len", len(body))
	return nil
}

func deliveryError(to string, err error) error {
	return &models.DeliveryError{Recipient: to, Err: err}
}
