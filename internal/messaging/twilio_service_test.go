package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/twiliosms"
)

func TestTwilioServiceValidateAndCanonicalizeRecipient(t *testing.T) {
	s := NewTwilioService(twiliosms.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"416-555-0100", "+14165550100", false},
		{"+1 (416) 555-0100", "+14165550100", false},
		{"", "", true},
		{"abc", "", true},
		{"555-0100", "", true},
	}
	for _, tt := range tests {
		got, err := s.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTwilioServiceSendMessage(t *testing.T) {
	mock := twiliosms.NewMockClient()
	s := NewTwilioService(mock)
	if err := s.SendMessage(context.Background(), "4165550100; 4165550101", "EPDS Followup", "91200001 (EPDS Score: 12)"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.Sent) != 2 {
		t.Fatalf("expected 2 SMS, got %d", len(mock.Sent))
	}
	if mock.Sent[1].To != "+14165550101" || mock.Sent[0].Body != "EPDS Followup\n\n91200001 (EPDS Score: 12)" {
		t.Errorf("Sent = %+v", mock.Sent)
	}
}

func TestTwilioServiceTruncatesLongBodies(t *testing.T) {
	mock := twiliosms.NewMockClient()
	s := NewTwilioService(mock)
	if err := s.SendMessage(context.Background(), "4165550100", "", strings.Repeat("x", MaxSMSLength+50)); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if n := len(mock.Sent[0].Body); n != MaxSMSLength {
		t.Errorf("body length = %d, want %d", n, MaxSMSLength)
	}
}

func TestTwilioServiceFailures(t *testing.T) {
	mock := twiliosms.NewMockClient()
	s := NewTwilioService(mock)

	err := s.SendMessage(context.Background(), "123; 4165550100", "s", "b")
	var de *models.DeliveryError
	if !errors.As(err, &de) || de.Recipient != "123" {
		t.Fatalf("expected DeliveryError for 123, got %v", err)
	}
	if len(mock.Sent) != 1 {
		t.Errorf("valid numbers should still be sent, got %d", len(mock.Sent))
	}

	mock.Err = errors.New("twilio down")
	if err := s.SendMessage(context.Background(), "4165550100", "s", "b"); !errors.As(err, &de) {
		t.Errorf("expected DeliveryError, got %v", err)
	}
	if err := s.SendMessage(context.Background(), "", "s", "b"); !errors.Is(err, ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
}
