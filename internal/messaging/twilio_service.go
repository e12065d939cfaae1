package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/BTreeMap/LSQPipe/internal/twiliosms"
	"github.com/BTreeMap/LSQPipe/internal/util"
)

// MaxSMSLength is Twilio's limit on a concatenated message body.
const MaxSMSLength = 1600

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioService implements Service by SMS through Twilio.
type TwilioService struct {
	client twiliosms.Sender // Could be real Twilio client or MockClient
}

// NewTwilioService creates a TwilioService around client.
func NewTwilioService(client twiliosms.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to +digits and checks it has
// at least 10 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 10 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 10 digits required)", canonical)
	}
	if len(canonical) == 10 {
		canonical = "1" + canonical
	}
	return "+" + canonical, nil
}

// SendMessage texts subject and body to every number in to ("a; b" lists allowed).
// Every number is attempted; the first failure is returned.
func (s *TwilioService) SendMessage(ctx context.Context, to, subject, body string) error {
	numbers := util.SplitList(to)
	if len(numbers) == 0 {
		return deliveryError(to, ErrEmptyRecipient)
	}
	text := body
	if subject != "" {
		text = subject + "\n\n" + body
	}
	if r := []rune(text); len(r) > MaxSMSLength {
		text = string(r[:MaxSMSLength])
	}

	var first error
	for _, n := range numbers {
		canonical, err := s.ValidateAndCanonicalizeRecipient(n)
		if err == nil {
			err = s.client.SendSMS(ctx, canonical, text)
		}
		if err != nil {
			slog.Error("TwilioService SendMessage failed", "error", err)
			if first == nil {
				first = deliveryError(n, err)
			}
		}
	}
	return first
}
