package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/util"
)

// EmailOpts holds configuration for the SMTP e-mail service.
type EmailOpts struct {
	Addr       string // host:port
	Username   string
	Password   string
	From       string
	OnBehalfOf string   // shared study mailbox shown as the author
	Bcc        []string // archive copies
}

// EmailOption defines a function that configures EmailOpts.
type EmailOption func(*EmailOpts)

// WithSMTPAddr sets the SMTP server address (host:port).
func WithSMTPAddr(addr string) EmailOption {
	return func(o *EmailOpts) { o.Addr = addr }
}

// WithSMTPAuth enables PLAIN authentication.
func WithSMTPAuth(username, password string) EmailOption {
	return func(o *EmailOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithFrom sets the sending address.
func WithFrom(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

// WithOnBehalfOf sets the mailbox the message is sent on behalf of. The sending
// address then appears in the Sender header.
func WithOnBehalfOf(addr string) EmailOption {
	return func(o *EmailOpts) { o.OnBehalfOf = addr }
}

// WithBcc adds blind copies to every message.
func WithBcc(addrs ...string) EmailOption {
	return func(o *EmailOpts) {
		for _, a := range addrs {
			if a = strings.TrimSpace(a); a != "" {
				o.Bcc = append(o.Bcc, a)
			}
		}
	}
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailService sends plain text e-mail over SMTP.
type EmailService struct {
	opts     EmailOpts
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailService builds an EmailService. The server address and sending address are
// mandatory.
func NewEmailService(opts ...EmailOption) (*EmailService, error) {
	var cfg EmailOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		return nil, &models.ConfigError{Key: "SMTP_ADDR", Err: errors.New("not set")}
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, &models.ConfigError{Key: "SMTP_ADDR", Err: err}
	}
	if cfg.From == "" {
		return nil, &models.ConfigError{Key: "SMTP_FROM", Err: errors.New("not set")}
	}
	slog.Debug("messaging.NewEmailService", "addr", cfg.Addr, "auth", cfg.Username != "", "bcc", len(cfg.Bcc))
	return &EmailService{opts: cfg, sendMail: smtp.SendMail, now: time.Now}, nil
}

// SendMessage e-mails body to to, which may be a "a@x; b@y" list.
func (s *EmailService) SendMessage(ctx context.Context, to, subject, body string) error {
	rcpts, err := parseRecipients(to)
	if err != nil {
		slog.Warn("EmailService SendMessage rejected recipient", "error", err)
		return deliveryError(to, err)
	}
	if err := ctx.Err(); err != nil {
		return deliveryError(to, err)
	}

	var auth smtp.Auth
	if s.opts.Username != "" {
		host, _, _ := net.SplitHostPort(s.opts.Addr)
		auth = smtp.PlainAuth("", s.opts.Username, s.opts.Password, host)
	}
	envelope := append(append([]string(nil), rcpts...), s.opts.Bcc...)

	if err := s.sendMail(s.opts.Addr, auth, s.opts.From, envelope, s.buildMessage(rcpts, subject, body)); err != nil {
		slog.Error("EmailService SendMessage failed", "subject", subject, "error", err)
		return deliveryError(to, err)
	}
	slog.Debug("EmailService SendMessage succeeded", "subject", subject, "recipients", len(rcpts))
	return nil
}

// parseRecipients splits a recipient list and reduces each entry to its bare address.
// Entries that are not a single valid address, or that carry line breaks, are rejected
// so that nothing from the contact spreadsheet can add a header.
func parseRecipients(to string) ([]string, error) {
	entries := util.SplitList(to)
	if len(entries) == 0 {
		return nil, ErrEmptyRecipient
	}
	rcpts := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.ContainsAny(entry, "\r\n") {
			return nil, fmt.Errorf("%w: line break in address", ErrInvalidRecipient)
		}
		addr, err := mail.ParseAddress(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		rcpts = append(rcpts, addr.Address)
	}
	return rcpts, nil
}

func (s *EmailService) buildMessage(to []string, subject, body string) []byte {
	var b bytes.Buffer
	from := s.opts.From
	if s.opts.OnBehalfOf != "" {
		from = s.opts.OnBehalfOf
		fmt.Fprintf(&b, "Sender: %s\r\n", s.opts.From)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
