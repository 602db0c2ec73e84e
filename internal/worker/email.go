package worker

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"

	"github.com/openlearn/commerce/internal/events"
)

// EmailSender delivers transactional mail.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMTPEmailSender sends mail through a plain-auth SMTP relay.
type SMTPEmailSender struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPEmailSender configures the relay connection.
func NewSMTPEmailSender(host, port, user, pass, from string) *SMTPEmailSender {
	return &SMTPEmailSender{
		addr: fmt.Sprintf("%s:%s", host, port),
		auth: smtp.PlainAuth("", user, pass, host),
		from: from,
	}
}

// SendEmail sends one plain-text message.
func (s *SMTPEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	e := email.NewEmail()
	e.From = s.from
	e.To = []string{to}
	e.Subject = subject
	e.Text = []byte(body)
	return e.Send(s.addr, s.auth)
}

// receiptBody renders the plain-text order receipt.
func receiptBody(ev events.OrderFulfilled) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order %s.\n\n", ev.ReferenceNumber)
	b.WriteString("You are now enrolled in:\n")
	for _, run := range ev.Runs {
		fmt.Fprintf(&b, "  - %s (%s)\n", run.Title, run.ReadableID)
	}
	fmt.Fprintf(&b, "\nTotal paid: $%s\n", ev.TotalPricePaid)
	return b.String()
}
