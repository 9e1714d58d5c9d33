// Package notify sends client emails for settlement events.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/diewo77/go-settle/internal/events"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FailureJob is the subscriber name of the failure mailer.
const FailureJob = "payment_failure_mailer"

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer { return &LogMailer{log: log} }

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.log.InfoContext(ctx, "mail", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}

// Notifier turns events into client emails.
type Notifier struct {
	mailer Mailer
	lang   language.Tag
	log    *slog.Logger
}

func NewNotifier(mailer Mailer, lang language.Tag, log *slog.Logger) *Notifier {
	return &Notifier{mailer: mailer, lang: lang, log: log}
}

func (n *Notifier) Register(s events.Subscriber) {
	s.Subscribe(events.PaymentFailureNotice, FailureJob, n.PaymentFailure)
}

// PaymentFailure tells the client a charge did not go through. Clients
// without an email address are skipped.
func (n *Notifier) PaymentFailure(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.FailureNoticePayload)
	if !ok {
		return fmt.Errorf("notify: unexpected payload %T", e.Payload)
	}
	if strings.TrimSpace(p.ClientEmail) == "" {
		n.log.Warn("payment failure notice skipped", "tenant", e.Tenant, "client_id", p.ClientID, "reason", "no email")
		return nil
	}

	pr := message.NewPrinter(n.lang)
	company := p.CompanyName
	if company == "" {
		company = "your supplier"
	}
	amount := FormatAmount(n.lang, p.Amount, p.Currency)
	var body strings.Builder
	body.WriteString(pr.Sprintf("Hello %s,\n\n", p.ClientName))
	body.WriteString(pr.Sprintf("Your payment of %s to %s could not be completed.\n", amount, company))
	body.WriteString(pr.Sprintf("Reason: %s\n", p.Error))
	if p.Hash != "" {
		body.WriteString(pr.Sprintf("Reference: %s\n", p.Hash))
	}

	return n.mailer.Send(ctx, Message{
		To:      p.ClientEmail,
		Subject: pr.Sprintf("Payment failed: %s", amount),
		Body:    body.String(),
	})
}

// FormatAmount renders amount with the currency symbol for lang. Unknown
// currency codes fall back to "<amount> <code>".
func FormatAmount(lang language.Tag, amount decimal.Decimal, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return strings.TrimSpace(amount.StringFixed(2) + " " + code)
	}
	return message.NewPrinter(lang).Sprint(currency.Symbol(unit.Amount(amount.InexactFloat64())))
}
